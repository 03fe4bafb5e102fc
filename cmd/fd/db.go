package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/zulandar/frontdesk/internal/config"
	"github.com/zulandar/frontdesk/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	cmd.AddCommand(newDBResetCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the hub tables",
		Long:  "Creates the hub database if needed (MySQL) and migrates every table.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			_, err = migrate(cmd, cfg.Hub.Database)
			return err
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

// migrate opens the configured database, creating it first on MySQL, and
// migrates all tables.
func migrate(cmd *cobra.Command, cfg config.DatabaseConfig) (*gorm.DB, error) {
	out := cmd.OutOrStdout()
	if cfg.Driver == "mysql" {
		adminDB, err := db.ConnectAdmin(cfg)
		if err != nil {
			return nil, err
		}
		if err := db.CreateDatabase(adminDB, cfg.Name); err != nil {
			return nil, err
		}
		fmt.Fprintf(out, "Database %s ready on %s:%d\n", cfg.Name, cfg.Host, cfg.Port)
	}

	gormDB, err := db.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "Migrated %d tables (%s)\n", len(db.AllModels()), describeDB(cfg))
	return gormDB, nil
}

func newDBResetCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop and re-create the hub database (MySQL only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			return runDBReset(cmd, cfg.Hub.Database, yes)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	return cmd
}

func runDBReset(cmd *cobra.Command, cfg config.DatabaseConfig, yes bool) error {
	out := cmd.OutOrStdout()
	if cfg.Driver != "mysql" {
		return fmt.Errorf("db reset only supports mysql; remove %s to reset sqlite", cfg.Path)
	}
	if !yes {
		fmt.Fprintf(out, "This will permanently delete database %q. Continue? [y/N] ", cfg.Name)
		answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	adminDB, err := db.ConnectAdmin(cfg)
	if err != nil {
		return err
	}
	if err := db.DropDatabase(adminDB, cfg.Name); err != nil {
		return err
	}
	fmt.Fprintf(out, "Dropped database %s\n", cfg.Name)
	_, err = migrate(cmd, cfg)
	return err
}

func describeDB(cfg config.DatabaseConfig) string {
	if cfg.Driver == "mysql" {
		return fmt.Sprintf("mysql %s:%d/%s", cfg.Host, cfg.Port, cfg.Name)
	}
	return "sqlite " + cfg.Path
}
