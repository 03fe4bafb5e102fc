package hub

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zulandar/frontdesk/internal/realtime"
)

func TestKafkaPublisher_PublishesEachEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewKafkaConfig())
	var seen []int64
	for i := 0; i < 2; i++ {
		producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
			var env realtime.Envelope
			if err := json.Unmarshal(val, &env); err != nil {
				return err
			}
			if env.SessionID != "s1" {
				return fmt.Errorf("session %q", env.SessionID)
			}
			seen = append(seen, env.Cursor)
			return nil
		})
	}
	pub := NewKafkaPublisherWithProducer(producer, "")
	assert.Equal(t, "frontdesk.sessions", pub.topic)

	err := pub.Publish([]realtime.Envelope{
		{Type: realtime.EventMessage, SessionID: "s1", Cursor: 7, Data: json.RawMessage(`{}`)},
		{Type: realtime.EventSessionUpdate, SessionID: "s1", Cursor: 8, Data: json.RawMessage(`{}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 8}, seen)
	require.NoError(t, pub.Close())
}

func TestKafkaPublisher_Failure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewKafkaConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	pub := NewKafkaPublisherWithProducer(producer, "sessions")

	err := pub.Publish([]realtime.Envelope{{Type: realtime.EventMessage, SessionID: "s1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish 1 events")
	require.NoError(t, pub.Close())
}

func TestKafkaPublisher_EmptyIsNoop(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewKafkaConfig())
	pub := NewKafkaPublisherWithProducer(producer, "sessions")
	require.NoError(t, pub.Publish(nil))
	require.NoError(t, pub.Close())
}

func TestNewKafkaPublisher_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "x")
	require.Error(t, err)
}

func TestNewKafkaConfig(t *testing.T) {
	cfg := NewKafkaConfig()
	assert.True(t, cfg.Producer.Return.Successes)
	assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
	require.NoError(t, cfg.Validate())
}
