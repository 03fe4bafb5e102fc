package inbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendMessage_OrderAndDedupe(t *testing.T) {
	st := NewStore()
	st.AppendMessage(Message{ID: "m2", SessionID: "s1", Body: "second", CreatedAt: t0.Add(time.Second)})
	st.AppendMessage(Message{ID: "m1", SessionID: "s1", Body: "first", CreatedAt: t0})
	st.AppendMessage(Message{ID: "m0", SessionID: "s1", Body: "tie", CreatedAt: t0})
	changed := st.AppendMessage(Message{ID: "m1", SessionID: "s1", Body: "first", CreatedAt: t0})

	assert.False(t, changed)
	msgs := st.Messages("s1")
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"m0", "m1", "m2"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
	assert.Equal(t, MessageSent, msgs[0].State)
}

func TestAppendMessage_SameTimestampOrderedBySeq(t *testing.T) {
	st := NewStore()
	st.AppendMessage(Message{ID: "zz", SessionID: "s1", Seq: 1, CreatedAt: t0, SenderType: SenderCustomer})
	st.AppendMessage(Message{ID: "local-c1", SessionID: "s1", CreatedAt: t0, CorrelationID: "c1", State: MessagePending})
	st.AppendMessage(Message{ID: "aa", SessionID: "s1", Seq: 2, CreatedAt: t0, SenderType: SenderAgent})

	msgs := st.Messages("s1")
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"zz", "aa", "local-c1"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
}

func TestReconcile_EchoReplacesOptimistic(t *testing.T) {
	st := NewStore()
	st.AppendMessage(Message{
		ID: "local-c1", SessionID: "s1", SenderType: SenderAgent, Body: "hello",
		CreatedAt: t0, CorrelationID: "c1", State: MessagePending,
	})

	pending, ok := st.MessageByCorrelation("s1", "c1")
	require.True(t, ok)
	assert.Nil(t, pending.DeliveredAt)

	delivered := t0.Add(200 * time.Millisecond)
	st.AppendMessage(Message{
		ID: "m-100", SessionID: "s1", SenderType: SenderAgent, Body: "hello",
		CreatedAt: t0, DeliveredAt: &delivered, CorrelationID: "c1",
	})

	msgs := st.Messages("s1")
	require.Len(t, msgs, 1, "echo must replace, not duplicate")
	assert.Equal(t, "m-100", msgs[0].ID)
	assert.Equal(t, MessageSent, msgs[0].State)
	require.NotNil(t, msgs[0].DeliveredAt)
	assert.True(t, msgs[0].DeliveredAt.Equal(delivered))
}

func TestReconcileMessage_AfterEchoAlreadyLanded(t *testing.T) {
	st := NewStore()
	st.AppendMessage(Message{ID: "local-c1", SessionID: "s1", CreatedAt: t0, CorrelationID: "c1", State: MessagePending})
	// Echo without correlation id lands first under its server id.
	st.AppendMessage(Message{ID: "m-7", SessionID: "s1", CreatedAt: t0})

	got, ok := st.ReconcileMessage("s1", "c1", Message{ID: "m-7", SessionID: "s1", CreatedAt: t0})
	require.True(t, ok)
	assert.Equal(t, "m-7", got.ID)
	assert.Len(t, st.Messages("s1"), 1)
}

func TestReconcileMessage_Unknown(t *testing.T) {
	st := NewStore()
	_, ok := st.ReconcileMessage("s1", "nope", Message{ID: "x"})
	assert.False(t, ok)
}

func TestDeliveredNeverReverts(t *testing.T) {
	st := NewStore()
	at := t0.Add(time.Second)
	st.AppendMessage(Message{ID: "m1", SessionID: "s1", CreatedAt: t0, DeliveredAt: &at})
	st.AppendMessage(Message{ID: "m1", SessionID: "s1", CreatedAt: t0})

	assert.False(t, st.MarkMessageDelivered("s1", "m1", t0.Add(time.Hour)))
	msg := st.Messages("s1")[0]
	require.NotNil(t, msg.DeliveredAt)
	assert.True(t, msg.DeliveredAt.Equal(at))
}

func TestMarkMessageFailedAndPending(t *testing.T) {
	st := NewStore()
	st.AppendMessage(Message{ID: "local", SessionID: "s1", CreatedAt: t0, CorrelationID: "c1", State: MessagePending})

	assert.True(t, st.MarkMessageFailed("s1", "c1"))
	m, _ := st.MessageByCorrelation("s1", "c1")
	assert.Equal(t, MessageFailed, m.State)

	assert.True(t, st.MarkMessagePending("s1", "c1"))
	assert.False(t, st.MarkMessageFailed("s1", "missing"))
}

func TestSetThread_KeepsUnconfirmedLocalMessages(t *testing.T) {
	st := NewStore()
	st.AppendMessage(Message{ID: "local", SessionID: "s1", Body: "draft", CreatedAt: t0.Add(time.Minute), CorrelationID: "c1", State: MessageFailed})

	st.SetThread("s1", []Message{
		{ID: "m1", SessionID: "s1", Body: "hi", CreatedAt: t0},
	})

	msgs := st.Messages("s1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, MessageFailed, msgs[1].State)
}
