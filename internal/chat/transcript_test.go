package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridechat/internal/model"
)

func msg(id, body, sender string) model.Message {
	return model.Message{ID: id, GroupID: "g1", Body: body, Sender: sender}
}

func ids(msgs []model.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestTranscript_OrderIsHistoryThenArrival(t *testing.T) {
	tr := NewTranscript()
	require.True(t, tr.SetHistory([]model.Message{
		msg("m1", "a", "driver"), msg("m2", "b", "customer"), msg("m3", "c", "driver"),
	}))

	tr.Apply(msg("m4", "d", "driver"))
	tr.Apply(msg("m5", "e", "customer"))

	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, ids(tr.Messages()))
}

func TestTranscript_ArrivalOrderNotTimestampOrder(t *testing.T) {
	tr := NewTranscript()
	later := msg("late", "x", "driver")
	later.Timestamp = later.Timestamp.AddDate(0, 0, 1)
	earlier := msg("early", "y", "driver")

	tr.Apply(later)
	tr.Apply(earlier)

	assert.Equal(t, []string{"late", "early"}, ids(tr.Messages()))
}

func TestTranscript_EchoCollapsesPending(t *testing.T) {
	tr := NewTranscript()
	tr.AddPending(msg("u1", "Hi", "customer"))
	require.Equal(t, 1, tr.Len())
	assert.Equal(t, model.StatusPending, tr.Messages()[0].Status)

	assert.True(t, tr.Apply(msg("u1", "Hi", "customer")))

	got := tr.Messages()
	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].ID)
	assert.Equal(t, model.StatusDelivered, got[0].Status)
}

func TestTranscript_ConcurrentSendsCollapseIndependently(t *testing.T) {
	tr := NewTranscript()
	tr.AddPending(msg("a", "A", "customer"))
	tr.AddPending(msg("b", "B", "customer"))

	// echoes arrive out of send order
	tr.Apply(msg("b", "B", "customer"))
	tr.Apply(msg("a", "A", "customer"))

	got := tr.Messages()
	require.Len(t, got, 2)
	assert.Equal(t, []string{"b", "a"}, ids(got))
	for _, m := range got {
		assert.Equal(t, model.StatusDelivered, m.Status)
	}
}

func TestTranscript_RedeliveryIsDropped(t *testing.T) {
	tr := NewTranscript()
	require.True(t, tr.Apply(msg("m1", "hello", "driver")))
	assert.False(t, tr.Apply(msg("m1", "hello", "driver")))
	assert.Equal(t, 1, tr.Len())
}

func TestTranscript_EchoOfHistoryMessageIsDropped(t *testing.T) {
	tr := NewTranscript()
	tr.SetHistory([]model.Message{msg("m1", "hello", "driver")})

	assert.False(t, tr.Apply(msg("m1", "hello", "driver")))
	assert.Equal(t, 1, tr.Len())
}

func TestTranscript_LateHistoryRemovesLiveDuplicates(t *testing.T) {
	tr := NewTranscript()
	tr.AddPending(msg("u1", "mine", "customer"))
	tr.Apply(msg("u1", "mine", "customer"))
	tr.Apply(msg("m9", "newer", "driver"))

	tr.SetHistory([]model.Message{msg("m0", "old", "driver"), msg("u1", "mine", "customer")})

	assert.Equal(t, []string{"m0", "u1", "m9"}, ids(tr.Messages()))
}

func TestTranscript_HistoryIsImmutable(t *testing.T) {
	tr := NewTranscript()
	require.True(t, tr.SetHistory([]model.Message{msg("m1", "a", "driver")}))
	assert.False(t, tr.SetHistory([]model.Message{msg("m2", "b", "driver")}))
	assert.Equal(t, []string{"m1"}, ids(tr.Messages()))
	assert.True(t, tr.HistoryLoaded())
}

func TestTranscript_HistoryDuplicatesCollapsed(t *testing.T) {
	tr := NewTranscript()
	tr.SetHistory([]model.Message{msg("m1", "a", "driver"), msg("m1", "a", "driver")})
	assert.Equal(t, 1, tr.Len())
}

func TestTranscript_FailedAndRetry(t *testing.T) {
	tr := NewTranscript()
	tr.AddPending(msg("u1", "Hi", "customer"))

	assert.False(t, tr.MarkPending("u1"), "pending message cannot be retried")
	assert.True(t, tr.MarkFailed("u1"))
	assert.False(t, tr.MarkFailed("u1"))

	m, ok := tr.Get("u1")
	require.True(t, ok)
	assert.Equal(t, model.StatusFailed, m.Status)

	assert.True(t, tr.MarkPending("u1"))
	m, _ = tr.Get("u1")
	assert.Equal(t, model.StatusPending, m.Status)
}

func TestTranscript_LateEchoCollapsesFailed(t *testing.T) {
	tr := NewTranscript()
	tr.AddPending(msg("u1", "Hi", "customer"))
	tr.MarkFailed("u1")

	assert.True(t, tr.Apply(msg("u1", "Hi", "customer")))

	got := tr.Messages()
	require.Len(t, got, 1)
	assert.Equal(t, model.StatusDelivered, got[0].Status)
}

func TestTranscript_DeliveredCannotFail(t *testing.T) {
	tr := NewTranscript()
	tr.Apply(msg("m1", "x", "driver"))
	assert.False(t, tr.MarkFailed("m1"))
	_, ok := tr.Get("missing")
	assert.False(t, ok)
}

func TestTranscript_MessagesIsACopy(t *testing.T) {
	tr := NewTranscript()
	tr.Apply(msg("m1", "x", "driver"))

	snap := tr.Messages()
	snap[0].Body = "mutated"

	m, _ := tr.Get("m1")
	assert.Equal(t, "x", m.Body)
}
