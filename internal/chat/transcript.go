package chat

import "ridechat/internal/model"

// Transcript merges a group's fetched history with the messages seen live
// during the session so that every message id is rendered exactly once.
//
// The rendered order is history followed by live messages in arrival order.
// Nothing is re-sorted by timestamp: arrival order is the contract. A pending
// message collapsed by its echo therefore moves to the end of the live segment.
//
// Transcript is not safe for concurrent use.
type Transcript struct {
	history       []model.Message
	historyIDs    map[string]struct{}
	historyLoaded bool
	live          []model.Message
}

// NewTranscript returns an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{historyIDs: make(map[string]struct{})}
}

// SetHistory installs the fetched segment. It can only be set once; later
// calls are ignored and return false. Live entries already confirmed by the
// history are dropped from the live segment.
func (t *Transcript) SetHistory(msgs []model.Message) bool {
	if t.historyLoaded {
		return false
	}
	t.historyLoaded = true

	t.history = make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if _, dup := t.historyIDs[m.ID]; dup {
			continue
		}
		t.historyIDs[m.ID] = struct{}{}
		t.history = append(t.history, m.Delivered())
	}

	live := t.live[:0]
	for _, m := range t.live {
		if _, ok := t.historyIDs[m.ID]; !ok {
			live = append(live, m)
		}
	}
	t.live = live
	return true
}

// HistoryLoaded reports whether SetHistory has been called.
func (t *Transcript) HistoryLoaded() bool {
	return t.historyLoaded
}

// AddPending appends a locally originated message awaiting its echo.
func (t *Transcript) AddPending(msg model.Message) {
	msg.Status = model.StatusPending
	t.live = append(t.live, msg)
}

// Apply reconciles a message received from the backend. An unconfirmed local
// copy with the same id (pending or failed) is removed and the incoming copy
// is appended as delivered. A message already held as delivered is dropped.
// It reports whether the transcript changed.
func (t *Transcript) Apply(incoming model.Message) bool {
	incoming = incoming.Delivered()

	if _, ok := t.historyIDs[incoming.ID]; ok {
		return false
	}
	if i := t.indexOf(incoming.ID); i >= 0 {
		if t.live[i].Status == model.StatusDelivered {
			return false
		}
		t.live = append(t.live[:i], t.live[i+1:]...)
	}
	t.live = append(t.live, incoming)
	return true
}

// MarkFailed moves a pending message to failed.
func (t *Transcript) MarkFailed(id string) bool {
	return t.transition(id, model.StatusPending, model.StatusFailed)
}

// MarkPending moves a failed message back to pending for a retry.
func (t *Transcript) MarkPending(id string) bool {
	return t.transition(id, model.StatusFailed, model.StatusPending)
}

func (t *Transcript) transition(id string, from, to model.Status) bool {
	i := t.indexOf(id)
	if i < 0 || t.live[i].Status != from {
		return false
	}
	t.live[i].Status = to
	return true
}

// Get returns the message with the given id.
func (t *Transcript) Get(id string) (model.Message, bool) {
	if i := t.indexOf(id); i >= 0 {
		return t.live[i], true
	}
	if _, ok := t.historyIDs[id]; ok {
		for _, m := range t.history {
			if m.ID == id {
				return m, true
			}
		}
	}
	return model.Message{}, false
}

// Messages returns a copy of the rendered transcript.
func (t *Transcript) Messages() []model.Message {
	out := make([]model.Message, 0, len(t.history)+len(t.live))
	out = append(out, t.history...)
	return append(out, t.live...)
}

// Len is the number of rendered messages.
func (t *Transcript) Len() int {
	return len(t.history) + len(t.live)
}

func (t *Transcript) indexOf(id string) int {
	for i := len(t.live) - 1; i >= 0; i-- {
		if t.live[i].ID == id {
			return i
		}
	}
	return -1
}
