package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transientErr struct{ msg string }

func (e transientErr) Error() string     { return e.msg }
func (e transientErr) IsTransient() bool { return true }

type permanentErr struct{ msg string }

func (e permanentErr) Error() string     { return e.msg }
func (e permanentErr) IsTransient() bool { return false }

type testPayload struct {
	Key string `json:"key"`
	Op  string `json:"op"`
}

// recordingHandler replays items into an in-memory log and fails the ops
// listed in failures.
type recordingHandler struct {
	mu       sync.Mutex
	handled  []string
	failures map[string]error
}

func (h *recordingHandler) GroupKey(item *Item) string {
	var p testPayload
	_ = item.UnmarshalPayload(&p)
	return p.Key
}

func (h *recordingHandler) Handle(ctx context.Context, item *Item) error {
	var p testPayload
	if err := item.UnmarshalPayload(&p); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err, ok := h.failures[p.Op]; ok {
		return err
	}
	h.handled = append(h.handled, p.Op)
	return nil
}

func (h *recordingHandler) log() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.handled...)
}

func enqueueOp(t *testing.T, q *Queue, action, key, op string) *Item {
	t.Helper()
	item, err := q.Enqueue(context.Background(), action, []byte(fmt.Sprintf(`{"key":%q,"op":%q}`, key, op)))
	require.NoError(t, err)
	return item
}

func TestReplayer_ProbeFailureTouchesNothing(t *testing.T) {
	q := newTestQueue(t)
	enqueueOp(t, q, "storage_write", "k1", "write-1")
	handler := &recordingHandler{}
	probe := ProbeFunc(func(context.Context) error { return errors.New("offline") })

	r := NewReplayer(q, handler, probe, ReplayerConfig{}, nil)
	_, err := r.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrProbeFailed)
	assert.Empty(t, handler.log())

	items, err := q.List(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, StateQueued, items[0].State)
	assert.Zero(t, items[0].Retries)
}

func TestReplayer_ReplaysInOrderAndRemovesItems(t *testing.T) {
	q := newTestQueue(t)
	enqueueOp(t, q, "storage_write", "k1", "write-1")
	enqueueOp(t, q, "storage_write", "k2", "write-2")
	enqueueOp(t, q, "storage_delete", "k1", "delete-1")
	handler := &recordingHandler{}

	r := NewReplayer(q, handler, nil, ReplayerConfig{Workers: 1}, nil)
	result, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Processed)

	log := handler.log()
	require.Len(t, log, 3)
	assert.Less(t, indexOf(log, "write-1"), indexOf(log, "delete-1"), "a delete must not overtake the write it depends on")

	items, err := q.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestReplayer_FailureHoldsBackLaterItemsOnSameKey(t *testing.T) {
	q := newTestQueue(t)
	write := enqueueOp(t, q, "storage_write", "k1", "write-1")
	enqueueOp(t, q, "storage_delete", "k1", "delete-1")
	enqueueOp(t, q, "storage_write", "k2", "write-2")
	handler := &recordingHandler{failures: map[string]error{
		"write-1": transientErr{"connection refused"},
	}}

	r := NewReplayer(q, handler, nil, ReplayerConfig{Workers: 4}, nil)
	result, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Blocked)
	assert.Equal(t, []string{"write-2"}, handler.log())

	got, err := q.Get(context.Background(), write.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRetrying, got.State)
	assert.Equal(t, 1, got.Retries)

	// Still backing off: the next pass leaves both k1 items alone.
	result, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Processed)
	assert.Equal(t, 2, result.Blocked)

	// Once due and healthy, the group drains in order.
	delete(handler.failures, "write-1")
	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	result, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, []string{"write-2", "write-1", "delete-1"}, handler.log())
}

func TestReplayer_PermanentFailureParksItemAsDead(t *testing.T) {
	q := newTestQueue(t)
	item := enqueueOp(t, q, "storage_write", "k1", "write-1")
	handler := &recordingHandler{failures: map[string]error{
		"write-1": permanentErr{"content differs"},
	}}

	r := NewReplayer(q, handler, nil, ReplayerConfig{}, nil)
	result, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Dead)

	got, err := q.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDead, got.State)
	assert.Equal(t, "content differs", got.LastError)
}

func TestReplayer_HTTPProbe(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	probe := NewHTTPProbe(server.URL+"/healthz", time.Second)
	assert.NoError(t, probe.Check(context.Background()))

	healthy.Store(false)
	assert.Error(t, probe.Check(context.Background()))
}

func TestReplayer_HTTPProbeRejectsRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusFound)
	}))
	defer server.Close()

	probe := NewHTTPProbe(server.URL, time.Second)
	assert.Error(t, probe.Check(context.Background()))
}

func TestReplayer_RunStopsOnCancel(t *testing.T) {
	q := newTestQueue(t)
	enqueueOp(t, q, "storage_write", "k1", "write-1")
	handler := &recordingHandler{}
	r := NewReplayer(q, handler, nil, ReplayerConfig{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool { return len(handler.log()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("replayer did not stop")
	}
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
