package testutil

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/onnwee/xiuxian-bot/chat"
	"github.com/onnwee/xiuxian-bot/dispatch"
)

// ErrMockSend is returned by MockTransport.Send when FailSends is set.
var ErrMockSend = errors.New("mock transport: send failed")

// MockTransport is an in-memory chat.Transport. Events pushed with Emit are delivered to the
// handler in order on the Start goroutine.
type MockTransport struct {
	events chan dispatch.Event
	ready  chan struct{}
	once   sync.Once

	mu        sync.Mutex
	sent      []dispatch.Outgoing
	nextID    int
	FailSends bool
	NoIDs     bool
}

var _ chat.Transport = (*MockTransport)(nil)

// NewMockTransport creates a transport with a buffered event queue.
func NewMockTransport() *MockTransport {
	return &MockTransport{events: make(chan dispatch.Event, 64), ready: make(chan struct{})}
}

// Start delivers emitted events until ctx is done.
func (m *MockTransport) Start(ctx context.Context, handle chat.Handler) error {
	m.once.Do(func() { close(m.ready) })
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-m.events:
			handle(ctx, ev)
		}
	}
}

// Ready is closed once Start is running.
func (m *MockTransport) Ready() <-chan struct{} { return m.ready }

// Emit queues an inbound event.
func (m *MockTransport) Emit(ev dispatch.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	m.events <- ev
}

// Send records msg and returns a sequential id ("1", "2", ...).
func (m *MockTransport) Send(_ context.Context, msg dispatch.Outgoing) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSends {
		return "", ErrMockSend
	}
	m.sent = append(m.sent, msg)
	if m.NoIDs {
		return "", nil
	}
	m.nextID++
	return strconv.Itoa(m.nextID), nil
}

// Sent returns a copy of everything sent so far.
func (m *MockTransport) Sent() []dispatch.Outgoing {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]dispatch.Outgoing, len(m.sent))
	copy(out, m.sent)
	return out
}

// WaitForSent polls until at least n messages were sent or timeout elapses.
func (m *MockTransport) WaitForSent(n int, timeout time.Duration) []dispatch.Outgoing {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if sent := m.Sent(); len(sent) >= n {
			return sent
		}
		time.Sleep(5 * time.Millisecond)
	}
	return m.Sent()
}
