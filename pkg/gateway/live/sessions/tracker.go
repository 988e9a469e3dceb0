// Package sessions tracks open voice connections so shutdown can notify,
// wait for and finally cancel them.
package sessions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Handle is what the tracker needs from a live connection.
type Handle struct {
	ConversationKey string
	Cancel          func()
	Notify          func(message string) error
}

// Info describes one tracked connection.
type Info struct {
	ID              string
	ConversationKey string
	OpenedAt        time.Time
}

type Tracker struct {
	mu    sync.Mutex
	conns map[string]*entry
	wg    sync.WaitGroup
	now   func() time.Time
}

type entry struct {
	handle   Handle
	openedAt time.Time
	once     sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		conns: make(map[string]*entry),
		now:   time.Now,
	}
}

// Register adds a connection. Registering an id twice replaces the earlier
// entry. The returned func is idempotent.
func (t *Tracker) Register(id string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	e := &entry{handle: h}

	t.mu.Lock()
	if t.conns == nil {
		t.conns = make(map[string]*entry)
	}
	if t.now == nil {
		t.now = time.Now
	}
	e.openedAt = t.now()
	old := t.conns[id]
	t.conns[id] = e
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(id, old)
	}
	return func() { t.unregister(id, e) }
}

func (t *Tracker) unregister(id string, e *entry) {
	e.once.Do(func() {
		t.mu.Lock()
		if t.conns[id] == e {
			delete(t.conns, id)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// List returns the tracked connections, oldest first.
func (t *Tracker) List() []Info {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	out := make([]Info, 0, len(t.conns))
	for id, e := range t.conns {
		out = append(out, Info{ID: id, ConversationKey: e.handle.ConversationKey, OpenedAt: e.openedAt})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// NotifyAll sends message to every connection and returns how many accepted
// it.
func (t *Tracker) NotifyAll(message string) (delivered int) {
	if t == nil {
		return 0
	}
	var notify []func(string) error
	t.mu.Lock()
	for _, e := range t.conns {
		if e.handle.Notify != nil {
			notify = append(notify, e.handle.Notify)
		}
	}
	t.mu.Unlock()

	for _, fn := range notify {
		if fn(message) == nil {
			delivered++
		}
	}
	return delivered
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}
	var cancels []func()
	t.mu.Lock()
	for _, e := range t.conns {
		if e.handle.Cancel != nil {
			cancels = append(cancels, e.handle.Cancel)
		}
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered connection has unregistered or ctx is
// done. It reports whether all connections finished.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
