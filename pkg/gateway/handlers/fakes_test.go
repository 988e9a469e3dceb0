package handlers

import (
	"context"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/vango-go/voicebridge/pkg/core/agent"
	"github.com/vango-go/voicebridge/pkg/core/sessiondir"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedAgent replays a fixed event list and records every query.
type scriptedAgent struct {
	mu      sync.Mutex
	events  []agent.Event
	queries []agent.Query
}

func (a *scriptedAgent) RunTurn(_ context.Context, q agent.Query) iter.Seq[agent.Event] {
	a.mu.Lock()
	a.queries = append(a.queries, q)
	events := append([]agent.Event(nil), a.events...)
	a.mu.Unlock()
	return func(yield func(agent.Event) bool) {
		for _, ev := range events {
			if !yield(ev) {
				return
			}
		}
	}
}

func (a *scriptedAgent) lastQuery() agent.Query {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queries) == 0 {
		return agent.Query{}
	}
	return a.queries[len(a.queries)-1]
}

type fakeDirectory struct {
	records  []sessiondir.Record
	listErr  error
	selected []string
	workdirs map[string]string
}

func (d *fakeDirectory) List(context.Context) ([]sessiondir.Record, error) {
	return d.records, d.listErr
}

func (d *fakeDirectory) Lookup(_ context.Context, id string) (sessiondir.Record, error) {
	if !sessiondir.ValidID(id) {
		return sessiondir.Record{}, sessiondir.ErrInvalidID
	}
	for _, r := range d.records {
		if r.ID == id {
			return r, nil
		}
	}
	return sessiondir.Record{}, sessiondir.ErrNotFound
}

func (d *fakeDirectory) Select(_ context.Context, key, id, cwd string) (sessiondir.Selection, error) {
	if !sessiondir.ValidID(id) {
		return sessiondir.Selection{}, sessiondir.ErrInvalidID
	}
	for _, r := range d.records {
		if r.ID != id {
			continue
		}
		if cwd == "" {
			cwd = r.WorkingDirectory
		}
		d.selected = append(d.selected, key+"="+id)
		return sessiondir.Selection{SessionID: id, WorkingDirectory: cwd, Resumable: !r.IsActive}, nil
	}
	return sessiondir.Selection{}, sessiondir.ErrNotFound
}

func (d *fakeDirectory) WorkingDirectory(id string) (string, bool) {
	wd, ok := d.workdirs[id]
	return wd, ok
}
