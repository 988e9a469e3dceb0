package sessiondir

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/voicebridge/pkg/core/conversation"
)

const (
	DefaultTTL          = 10 * time.Second
	DefaultActiveWindow = 2 * time.Minute
	DefaultLimit        = 20
)

// Config configures a Directory.
type Config struct {
	Scanner      Scanner
	TTL          time.Duration
	ActiveWindow time.Duration
	Limit        int
}

// Directory lists session logs from a cached scan and records which one the
// bridge should resume.
type Directory struct {
	cfg    Config
	store  conversation.Store
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	records   []Record
	scannedAt time.Time
	workdirs  map[string]string
}

// New creates a Directory. Selections are written to store.
func New(cfg Config, store conversation.Store, logger *slog.Logger) *Directory {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.ActiveWindow <= 0 {
		cfg.ActiveWindow = DefaultActiveWindow
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		now:      time.Now,
		workdirs: make(map[string]string),
	}
}

// SetClock replaces the clock used for cache expiry and activity tagging.
func (d *Directory) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// snapshot returns the cached scan, rescanning once the TTL has passed.
// The returned slice must not be modified.
func (d *Directory) snapshot(ctx context.Context) ([]Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if !d.scannedAt.IsZero() && now.Sub(d.scannedAt) < d.cfg.TTL {
		return d.records, nil
	}

	records, warnings := d.cfg.Scanner.Scan(ctx, now, d.cfg.ActiveWindow)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if warnings != nil {
		d.logger.Warn("session scan warnings", "error", warnings)
	}
	d.records = records
	d.scannedAt = now
	return d.records, nil
}

// List returns discovered sessions, newest first, capped at the configured
// limit. Calls within the TTL return the same snapshot.
func (d *Directory) List(ctx context.Context) ([]Record, error) {
	records, err := d.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	n := min(len(records), d.cfg.Limit)
	out := make([]Record, n)
	copy(out, records[:n])
	return out, nil
}

// Newest returns the most recently modified session.
func (d *Directory) Newest(ctx context.Context) (Record, error) {
	records, err := d.snapshot(ctx)
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, ErrNotFound
	}
	return records[0], nil
}

// Lookup returns the scanned record for id.
func (d *Directory) Lookup(ctx context.Context, id string) (Record, error) {
	if !ValidID(id) {
		return Record{}, ErrInvalidID
	}
	records, err := d.snapshot(ctx)
	if err != nil {
		return Record{}, err
	}
	for _, r := range records {
		if r.ID == id {
			return r, nil
		}
	}
	return Record{}, ErrNotFound
}

// Select makes id the session resumed for conversation key. cwd becomes the
// working directory for that session; when empty, the one found in the log
// is used. Active sessions are owned by another process, so no resume token
// is stored for them.
func (d *Directory) Select(ctx context.Context, key, id, cwd string) (Selection, error) {
	rec, err := d.Lookup(ctx, id)
	if err != nil {
		return Selection{}, err
	}

	if cwd == "" {
		cwd = rec.WorkingDirectory
	}
	sel := Selection{SessionID: id, WorkingDirectory: cwd, Resumable: !rec.IsActive}

	d.mu.Lock()
	d.workdirs[id] = cwd
	d.mu.Unlock()

	if d.store != nil {
		sess := conversation.Session{Key: key, WorkingDirectory: cwd}
		if sel.Resumable {
			sess.ResumeToken = id
		}
		d.store.Set(sess)
	}

	d.logger.Info("session selected",
		"session_id", id,
		"cwd", cwd,
		"resumable", sel.Resumable,
	)
	return sel, nil
}

// WorkingDirectory returns the directory recorded for id by Select.
func (d *Directory) WorkingDirectory(id string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	wd, ok := d.workdirs[id]
	return wd, ok
}
