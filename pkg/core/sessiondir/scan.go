package sessiondir

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/go-multierror"
)

const (
	DefaultMaxDepth     = 5
	DefaultTailBytes    = 8 * 1024
	DefaultHeadBytes    = 2 * 1024
	DefaultPreviewRunes = 120
)

// Scanner walks a session log tree. The zero value uses the defaults above.
type Scanner struct {
	Root         string
	MaxDepth     int
	TailBytes    int64
	HeadBytes    int64
	PreviewRunes int
}

// DefaultRoot returns the agent's projects directory, honoring CLAUDE_CONFIG_DIR.
func DefaultRoot() string {
	if dir := strings.TrimSpace(os.Getenv("CLAUDE_CONFIG_DIR")); dir != "" {
		return filepath.Join(dir, "projects")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".claude", "projects")
	}
	return filepath.Join(home, ".claude", "projects")
}

// Scan walks the root and returns every session log, newest first. IsActive
// is set for logs modified within activeWindow of now. Files that could not
// be read are reported in the returned warnings and skipped; a missing root
// yields no records and no warnings.
func (s Scanner) Scan(ctx context.Context, now time.Time, activeWindow time.Duration) ([]Record, error) {
	root := s.Root
	if root == "" {
		root = DefaultRoot()
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	maxDepth := s.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	var (
		records  []Record
		warnings *multierror.Error
	)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if path == root && os.IsNotExist(walkErr) {
				return fs.SkipAll
			}
			warnings = multierror.Append(warnings, fmt.Errorf("walk %s: %w", path, walkErr))
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if d.IsDir() {
			if depth(root, path) > maxDepth {
				return fs.SkipDir
			}
			return nil
		}
		name := d.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			return nil
		}
		id := strings.TrimSuffix(name, ".jsonl")
		if !ValidID(id) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			warnings = multierror.Append(warnings, fmt.Errorf("stat %s: %w", path, err))
			return nil
		}
		meta, err := s.readMeta(path, info.Size())
		if err != nil {
			warnings = multierror.Append(warnings, fmt.Errorf("read %s: %w", path, err))
			return nil
		}

		project, _ := filepath.Rel(root, filepath.Dir(path))
		mtime := info.ModTime()
		records = append(records, Record{
			ID:                 id,
			ProjectPath:        filepath.ToSlash(project),
			WorkingDirectory:   meta.cwd,
			LastMessagePreview: meta.preview,
			LastModified:       mtime,
			IsActive:           activeWindow > 0 && now.Sub(mtime) < activeWindow,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].LastModified.Equal(records[j].LastModified) {
			return records[i].ID < records[j].ID
		}
		return records[i].LastModified.After(records[j].LastModified)
	})
	return records, warnings.ErrorOrNil()
}

func depth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(filepath.ToSlash(rel), "/") + 1
}

type logMeta struct {
	cwd     string
	preview string
}

type logLine struct {
	Type    string `json:"type"`
	Cwd     string `json:"cwd"`
	Message *struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

func (s Scanner) readMeta(path string, size int64) (logMeta, error) {
	tailBytes := s.TailBytes
	if tailBytes <= 0 {
		tailBytes = DefaultTailBytes
	}
	headBytes := s.HeadBytes
	if headBytes <= 0 {
		headBytes = DefaultHeadBytes
	}
	previewRunes := s.PreviewRunes
	if previewRunes <= 0 {
		previewRunes = DefaultPreviewRunes
	}

	f, err := os.Open(path)
	if err != nil {
		return logMeta{}, err
	}
	defer f.Close()

	offset := max(size-tailBytes, 0)
	tail, err := readWindow(f, offset, tailBytes)
	if err != nil {
		return logMeta{}, err
	}
	if offset > 0 {
		// The window starts mid-line; drop the fragment.
		if i := bytes.IndexByte(tail, '\n'); i >= 0 {
			tail = tail[i+1:]
		} else {
			tail = nil
		}
	}

	var meta logMeta
	eachLine(tail, func(l logLine) {
		if l.Cwd != "" {
			meta.cwd = l.Cwd
		}
		if text := humanText(l); text != "" {
			meta.preview = truncate(text, previewRunes)
		}
	})

	if meta.cwd == "" && offset > 0 {
		head, err := readWindow(f, 0, headBytes)
		if err != nil {
			return logMeta{}, err
		}
		eachLine(head, func(l logLine) {
			if meta.cwd == "" && l.Cwd != "" {
				meta.cwd = l.Cwd
			}
		})
	}
	return meta, nil
}

func readWindow(r io.ReaderAt, offset, n int64) ([]byte, error) {
	buf := make([]byte, n)
	read, err := r.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:read], nil
}

func eachLine(data []byte, fn func(logLine)) {
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var l logLine
		if err := json.Unmarshal(line, &l); err != nil {
			continue
		}
		fn(l)
	}
}

// humanText returns the text a human typed, ignoring tool results that are
// also recorded as user messages.
func humanText(l logLine) string {
	if l.Type != "user" || l.Message == nil || len(l.Message.Content) == 0 {
		return ""
	}
	if l.Message.Role != "" && l.Message.Role != "user" {
		return ""
	}

	var s string
	if err := json.Unmarshal(l.Message.Content, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(l.Message.Content, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, strings.TrimSpace(b.Text))
		}
	}
	return strings.Join(parts, " ")
}

func truncate(s string, maxRunes int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxRunes]) + "..."
}
