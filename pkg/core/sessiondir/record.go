// Package sessiondir discovers resumable agent conversations from the
// agent's on-disk session logs.
package sessiondir

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a session id is unknown to the latest scan.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidID is returned for ids that are not lowercase UUIDs. It also
	// matches ErrNotFound.
	ErrInvalidID = fmt.Errorf("%w: malformed session id", ErrNotFound)
)

var idRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// ValidID reports whether id is a canonical lowercase UUID.
func ValidID(id string) bool {
	if !idRe.MatchString(id) {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// Record is one discovered session log.
type Record struct {
	ID                 string    `json:"id"`
	ProjectPath        string    `json:"projectPath"`
	WorkingDirectory   string    `json:"cwd"`
	LastMessagePreview string    `json:"preview"`
	LastModified       time.Time `json:"lastModified"`
	IsActive           bool      `json:"isActive"`
}

// Selection is the outcome of selecting a session for resumption.
type Selection struct {
	SessionID        string
	WorkingDirectory string
	// Resumable is false when the session is owned by a live process.
	Resumable bool
}
