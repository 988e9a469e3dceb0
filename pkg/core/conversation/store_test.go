package conversation

import (
	"fmt"
	"sync"
	"testing"
)

func TestMemoryStore_EmptyKeyUsesDefault(t *testing.T) {
	s := NewMemoryStore()
	s.Set(Session{ResumeToken: "tok"})

	got, ok := s.Get(DefaultKey)
	if !ok {
		t.Fatalf("expected default session")
	}
	if got.Key != DefaultKey || got.ResumeToken != "tok" {
		t.Fatalf("got %+v", got)
	}
}

func TestRecordResumeToken_KeepsWorkingDirectory(t *testing.T) {
	s := NewMemoryStore()
	s.Set(Session{Key: "alice", WorkingDirectory: "/src/app"})

	RecordResumeToken(s, "alice", "sess-1")
	RecordResumeToken(s, "alice", "sess-2")

	got, _ := s.Get("alice")
	if got.ResumeToken != "sess-2" {
		t.Fatalf("ResumeToken=%q, want sess-2", got.ResumeToken)
	}
	if got.WorkingDirectory != "/src/app" {
		t.Fatalf("WorkingDirectory=%q", got.WorkingDirectory)
	}
}

func TestRecordResumeToken_IgnoresEmptyToken(t *testing.T) {
	s := NewMemoryStore()
	RecordResumeToken(s, "bob", "")
	if s.Len() != 0 {
		t.Fatalf("Len=%d, want 0", s.Len())
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryStore()
	s.Set(Session{Key: "k", ResumeToken: "t"})
	s.Delete("k")
	if _, ok := s.Get("k"); ok {
		t.Fatalf("expected key to be deleted")
	}
}

func TestMemoryStore_ConcurrentWriters(t *testing.T) {
	s := NewMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			RecordResumeToken(s, fmt.Sprintf("k%d", i%4), fmt.Sprintf("t%d", i))
		}(i)
	}
	wg.Wait()

	if got := s.Keys(); len(got) != 4 {
		t.Fatalf("Keys=%v, want 4 keys", got)
	}
}
