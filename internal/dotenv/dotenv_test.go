package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFile_MissingFileIsNoop(t *testing.T) {
	t.Parallel()
	if err := LoadFile(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadFile missing file error: %v", err)
	}
}

func TestLoadFile_LoadsValuesAndPreservesExisting(t *testing.T) {
	tempDir := t.TempDir()
	envPath := filepath.Join(tempDir, ".env")
	content := "" +
		"# comment\n" +
		"FROM_FILE=loaded\n" +
		"QUOTED=\"hello world\"\n" +
		"export EXPORTED=ok\n" +
		"EXISTING=from_file\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("EXISTING", "already_set")

	if err := LoadFile(envPath); err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}

	if got := os.Getenv("FROM_FILE"); got != "loaded" {
		t.Fatalf("FROM_FILE=%q, want %q", got, "loaded")
	}
	if got := os.Getenv("QUOTED"); got != "hello world" {
		t.Fatalf("QUOTED=%q, want %q", got, "hello world")
	}
	if got := os.Getenv("EXPORTED"); got != "ok" {
		t.Fatalf("EXPORTED=%q, want %q", got, "ok")
	}
	if got := os.Getenv("EXISTING"); got != "already_set" {
		t.Fatalf("EXISTING=%q, want existing value preserved", got)
	}
}

func TestLoadFiles_FirstFileWins(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, ".env.local")
	second := filepath.Join(dir, ".env")
	if err := os.WriteFile(first, []byte("DOTENV_ORDER=local\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(second, []byte("DOTENV_ORDER=base\nDOTENV_ONLY_BASE=yes\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("DOTENV_ORDER", "")
	os.Unsetenv("DOTENV_ORDER")
	t.Setenv("DOTENV_ONLY_BASE", "")
	os.Unsetenv("DOTENV_ONLY_BASE")

	if err := LoadFiles(first, filepath.Join(dir, "missing"), second); err != nil {
		t.Fatalf("LoadFiles: %v", err)
	}
	if got := os.Getenv("DOTENV_ORDER"); got != "local" {
		t.Fatalf("DOTENV_ORDER=%q, want %q", got, "local")
	}
	if got := os.Getenv("DOTENV_ONLY_BASE"); got != "yes" {
		t.Fatalf("DOTENV_ONLY_BASE=%q, want %q", got, "yes")
	}
}
