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
	envPath := filepath.Join(t.TempDir(), ".env")
	content := "" +
		"# local overrides\n" +
		"VOX_STORE_URL=redis://localhost:6379/0\n" +
		"VOX_TOKEN_SECRET=\"s3cret value\"\n" +
		"export VOX_LOG_FORMAT=text\n" +
		"VOX_ADDR=:9090\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("VOX_ADDR", ":8080")

	if err := LoadFile(envPath); err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}

	if got := os.Getenv("VOX_STORE_URL"); got != "redis://localhost:6379/0" {
		t.Fatalf("VOX_STORE_URL=%q, want the file value", got)
	}
	if got := os.Getenv("VOX_TOKEN_SECRET"); got != "s3cret value" {
		t.Fatalf("VOX_TOKEN_SECRET=%q, want quotes stripped", got)
	}
	if got := os.Getenv("VOX_LOG_FORMAT"); got != "text" {
		t.Fatalf("VOX_LOG_FORMAT=%q, want %q", got, "text")
	}
	if got := os.Getenv("VOX_ADDR"); got != ":8080" {
		t.Fatalf("VOX_ADDR=%q, want existing value preserved", got)
	}
}
