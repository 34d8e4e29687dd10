package msgcat

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultCatalogCoversErrorCodes(t *testing.T) {
	c := MustDefault()
	if got := c.Error("NOT_YOUR_TURN", nil); got != "It is not your turn." {
		t.Fatalf("NOT_YOUR_TURN = %q", got)
	}
	if got := c.Error("ALREADY_PENDING", map[string]string{"Target": "bob"}); !strings.HasPrefix(got, "bob ") {
		t.Fatalf("ALREADY_PENDING = %q", got)
	}
	if got := c.Error("NO_SUCH_CODE", nil); got != "Something went wrong. Please try again." {
		t.Fatalf("unknown code = %q", got)
	}
	if got := c.Error("ALREADY_PENDING", nil); got != "Something went wrong. Please try again." {
		t.Fatalf("missing data should fall back, got %q", got)
	}
}

func TestOverrideDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("errors:\n  GAME_NOT_FOUND: \"No such game.\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := c.Error("GAME_NOT_FOUND", nil); got != "No such game." {
		t.Fatalf("override = %q", got)
	}
	if got := c.Error("ILLEGAL_MOVE", nil); got == "" || got == "No such game." {
		t.Fatalf("defaults lost: %q", got)
	}
}

func TestOverrideDir_DuplicateKeys(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"a.yaml", "b.yml"} {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("errors:\n  BAD_REQUEST: x\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := New(dir); err == nil || !strings.Contains(err.Error(), "duplicate override key") {
		t.Fatalf("err = %v", err)
	}
}
