package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestFS(t *testing.T) *FS {
	t.Helper()
	fs, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fs
}

func TestResolveEscape(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t)

	tests := []struct {
		name string
		rel  string
		ok   bool
	}{
		{"plain file", "a.txt", true},
		{"nested file", "dir/sub/a.txt", true},
		{"dot", ".", true},
		{"traversal neutralized inside root", "dir/../a.txt", true},
		{"parent escape", "../a.txt", false},
		{"deep escape", "dir/../../../etc/passwd", false},
		{"empty path", "", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			abs, err := fs.Resolve(tt.rel)
			if tt.ok && err != nil {
				t.Fatalf("Resolve(%q) error: %v", tt.rel, err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatalf("Resolve(%q) = %q, want escape error", tt.rel, abs)
				}
				return
			}
			if abs != fs.Root() && !strings.HasPrefix(abs, fs.Root()+string(filepath.Separator)) {
				t.Errorf("Resolve(%q) = %q, outside root %q", tt.rel, abs, fs.Root())
			}
		})
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t)

	if err := fs.Write("notes/todo.md", []byte("- buy milk\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := fs.Read("notes/todo.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "- buy milk\n" {
		t.Errorf("Read = %q", data)
	}
}

func TestReadMissingFile(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t)

	if _, err := fs.Read("nope.txt"); err == nil {
		t.Fatal("Read of missing file succeeded")
	}
}

func TestList(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t)

	if err := fs.Write("b.txt", []byte("b")); err != nil {
		t.Fatal(err)
	}
	if err := fs.Write("a.txt", []byte("aa")); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(fs.Root(), "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	entries, err := fs.List(".")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("List returned %d entries, want 3", len(entries))
	}
	if entries[0].Name != "a.txt" || entries[1].Name != "b.txt" || entries[2].Name != "sub" {
		t.Errorf("entries not sorted by name: %+v", entries)
	}
	if entries[0].Size != 2 {
		t.Errorf("a.txt size = %d, want 2", entries[0].Size)
	}
	if !entries[2].IsDir {
		t.Error("sub not reported as directory")
	}
}

func TestSha256(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t)

	if err := fs.Write("a.txt", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	got, err := fs.Sha256("a.txt")
	if err != nil {
		t.Fatalf("Sha256: %v", err)
	}
	// sha256("hello")
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got != want {
		t.Errorf("Sha256 = %q, want %q", got, want)
	}
	if HashBytes([]byte("hello")) != want {
		t.Error("HashBytes disagrees with Sha256")
	}
}

func TestNewRejectsMissingDir(t *testing.T) {
	t.Parallel()

	if _, err := New(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("New accepted a missing directory")
	}
}
