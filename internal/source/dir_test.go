package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, root, rel string, content []byte) {
	t.Helper()
	full := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestScanCollectsTextFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "readme.md", []byte("# readme"))
	writeFile(t, root, "notes/todo.txt", []byte("buy milk"))
	writeFile(t, root, "image.bin", []byte{0x00, 0x01, 0x02})

	scanner, err := NewScanner(root, DefaultScannerConfig())
	if err != nil {
		t.Fatalf("NewScanner failed: %v", err)
	}
	docs, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	if len(docs) != 2 {
		t.Fatalf("expected 2 documents (binary skipped), got %d", len(docs))
	}
	seen := map[string]string{}
	for _, d := range docs {
		seen[d.RelativePath] = d.Text
	}
	if seen["readme.md"] != "# readme" {
		t.Errorf("readme not collected: %v", seen)
	}
	if seen[filepath.Join("notes", "todo.txt")] != "buy milk" {
		t.Errorf("nested file not collected: %v", seen)
	}
}

func TestScanHonorsGitignore(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, ".gitignore", []byte("secrets/\n*.log\n"))
	writeFile(t, root, "kept.txt", []byte("kept"))
	writeFile(t, root, "secrets/key.txt", []byte("hidden"))
	writeFile(t, root, "debug.log", []byte("noise"))

	scanner, err := NewScanner(root, DefaultScannerConfig())
	if err != nil {
		t.Fatalf("NewScanner failed: %v", err)
	}
	docs, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	for _, d := range docs {
		if d.RelativePath != "kept.txt" && d.RelativePath != ".gitignore" {
			t.Errorf("ignored file collected: %s", d.RelativePath)
		}
	}
}

func TestScanMaxFileSize(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "small.txt", []byte("ok"))
	writeFile(t, root, "big.txt", make([]byte, 0)) // placeholder, rewritten below
	big := make([]byte, 128)
	for i := range big {
		big[i] = 'x'
	}
	writeFile(t, root, "big.txt", big)

	cfg := DefaultScannerConfig()
	cfg.MaxFileSize = 64
	scanner, err := NewScanner(root, cfg)
	if err != nil {
		t.Fatalf("NewScanner failed: %v", err)
	}
	docs, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(docs) != 1 || docs[0].RelativePath != "small.txt" {
		t.Errorf("size cap not applied: %v", docs)
	}
}

func TestSourceIDStable(t *testing.T) {
	a := SourceID("notes/todo.txt")
	b := SourceID("notes/todo.txt")
	if a != b {
		t.Error("source id is not stable")
	}
	if SourceID("notes/todo.txt") == SourceID("notes/other.txt") {
		t.Error("distinct paths collided")
	}
	// Path separators normalize so ids agree across platforms.
	if SourceID(filepath.Join("notes", "todo.txt")) != a {
		t.Error("separator normalization broken")
	}
}
