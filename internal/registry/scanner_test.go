package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/497672776/zenow/pkg/types"
)

func TestScanDirFiltersGGUF(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		"a.gguf",
		"b.GGUF", // case-insensitive
		".c.gguf.part-123",
		"not-model.txt",
		"model.bin",
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f), []byte(""), 0o644); err != nil {
			t.Fatalf("write temp file: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.gguf"), 0o755); err != nil {
		t.Fatal(err)
	}
	models, err := ScanDir(dir, types.ModeEmbedding)
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d: %+v", len(models), models)
	}
	if models[0].Name != "a" || models[1].Name != "b" {
		t.Fatalf("unexpected names: %q %q", models[0].Name, models[1].Name)
	}
	for _, m := range models {
		if m.Mode != types.ModeEmbedding || !m.IsDownloaded || !filepath.IsAbs(m.Path) {
			t.Fatalf("unexpected artifact: %+v", m)
		}
	}
}

func TestScanDirMissing(t *testing.T) {
	models, err := ScanDir(filepath.Join(t.TempDir(), "nope"), types.ModeGeneration)
	if err != nil || len(models) != 0 {
		t.Fatalf("expected empty result, got %v %v", models, err)
	}
}

func TestScanDirExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if err := os.MkdirAll(filepath.Join(home, "models"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(home, "models", "x.gguf"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	models, err := ScanDir("~/models", types.ModeGeneration)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(models) != 1 || models[0].Path != filepath.Join(home, "models", "x.gguf") {
		t.Fatalf("unexpected: %+v", models)
	}
}
