package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/497672776/zenow/internal/common/fsutil"
	"github.com/497672776/zenow/pkg/types"
)

// ScanDir lists the *.gguf files directly under dir as downloaded artifacts of
// mode, named after the file without its extension. A missing directory
// yields no artifacts.
func ScanDir(dir string, mode types.Mode) ([]types.ModelArtifact, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var out []types.ModelArtifact
	for _, e := range entries {
		name := e.Name()
		// hidden entries include in-progress download temp files
		if e.IsDir() || strings.HasPrefix(name, ".") || !fsutil.IsGGUF(name) {
			continue
		}
		out = append(out, types.ModelArtifact{
			Name:         fsutil.ModelName(name),
			Path:         filepath.Join(abs, name),
			Mode:         mode,
			IsDownloaded: true,
		})
	}
	return out, nil
}
