// Package layout names the model directories the downstream workflow
// application scans for weights.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DirDiffusionModels = "diffusion_models"
	DirVAE             = "vae"
	DirTextEncoders    = "text_encoders"
	DirLoras           = "loras"
	DirUnet            = "unet"
)

// Dirs lists every layout directory in creation order.
var Dirs = []string{DirDiffusionModels, DirVAE, DirTextEncoders, DirLoras, DirUnet}

type Layout struct {
	Root string
}

func New(root string) Layout {
	return Layout{Root: filepath.Clean(strings.TrimSpace(root))}
}

func Known(kind string) bool {
	for _, dir := range Dirs {
		if dir == kind {
			return true
		}
	}
	return false
}

func (l Layout) Dir(kind string) (string, error) {
	trimmed := strings.TrimSpace(kind)
	if !Known(trimmed) {
		return "", fmt.Errorf("unknown layout directory %q", kind)
	}
	return filepath.Join(l.Root, trimmed), nil
}

// Ensure creates every layout directory; existing directories are left as is.
func (l Layout) Ensure() error {
	if strings.TrimSpace(l.Root) == "" || l.Root == "." {
		return fmt.Errorf("layout root is required")
	}
	for _, dir := range Dirs {
		if err := os.MkdirAll(filepath.Join(l.Root, dir), 0o755); err != nil {
			return fmt.Errorf("create %s directory: %w", dir, err)
		}
	}
	return nil
}
