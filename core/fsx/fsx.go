package fsx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
)

type LinkMode string

const (
	LinkModeSymlink LinkMode = "symlink"
	LinkModeCopy    LinkMode = "copy"
)

func WriteFileAtomic(path string, content []byte, mode os.FileMode) error {
	return writeAtomic(path, mode, func(tempFile *os.File) error {
		_, err := tempFile.Write(content)
		return err
	})
}

// WriteReaderAtomic streams reader into path through a sibling temp file and
// returns the number of bytes written.
func WriteReaderAtomic(path string, reader io.Reader, mode os.FileMode) (int64, error) {
	var written int64
	err := writeAtomic(path, mode, func(tempFile *os.File) error {
		count, err := io.Copy(tempFile, reader)
		written = count
		return err
	})
	return written, err
}

// CopyFileAtomic streams source into a temp file beside destination and renames
// it into place, so readers never observe a partial copy.
func CopyFileAtomic(source string, destination string, mode os.FileMode) error {
	// #nosec G304 -- source path is produced by the caller's own download or extraction.
	sourceFile, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("open copy source: %w", err)
	}
	defer func() {
		_ = sourceFile.Close()
	}()
	return writeAtomic(destination, mode, func(tempFile *os.File) error {
		_, err := io.Copy(tempFile, sourceFile)
		return err
	})
}

// LinkOrCopy points destination at source. Symlink mode replaces any existing
// destination and falls back to a copy when the platform refuses the link.
func LinkOrCopy(source string, destination string, mode LinkMode) (LinkMode, error) {
	if err := os.MkdirAll(filepath.Dir(destination), 0o750); err != nil {
		return "", fmt.Errorf("mkdir link parent: %w", err)
	}
	if mode != LinkModeCopy {
		absoluteSource, err := filepath.Abs(source)
		if err != nil {
			return "", fmt.Errorf("resolve link source: %w", err)
		}
		if err := removeIfExists(destination); err != nil {
			return "", err
		}
		if err := os.Symlink(absoluteSource, destination); err == nil {
			return LinkModeSymlink, nil
		}
	}
	if err := CopyFileAtomic(source, destination, 0o644); err != nil {
		return "", err
	}
	return LinkModeCopy, nil
}

// MoveFile renames source onto destination, copying across filesystems when
// rename is not possible.
func MoveFile(source string, destination string, mode os.FileMode) error {
	if err := os.Rename(source, destination); err == nil {
		return os.Chmod(destination, mode)
	}
	if err := CopyFileAtomic(source, destination, mode); err != nil {
		return err
	}
	if err := os.Remove(source); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove moved source: %w", err)
	}
	return nil
}

func removeIfExists(path string) error {
	if _, err := os.Lstat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat existing destination: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove existing destination: %w", err)
	}
	return nil
}

func writeAtomic(path string, mode os.FileMode, fill func(*os.File) error) error {
	parent := filepath.Dir(path)
	base := filepath.Base(path)

	tempFile, err := os.CreateTemp(parent, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempPath)
		}
	}()

	if err := fill(tempFile); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Chmod(mode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		if runtime.GOOS != "windows" {
			return fmt.Errorf("rename temp file: %w", err)
		}
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("remove destination before rename: %w", removeErr)
		}
		if renameErr := os.Rename(tempPath, path); renameErr != nil {
			return fmt.Errorf("rename temp file after remove: %w", renameErr)
		}
	}
	cleanup = false

	// #nosec G304 -- parent directory path is derived from explicit caller-provided destination path.
	if dirHandle, err := os.Open(parent); err == nil {
		_ = dirHandle.Sync()
		_ = dirHandle.Close()
	}
	return nil
}
