package fsx

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	appendLockTimeout    = 30 * time.Second
	appendLockRetry      = 10 * time.Millisecond
	appendLockStaleAfter = 2 * time.Minute
)

// AppendJSONLine marshals value and appends it as one JSONL record.
func AppendJSONLine(path string, value any, mode os.FileMode) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal event line: %w", err)
	}
	return AppendLineLocked(path, encoded, mode)
}

// AppendLineLocked appends exactly one newline-terminated line under a
// cross-process lock file and fsyncs before returning.
func AppendLineLocked(path string, line []byte, mode os.FileMode) error {
	cleanPath, err := validateLocalOrAbsolutePath(path)
	if err != nil {
		return err
	}
	parent := filepath.Dir(cleanPath)
	if parent != "." && parent != "" {
		if err := os.MkdirAll(parent, 0o750); err != nil {
			return fmt.Errorf("create append directory: %w", err)
		}
	}
	payload := make([]byte, 0, len(line)+1)
	payload = append(payload, line...)
	payload = append(payload, '\n')

	return withAppendFileLock(cleanPath, func() error {
		// #nosec G304 -- append path is validated local relative or absolute.
		file, openErr := os.OpenFile(cleanPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, mode)
		if openErr != nil {
			return fmt.Errorf("open append file: %w", openErr)
		}
		defer func() {
			_ = file.Close()
		}()
		if _, writeErr := file.Write(payload); writeErr != nil {
			return fmt.Errorf("append file line: %w", writeErr)
		}
		if syncErr := file.Sync(); syncErr != nil {
			return fmt.Errorf("sync append file: %w", syncErr)
		}
		return nil
	})
}

func withAppendFileLock(path string, fn func() error) error {
	lockPath := path + ".lock"
	start := time.Now()
	for {
		// #nosec G304 -- lock path is derived from a validated append path.
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_ = lockFile.Close()
			defer func() {
				_ = os.Remove(lockPath)
			}()
			return fn()
		}
		if !os.IsExist(err) {
			return fmt.Errorf("acquire append lock: %w", err)
		}
		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > appendLockStaleAfter {
			_ = os.Remove(lockPath)
			continue
		}
		if time.Since(start) >= appendLockTimeout {
			return fmt.Errorf("append lock timeout")
		}
		time.Sleep(appendLockRetry)
	}
}

func validateLocalOrAbsolutePath(path string) (string, error) {
	cleanPath := filepath.Clean(path)
	if filepath.IsLocal(cleanPath) || filepath.IsAbs(cleanPath) {
		return cleanPath, nil
	}
	return "", fmt.Errorf("path must be local relative or absolute")
}
