package zipx

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Signature is the local file header magic that opens every ZIP container.
var Signature = []byte{'P', 'K', 0x03, 0x04}

// MaxEntryBytes bounds a single extracted entry. Model weights run to tens of
// gigabytes, so the cap only guards against corrupt size headers.
const MaxEntryBytes int64 = 128 << 30

type ExtractedFile struct {
	// Path is the extracted file on disk, destDir joined with Name.
	Path string
	// Name is the slash-separated entry path inside the archive.
	Name     string
	BaseName string
}

func HasSignature(header []byte) bool {
	return len(header) >= len(Signature) && bytes.Equal(header[:len(Signature)], Signature)
}

// IsZipFile reports whether the first four bytes of path match Signature.
// Files shorter than the signature are not archives.
func IsZipFile(filePath string) (bool, error) {
	// #nosec G304 -- caller-owned download path.
	file, err := os.Open(filePath)
	if err != nil {
		return false, fmt.Errorf("open archive candidate: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()
	header := make([]byte, len(Signature))
	read, err := io.ReadFull(file, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return false, fmt.Errorf("read archive header: %w", err)
	}
	return HasSignature(header[:read]), nil
}

// ExtractMatching unpacks every regular entry whose name ends in suffix
// (case-insensitive) into destDir, keeping the entry's folders. Returned files
// are sorted by path. Entries escaping destDir are rejected.
func ExtractMatching(archivePath string, destDir string, suffix string) ([]ExtractedFile, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()

	lowerSuffix := strings.ToLower(suffix)
	seen := map[string]struct{}{}
	extracted := make([]ExtractedFile, 0, len(reader.File))
	for _, entry := range reader.File {
		if entry.FileInfo().IsDir() || !entry.Mode().IsRegular() {
			continue
		}
		name := path.Clean(strings.ReplaceAll(entry.Name, `\`, "/"))
		if !filepath.IsLocal(filepath.FromSlash(name)) {
			return nil, fmt.Errorf("zip entry escapes destination: %s", entry.Name)
		}
		baseName := path.Base(name)
		if !strings.HasSuffix(strings.ToLower(baseName), lowerSuffix) {
			continue
		}
		if entry.UncompressedSize64 > uint64(MaxEntryBytes) {
			return nil, fmt.Errorf("zip entry too large: %s", entry.Name)
		}
		targetPath := filepath.Join(destDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o700); err != nil {
			return nil, fmt.Errorf("create entry dir: %w", err)
		}
		if err := extractEntry(entry, targetPath); err != nil {
			return nil, err
		}
		if _, ok := seen[targetPath]; !ok {
			seen[targetPath] = struct{}{}
			extracted = append(extracted, ExtractedFile{Path: targetPath, Name: name, BaseName: baseName})
		}
	}
	sort.Slice(extracted, func(i, j int) bool {
		return extracted[i].Path < extracted[j].Path
	})
	return extracted, nil
}

func extractEntry(entry *zip.File, targetPath string) error {
	source, err := entry.Open()
	if err != nil {
		return fmt.Errorf("open zip entry %s: %w", entry.Name, err)
	}
	defer func() {
		_ = source.Close()
	}()
	// #nosec G304 -- target path is destDir joined with a validated local entry name.
	target, err := os.OpenFile(targetPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create extracted file: %w", err)
	}
	written, copyErr := io.Copy(target, io.LimitReader(source, MaxEntryBytes+1))
	closeErr := target.Close()
	if copyErr != nil {
		return fmt.Errorf("extract %s: %w", entry.Name, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close extracted file: %w", closeErr)
	}
	if written > MaxEntryBytes {
		return fmt.Errorf("zip entry too large: %s", entry.Name)
	}
	return nil
}
