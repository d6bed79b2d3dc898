package blob

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store is the image blob store. Writes are full-object puts; there
// are no partial-file readers.
type Store interface {
	Put(relPath string, data []byte) error
	Get(relPath string) ([]byte, error)
	Stat(relPath string) (bool, error)
	Delete(relPath string) error
	Abs(relPath string) string
}

// ScreenshotPath builds the canonical blob path of a capture:
// <YYYY-MM-DD>/<ip_underscored>_<start>_<end>_<channel>.jpg
func ScreenshotPath(date, ip string, startTS, endTS int64, channel string) string {
	name := fmt.Sprintf("%s_%d_%d_%s.jpg", strings.ReplaceAll(ip, ".", "_"), startTS, endTS, channel)
	return date + "/" + name
}

// DetectedPath derives the annotated-variant path: _detected goes
// before the extension.
func DetectedPath(screenshotPath string) string {
	ext := filepath.Ext(screenshotPath)
	return strings.TrimSuffix(screenshotPath, ext) + "_detected" + ext
}

// FSStore keeps blobs on the local filesystem under a fixed root.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) Abs(relPath string) string {
	return filepath.Join(s.root, filepath.FromSlash(relPath))
}

// safe rejects paths that would escape the root.
func (s *FSStore) safe(relPath string) (string, error) {
	abs := s.Abs(relPath)
	if !strings.HasPrefix(abs, filepath.Clean(s.root)+string(os.PathSeparator)) {
		return "", fmt.Errorf("blob path %q escapes root", relPath)
	}
	return abs, nil
}

func (s *FSStore) Put(relPath string, data []byte) error {
	abs, err := s.safe(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return os.WriteFile(abs, data, 0o644)
}

func (s *FSStore) Get(relPath string) ([]byte, error) {
	abs, err := s.safe(relPath)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

func (s *FSStore) Stat(relPath string) (bool, error) {
	abs, err := s.safe(relPath)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(abs)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *FSStore) Delete(relPath string) error {
	abs, err := s.safe(relPath)
	if err != nil {
		return err
	}
	err = os.Remove(abs)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
