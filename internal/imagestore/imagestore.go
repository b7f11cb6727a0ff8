// Package imagestore keeps generated PNG concept images on local disk.
package imagestore

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/echo-briefing/internal/domain"
	"github.com/google/uuid"
)

// URLPrefix is the root-relative prefix images are served under.
const URLPrefix = "/generated_images/"

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// EncodingError reports image bytes that could not be read or written.
type EncodingError struct {
	Op   string
	Name string
	Err  error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("image %s %s: %v", e.Op, e.Name, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// Store writes images into a single flat directory.
type Store struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// New creates the directory if needed and returns a store rooted at it.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create images directory: %w", err)
	}
	return &Store{dir: dir, logger: logger, now: time.Now}, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string {
	return s.dir
}

// URL maps a stored file name to its root-relative URL.
func URL(name string) string {
	return URLPrefix + name
}

// Save writes data under name and returns the stored record.
//
// The bytes go to a temp file that is linked into place, so a reader never
// sees a partial image and an existing file is never overwritten. When name
// is taken a short random suffix is added.
func (s *Store) Save(name string, data []byte) (domain.GeneratedImageRecord, error) {
	name, err := cleanName(name)
	if err != nil {
		return domain.GeneratedImageRecord{}, &EncodingError{Op: "write", Name: name, Err: err}
	}
	if len(data) < len(pngSignature) || string(data[:len(pngSignature)]) != string(pngSignature) {
		return domain.GeneratedImageRecord{}, &EncodingError{Op: "write", Name: name, Err: errors.New("not a PNG image")}
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*.tmp")
	if err != nil {
		return domain.GeneratedImageRecord{}, &EncodingError{Op: "write", Name: name, Err: err}
	}
	tmpPath := tmp.Name()
	defer func() {
		if rmErr := os.Remove(tmpPath); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warn("failed to remove temp image", "path", tmpPath, "error", rmErr)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return domain.GeneratedImageRecord{}, &EncodingError{Op: "write", Name: name, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return domain.GeneratedImageRecord{}, &EncodingError{Op: "write", Name: name, Err: err}
	}

	final := name
	for attempt := 0; ; attempt++ {
		err = os.Link(tmpPath, filepath.Join(s.dir, final))
		if err == nil {
			break
		}
		if !os.IsExist(err) || attempt >= 3 {
			return domain.GeneratedImageRecord{}, &EncodingError{Op: "write", Name: final, Err: err}
		}
		final = strings.TrimSuffix(name, ".png") + "-" + uuid.NewString()[:8] + ".png"
	}

	return domain.GeneratedImageRecord{
		Path:      final,
		URL:       URL(final),
		CreatedAt: s.now().UTC(),
	}, nil
}

// Load reads an image by file name, storage path or root-relative URL.
func (s *Store) Load(ref string) ([]byte, error) {
	name, err := cleanName(ref)
	if err != nil {
		return nil, &EncodingError{Op: "read", Name: ref, Err: err}
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, &EncodingError{Op: "read", Name: name, Err: err}
	}
	return data, nil
}

// Remove deletes an image. Removing a missing image is not an error.
func (s *Store) Remove(ref string) error {
	name, err := cleanName(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove image: %w", err)
	}
	return nil
}

// Handler serves stored images. Mount it under URLPrefix.
func (s *Store) Handler() http.Handler {
	return http.StripPrefix(URLPrefix, http.FileServer(http.Dir(s.dir)))
}

// cleanName reduces ref to a bare .png file name inside the store.
func cleanName(ref string) (string, error) {
	ref = strings.TrimSpace(strings.ReplaceAll(ref, "\\", "/"))
	ref = strings.TrimPrefix(ref, URLPrefix)
	name := path.Base(ref)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "", fmt.Errorf("invalid image name %q", ref)
	}
	if strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("hidden image name %q", ref)
	}
	if !strings.EqualFold(path.Ext(name), ".png") {
		return "", fmt.Errorf("image name %q must end in .png", ref)
	}
	return name, nil
}
