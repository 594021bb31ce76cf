// Package upload stores candidate files on local disk.
package upload

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pavelanni/examlink/internal/model"
)

// MaxFormBytes bounds a whole upload request.
const MaxFormBytes = 20 << 20

// URLPrefix is the public path stored files are served under.
const URLPrefix = "/uploads/"

// Form field names and how many files each accepts.
const (
	FieldProfilePic = "profilePic"
	FieldResume     = "resume"
	FieldDocuments  = "documents"
)

var fieldLimits = map[string]int{
	FieldProfilePic: 1,
	FieldResume:     1,
	FieldDocuments:  5,
}

// TooManyFilesError reports a field that carried more files than allowed.
type TooManyFilesError struct {
	Field string
	Max   int
}

func (e *TooManyFilesError) Error() string {
	return fmt.Sprintf("too many files for %s (max %d)", e.Field, e.Max)
}

type LocalStorage struct {
	dir  string
	now  func() time.Time
	intN func(n int) int
}

// NewLocalStorage creates dir if needed.
func NewLocalStorage(dir string) (*LocalStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &LocalStorage{dir: dir, now: time.Now, intN: rand.IntN}, nil
}

// Dir returns the directory files are written to.
func (s *LocalStorage) Dir() string { return s.dir }

// SaveForm stores the candidate files in form and returns their public paths.
// Unknown fields are ignored.
func (s *LocalStorage) SaveForm(form *multipart.Form) (model.CandidateFiles, error) {
	var files model.CandidateFiles
	if form == nil {
		return files, nil
	}
	for field, max := range fieldLimits {
		if n := len(form.File[field]); n > max {
			return files, &TooManyFilesError{Field: field, Max: max}
		}
	}

	for _, fh := range form.File[FieldProfilePic] {
		path, err := s.Save(FieldProfilePic, fh)
		if err != nil {
			return files, err
		}
		files.ProfilePic = path
	}
	for _, fh := range form.File[FieldResume] {
		path, err := s.Save(FieldResume, fh)
		if err != nil {
			return files, err
		}
		files.Resume = path
	}
	for _, fh := range form.File[FieldDocuments] {
		path, err := s.Save(FieldDocuments, fh)
		if err != nil {
			return files, err
		}
		files.Documents = append(files.Documents, path)
	}
	return files, nil
}

// Save writes one file as "<field>-<unix millis>-<random><ext>" and returns its public path.
func (s *LocalStorage) Save(field string, fh *multipart.FileHeader) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open upload %q: %w", fh.Filename, err)
	}
	defer src.Close()

	name := s.fileName(field, fh.Filename)
	dst, err := os.OpenFile(filepath.Join(s.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", name, err)
	}
	slog.Debug("stored upload", "field", field, "name", name, "size", fh.Size)
	return URLPrefix + name, nil
}

func (s *LocalStorage) fileName(field, original string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(original)))
	if len(ext) > 10 || strings.ContainsAny(ext, `/\`) {
		ext = ""
	}
	return fmt.Sprintf("%s-%d-%d%s", field, s.now().UnixMilli(), s.intN(1e9), ext)
}

// Remove deletes previously stored files. Errors are logged.
func (s *LocalStorage) Remove(files model.CandidateFiles) {
	paths := append([]string{files.ProfilePic, files.Resume}, files.Documents...)
	for _, p := range paths {
		if p == "" {
			continue
		}
		name := filepath.Base(strings.TrimPrefix(p, URLPrefix))
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("failed to remove upload", "name", name, "error", err)
		}
	}
}
