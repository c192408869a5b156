// Package syllabus turns uploaded PDF syllabi into structured courses.
package syllabus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"

	"github.com/pavelanni/confusionbank/internal/model"
	"github.com/pavelanni/confusionbank/internal/store"
)

var (
	// ErrEmptyName is returned when no course name accompanies the upload.
	ErrEmptyName = errors.New("course name required")
	// ErrNotPDF is returned when the uploaded bytes are not a PDF document.
	ErrNotPDF = errors.New("uploaded file is not a PDF")
	// ErrNoText is returned for PDFs with no extractable text, such as
	// pure-image scans.
	ErrNoText = errors.New("no text could be extracted from the PDF")
)

// Gateway is the completion-service surface the processor needs.
type Gateway interface {
	ExtractCourseStructure(ctx context.Context, syllabusText string) ([]model.Unit, error)
}

// Processor ingests syllabus uploads and persists the resulting courses.
type Processor struct {
	store     *store.Store
	gw        Gateway
	uploadDir string
}

// New creates a Processor. Uploaded files are archived under uploadDir.
func New(s *store.Store, gw Gateway, uploadDir string) *Processor {
	return &Processor{store: s, gw: gw, uploadDir: uploadDir}
}

// ProcessUpload reads one uploaded PDF, extracts its unit/topic structure
// and saves the course. The original file is archived under a unique name;
// the caller is expected to cap the reader's size.
func (p *Processor) ProcessUpload(ctx context.Context, courseName, filename string, r io.Reader) (*model.Course, error) {
	courseName = strings.TrimSpace(courseName)
	if courseName == "" {
		return nil, ErrEmptyName
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if !isPDF(data) {
		return nil, ErrNotPDF
	}

	archived, err := p.archive(filename, data)
	if err != nil {
		return nil, fmt.Errorf("archive upload: %w", err)
	}
	slog.Info("syllabus archived", "course", courseName, "file", archived, "bytes", len(data))

	text, err := extractText(data)
	if err != nil {
		return nil, err
	}

	units, err := p.gw.ExtractCourseStructure(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("extract course structure: %w", err)
	}

	id, err := p.store.SaveCourse(courseName, units)
	if err != nil {
		return nil, fmt.Errorf("save course: %w", err)
	}
	slog.Info("course created", "course_id", id, "name", courseName, "units", len(units))

	course, err := p.store.GetCourse(id)
	if err != nil {
		return nil, fmt.Errorf("load saved course: %w", err)
	}
	return &course, nil
}

// archive writes the upload to disk under a collision-free name and returns
// the stored filename.
func (p *Processor) archive(filename string, data []byte) (string, error) {
	if err := os.MkdirAll(p.uploadDir, 0o755); err != nil {
		return "", err
	}
	name := uuid.New().String() + "_" + sanitizeFilename(filename)
	if err := os.WriteFile(filepath.Join(p.uploadDir, name), data, 0o644); err != nil {
		return "", err
	}
	return name, nil
}

func isPDF(data []byte) bool {
	return bytes.HasPrefix(data, []byte("%PDF-"))
}

// extractText pulls the plain text out of the PDF and collapses runs of
// whitespace.
func extractText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotPDF, err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoText, err)
	}
	raw, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoText, err)
	}
	text := strings.Join(strings.Fields(string(raw)), " ")
	if text == "" {
		return "", ErrNoText
	}
	return text, nil
}

// sanitizeFilename strips path components and characters that do not belong
// in a stored filename.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if name == "" || name == "." || name == ".." {
		return "syllabus.pdf"
	}
	return name
}
