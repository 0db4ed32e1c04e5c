package knowledge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kalambet/folio/internal/intent"
)

// ErrNotFound is returned by a Source when a topic has no document.
var ErrNotFound = errors.New("document not found")

// Source reads the raw document for a topic.
type Source interface {
	Read(ctx context.Context, topic intent.Topic) (string, error)
}

// DirSource reads documents from a directory named <topic>.txt, <topic>.md
// or <topic>.pdf, checked in that order.
type DirSource struct {
	Dir string
}

var extensions = []string{".txt", ".md", ".pdf"}

func (s DirSource) Read(ctx context.Context, topic intent.Topic) (string, error) {
	for _, ext := range extensions {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		path := filepath.Join(s.Dir, string(topic)+ext)
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", fmt.Errorf("stat %s: %w", path, err)
		}
		if ext == ".pdf" {
			return readPDF(path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", path, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return "", fmt.Errorf("%s in %s: %w", topic, s.Dir, ErrNotFound)
}

func readPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf %s: %w", path, err)
	}
	defer f.Close()

	text, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting text from %s: %w", path, err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(text); err != nil {
		return "", fmt.Errorf("reading text from %s: %w", path, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// MapSource serves documents from memory.
type MapSource map[intent.Topic]string

func (m MapSource) Read(_ context.Context, topic intent.Topic) (string, error) {
	doc, ok := m[topic]
	if !ok {
		return "", ErrNotFound
	}
	return doc, nil
}
