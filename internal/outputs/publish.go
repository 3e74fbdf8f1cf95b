// Package outputs publishes the named values of a deployment.
package outputs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Document is what every publisher emits.
type Document struct {
	DeploymentID string            `json:"deployment_id"`
	Stack        string            `json:"stack"`
	Values       map[string]string `json:"values"`
	PublishedAt  time.Time         `json:"published_at"`
}

func (d Document) encode() ([]byte, error) {
	return json.Marshal(d)
}

type Publisher interface {
	Publish(ctx context.Context, doc Document) error
	Close() error
}

// File writes the document as indented JSON.
type File struct {
	Path string
}

func (f File) Publish(_ context.Context, doc Document) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}

func (File) Close() error { return nil }

// ReadFile loads a document written by File.
func ReadFile(path string) (Document, error) {
	var doc Document
	b, err := os.ReadFile(path)
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return doc, fmt.Errorf("decode %s: %w", path, err)
	}
	return doc, nil
}

// Multi fans a document out to every publisher. A failing publisher does
// not stop the others.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, doc Document) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, doc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}
