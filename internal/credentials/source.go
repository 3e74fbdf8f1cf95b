// Package credentials supplies the object-store bucket and access key a
// stack hands to its containers. Values are deferred: a missing secret only
// fails the containers that read it.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/carlosprados/airstack/internal/deferred"
	"github.com/carlosprados/airstack/internal/faults"
)

// Handles are the external objects the environment composer reads.
type Handles struct {
	Bucket      *deferred.Value[string]
	AccessKeyID *deferred.Value[string]
	Secret      *deferred.Value[string]
}

// Source produces Handles.
type Source interface {
	Handles() Handles
}

// Static serves values known up front, typically from the stack file or
// the environment.
type Static struct {
	Bucket      string
	AccessKeyID string
	Secret      string
}

func (s Static) Handles() Handles {
	return Handles{
		Bucket:      required("bucket", s.Bucket),
		AccessKeyID: required("access key id", s.AccessKeyID),
		Secret:      required("secret access key", s.Secret),
	}
}

func required(what, v string) *deferred.Value[string] {
	if v == "" {
		return deferred.Failed[string](faults.Unresolved(what, errors.New("not provided")))
	}
	return deferred.Resolved(v)
}

// fileDoc is the on-disk layout of a credentials file.
type fileDoc struct {
	Bucket          string `json:"bucket"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
}

// File reads a JSON credentials file the first time any handle is awaited.
// Values missing from the file fall back to Fallback.
type File struct {
	Path     string
	Fallback Static
}

func (f File) Handles() Handles {
	doc := deferred.MapErr(deferred.Resolved(f.Path), func(path string) (fileDoc, error) {
		b, err := os.ReadFile(path)
		if err != nil {
			return fileDoc{}, faults.Unresolved("credentials file", err)
		}
		var d fileDoc
		if err := json.Unmarshal(b, &d); err != nil {
			return fileDoc{}, faults.Unresolved("credentials file", fmt.Errorf("%s: %w", path, err))
		}
		return d, nil
	})
	pick := func(what string, get func(fileDoc) string, fallback string) *deferred.Value[string] {
		return deferred.MapErr(doc, func(d fileDoc) (string, error) {
			if v := get(d); v != "" {
				return v, nil
			}
			if fallback != "" {
				return fallback, nil
			}
			return "", faults.Unresolved(what, fmt.Errorf("not present in %s", f.Path))
		})
	}
	return Handles{
		Bucket:      pick("bucket", func(d fileDoc) string { return d.Bucket }, f.Fallback.Bucket),
		AccessKeyID: pick("access key id", func(d fileDoc) string { return d.AccessKeyID }, f.Fallback.AccessKeyID),
		Secret:      pick("secret access key", func(d fileDoc) string { return d.SecretAccessKey }, f.Fallback.Secret),
	}
}

// Check awaits every handle and returns the first failure.
func (h Handles) Check(ctx context.Context) error {
	_, err := deferred.All(h.Bucket, h.AccessKeyID, h.Secret).Await(ctx)
	return err
}
