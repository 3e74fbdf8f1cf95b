// Package faults defines the error taxonomy used across airstack.
//
// Every failure belongs to exactly one class:
//
//	ConfigurationError   missing or invalid external configuration, raised before any declaration
//	ResolutionError      an image, credential or deferred value could not be resolved
//	DependencyFailure    an upstream resource failed, so this one was never declared
//	RuntimeHealthFailure the container runtime reported a failed exit or probe
package faults

import (
	"errors"
	"fmt"
)

// ConfigurationError reports a missing or malformed configuration value.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("configuration: %s is required", e.Field)
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// Missing is shorthand for a required field that was not provided.
func Missing(field string) error { return &ConfigurationError{Field: field} }

// ResolutionError reports that Subject (an image reference, credential, or
// deferred value) could not be resolved.
type ResolutionError struct {
	Subject string
	Err     error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Subject, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Unresolved wraps err as a ResolutionError unless it already is one.
func Unresolved(subject string, err error) error {
	if err == nil {
		return nil
	}
	var re *ResolutionError
	if errors.As(err, &re) {
		return err
	}
	return &ResolutionError{Subject: subject, Err: err}
}

// DependencyFailure is recorded for a resource that was skipped because
// Upstream failed or was itself skipped.
type DependencyFailure struct {
	Resource string
	Upstream string
	Err      error
}

func (e *DependencyFailure) Error() string {
	return fmt.Sprintf("%s not declared: dependency %s failed", e.Resource, e.Upstream)
}

func (e *DependencyFailure) Unwrap() error { return e.Err }

// RuntimeHealthFailure is reported by the container runtime after
// declaration: a non-zero exit of a one-shot task or a failed wait.
type RuntimeHealthFailure struct {
	Resource string
	ExitCode int64
	Detail   string
}

func (e *RuntimeHealthFailure) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s exited with status %d: %s", e.Resource, e.ExitCode, e.Detail)
	}
	return fmt.Sprintf("%s exited with status %d", e.Resource, e.ExitCode)
}

func IsConfiguration(err error) bool {
	var t *ConfigurationError
	return errors.As(err, &t)
}

func IsResolution(err error) bool {
	var t *ResolutionError
	return errors.As(err, &t)
}

func IsDependency(err error) bool {
	var t *DependencyFailure
	return errors.As(err, &t)
}

func IsRuntimeHealth(err error) bool {
	var t *RuntimeHealthFailure
	return errors.As(err, &t)
}

// Class names the taxonomy class of err for logs and metrics.
func Class(err error) string {
	switch {
	case err == nil:
		return ""
	case IsConfiguration(err):
		return "configuration"
	case IsDependency(err):
		return "dependency"
	case IsRuntimeHealth(err):
		return "runtime_health"
	case IsResolution(err):
		return "resolution"
	}
	return "other"
}
