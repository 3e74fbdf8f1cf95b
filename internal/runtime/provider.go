// Package runtime defines the provisioning collaborator airstack declares
// resources against, plus host helpers.
package runtime

import (
	"context"

	"github.com/carlosprados/airstack/internal/resource"
)

// Handle identifies a materialized container.
type Handle struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Reused bool   `json:"reused"` // an identical container was already running
}

// Provider materializes declarations. Implementations must be idempotent:
// declaring the same network, volume or unchanged container twice is a no-op.
type Provider interface {
	EnsureNetwork(ctx context.Context, name string) (resource.NetworkRef, error)
	PullImage(ctx context.Context, ref resource.ImageRef) (resource.ImageRef, error)
	EnsureVolume(ctx context.Context, name string) (string, error)
	RunContainer(ctx context.Context, c resource.Container) (Handle, error)
	// WaitExit blocks until the container stops and returns its exit status.
	WaitExit(ctx context.Context, h Handle) (int64, error)

	RemoveContainer(ctx context.Context, name string) error
	RemoveNetwork(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string) error
}
