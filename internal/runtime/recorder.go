package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/carlosprados/airstack/internal/resource"
)

// Declaration is one call recorded by Recorder.
type Declaration struct {
	Op   string `json:"op"` // network|image|volume|container|wait|remove-*
	Name string `json:"name"`
}

// Recorder is an in-memory Provider. It backs dry runs and compose export
// and lets tests script pull failures and task exit codes.
type Recorder struct {
	mu         sync.Mutex
	log        []Declaration
	containers map[string]resource.Container
	networks   map[string]bool
	volumes    map[string]bool

	// PullErrors fails PullImage for the given source reference.
	PullErrors map[string]error
	// ExitCodes scripts WaitExit per container name. Missing means 0.
	ExitCodes map[string]int64
}

func NewRecorder() *Recorder {
	return &Recorder{
		containers: map[string]resource.Container{},
		networks:   map[string]bool{},
		volumes:    map[string]bool{},
		PullErrors: map[string]error{},
		ExitCodes:  map[string]int64{},
	}
}

func (r *Recorder) record(op, name string) {
	r.log = append(r.log, Declaration{Op: op, Name: name})
}

func (r *Recorder) EnsureNetwork(_ context.Context, name string) (resource.NetworkRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("network", name)
	r.networks[name] = true
	return resource.NetworkRef{Name: name, ID: syntheticID("network/" + name)}, nil
}

func (r *Recorder) PullImage(_ context.Context, ref resource.ImageRef) (resource.ImageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.PullErrors[ref.Source]; err != nil {
		return resource.ImageRef{}, err
	}
	r.record("image", ref.Source)
	if ref.Name == "" {
		ref.Name = ref.Source
	}
	return ref, nil
}

func (r *Recorder) EnsureVolume(_ context.Context, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("volume", name)
	r.volumes[name] = true
	return name, nil
}

func (r *Recorder) RunContainer(_ context.Context, c resource.Container) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, exists := r.containers[c.Name]
	r.record("container", c.Name)
	r.containers[c.Name] = c
	return Handle{
		ID:     syntheticID("container/" + c.Name),
		Name:   c.Name,
		Reused: exists && prev.Hash() == c.Hash(),
	}, nil
}

func (r *Recorder) WaitExit(ctx context.Context, h Handle) (int64, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("wait", h.Name)
	return r.ExitCodes[h.Name], nil
}

func (r *Recorder) RemoveContainer(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("remove-container", name)
	delete(r.containers, name)
	return nil
}

func (r *Recorder) RemoveNetwork(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("remove-network", name)
	delete(r.networks, name)
	return nil
}

func (r *Recorder) RemoveVolume(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("remove-volume", name)
	delete(r.volumes, name)
	return nil
}

// Log returns a copy of the recorded calls in call order.
func (r *Recorder) Log() []Declaration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Declaration(nil), r.log...)
}

// Container returns the last container declared under name.
func (r *Recorder) Container(name string) (resource.Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[name]
	return c, ok
}

// Containers returns every declared container keyed by name.
func (r *Recorder) Containers() map[string]resource.Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]resource.Container, len(r.containers))
	for k, v := range r.containers {
		out[k] = v
	}
	return out
}

// Index returns the position of the first op/name call in the log, or -1.
func (r *Recorder) Index(op, name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, d := range r.log {
		if d.Op == op && d.Name == name {
			return i
		}
	}
	return -1
}

func syntheticID(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])[:12]
}

var _ Provider = (*Recorder)(nil)

// String is used in dry-run logs.
func (d Declaration) String() string { return fmt.Sprintf("%s %s", d.Op, d.Name) }
