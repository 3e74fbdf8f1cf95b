package resource

// Declarative resource model. A ContainerSpec is what a stack definition
// declares; its deferred inputs are resolved into a Container right before
// the provider materializes it.

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/carlosprados/airstack/internal/deferred"
	"github.com/carlosprados/airstack/internal/faults"
)

type RestartPolicy string

const (
	RestartUnlessStopped RestartPolicy = "unless-stopped"
	RestartOnFailure     RestartPolicy = "on-failure"
	RestartNo            RestartPolicy = "no"
)

func (p RestartPolicy) Valid() bool {
	switch p {
	case RestartUnlessStopped, RestartOnFailure, RestartNo:
		return true
	}
	return false
}

// NetworkRef identifies an isolated container network.
type NetworkRef struct {
	Name string `json:"name"`
	ID   string `json:"id,omitempty"`
}

// ImageRef is a resolved pull reference.
type ImageRef struct {
	Source string `json:"source"`           // requested name:tag
	Digest string `json:"digest,omitempty"` // registry digest, empty when offline
	Name   string `json:"name"`             // reference handed to containers
}

// VolumeRef is a managed volume mounted at Target.
type VolumeRef struct {
	Name     string `json:"name"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

// BindMount is a host path binding. It has no managed lifecycle.
type BindMount struct {
	HostPath string `json:"host_path"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

type PortMapping struct {
	Internal int    `json:"internal"`
	External int    `json:"external"`
	Protocol string `json:"protocol,omitempty"` // tcp when empty
}

// HealthProbe is handed to the container runtime as-is.
type HealthProbe struct {
	Test        []string      `json:"test"`
	Interval    time.Duration `json:"interval,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	Retries     int           `json:"retries,omitempty"`
	StartPeriod time.Duration `json:"start_period,omitempty"`
}

// ContainerSpec declares one running unit.
type ContainerSpec struct {
	Name       string
	Image      *deferred.Value[ImageRef]
	Network    *deferred.Value[NetworkRef]
	Entrypoint []string
	Command    []string
	User       string
	Env        Bundle
	Ports      []PortMapping
	Volumes    []*deferred.Value[VolumeRef]
	Binds      []BindMount
	Health     *HealthProbe
	Restart    RestartPolicy
	Labels     map[string]string
	// DependsOn lists explicit dependency edges. Implicit edges come from
	// the deferred inputs, see Inputs.
	DependsOn []string
	// RunOnce marks a task that must exit successfully before dependents
	// are declared.
	RunOnce bool
}

// Container is a ContainerSpec with every deferred input resolved.
type Container struct {
	Name       string            `json:"name"`
	Image      ImageRef          `json:"image"`
	Network    NetworkRef        `json:"network"`
	Entrypoint []string          `json:"entrypoint,omitempty"`
	Command    []string          `json:"command,omitempty"`
	User       string            `json:"user,omitempty"`
	Env        []string          `json:"env"`
	Ports      []PortMapping     `json:"ports,omitempty"`
	Volumes    []VolumeRef       `json:"volumes,omitempty"`
	Binds      []BindMount       `json:"binds,omitempty"`
	Health     *HealthProbe      `json:"health,omitempty"`
	Restart    RestartPolicy     `json:"restart"`
	Labels     map[string]string `json:"labels,omitempty"`
	RunOnce    bool              `json:"run_once,omitempty"`
}

// Validate checks the static part of the spec.
func (s *ContainerSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("container spec: empty name")
	}
	if s.Image == nil {
		return fmt.Errorf("container %s: no image", s.Name)
	}
	if s.Network == nil {
		return fmt.Errorf("container %s: no network attachment", s.Name)
	}
	if !s.Restart.Valid() {
		return fmt.Errorf("container %s: invalid restart policy %q", s.Name, s.Restart)
	}
	for _, p := range s.Ports {
		if p.Internal < 1 || p.Internal > 65535 || p.External < 0 || p.External > 65535 {
			return fmt.Errorf("container %s: invalid port mapping %d->%d", s.Name, p.Internal, p.External)
		}
	}
	if h := s.Health; h != nil {
		if len(h.Test) == 0 {
			return fmt.Errorf("container %s: health probe without test", s.Name)
		}
		if h.Retries < 0 {
			return fmt.Errorf("container %s: negative probe retries", s.Name)
		}
	}
	return nil
}

// Inputs returns every resource this spec must wait for: explicit DependsOn
// edges plus the producers of its deferred inputs. The result is sorted.
func (s *ContainerSpec) Inputs() []string {
	set := map[string]struct{}{}
	add := func(names []string) {
		for _, n := range names {
			if n != "" && n != s.Name {
				set[n] = struct{}{}
			}
		}
	}
	add(s.DependsOn)
	if s.Image != nil {
		add(s.Image.Deps())
	}
	if s.Network != nil {
		add(s.Network.Deps())
	}
	for _, v := range s.Volumes {
		add(v.Deps())
	}
	add(s.Env.Deps())
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Resolve awaits every deferred input. Any failure is a ResolutionError and
// no partial Container is returned.
func (s *ContainerSpec) Resolve(ctx context.Context) (Container, error) {
	img, err := s.Image.Await(ctx)
	if err != nil {
		return Container{}, faults.Unresolved(s.Name+" image", err)
	}
	nw, err := s.Network.Await(ctx)
	if err != nil {
		return Container{}, faults.Unresolved(s.Name+" network", err)
	}
	vols := make([]VolumeRef, 0, len(s.Volumes))
	for _, v := range s.Volumes {
		ref, err := v.Await(ctx)
		if err != nil {
			return Container{}, faults.Unresolved(s.Name+" volume", err)
		}
		vols = append(vols, ref)
	}
	env, err := s.Env.Resolve(ctx)
	if err != nil {
		return Container{}, faults.Unresolved(s.Name+" environment", err)
	}
	return Container{
		Name:       s.Name,
		Image:      img,
		Network:    nw,
		Entrypoint: s.Entrypoint,
		Command:    s.Command,
		User:       s.User,
		Env:        env,
		Ports:      s.Ports,
		Volumes:    vols,
		Binds:      s.Binds,
		Health:     s.Health,
		Restart:    s.Restart,
		Labels:     s.Labels,
		RunOnce:    s.RunOnce,
	}, nil
}

// Hash is a stable digest of the resolved container, used to detect drift
// on re-application.
func (c Container) Hash() string {
	b, _ := json.Marshal(c)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
