// Package docker implements runtime.Provider on top of the Docker Engine API.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"

	"github.com/carlosprados/airstack/internal/faults"
	"github.com/carlosprados/airstack/internal/resource"
	"github.com/carlosprados/airstack/internal/runtime"
)

const (
	LabelManaged  = "airstack.managed"
	LabelSpecHash = "airstack.spec-hash"
	LabelStack    = "airstack.stack"
)

// dockerAPI is the subset of the SDK client used by Provider.
type dockerAPI interface {
	NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkRemove(ctx context.Context, networkID string) error
	VolumeInspect(ctx context.Context, volumeID string) (volume.Volume, error)
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
}

// Provider declares networks, volumes and containers on a Docker daemon.
type Provider struct {
	cli      dockerAPI
	closer   io.Closer
	stack    string
	platform *ocispec.Platform
}

// Option customizes a Provider.
type Option func(*Provider)

// WithPlatform pins the platform containers are created for.
func WithPlatform(os, arch string) Option {
	return func(p *Provider) {
		if os != "" && arch != "" {
			p.platform = &ocispec.Platform{OS: os, Architecture: arch}
		}
	}
}

// New connects to host, or to the daemon named by DOCKER_HOST when host is
// empty. stack is stamped on every object created.
func New(host, stack string, opts ...Option) (*Provider, error) {
	copts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		copts = append(copts, client.WithHost(host))
	} else {
		copts = append(copts, client.FromEnv)
	}
	c, err := client.NewClientWithOpts(copts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	p := newWithAPI(c, stack, opts...)
	p.closer = c
	return p, nil
}

func newWithAPI(api dockerAPI, stack string, opts ...Option) *Provider {
	p := &Provider{cli: api, stack: stack}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Close releases the underlying client.
func (p *Provider) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer.Close()
}

func (p *Provider) labels(extra map[string]string) map[string]string {
	l := map[string]string{LabelManaged: "true"}
	if p.stack != "" {
		l[LabelStack] = p.stack
	}
	for k, v := range extra {
		l[k] = v
	}
	return l
}

func (p *Provider) EnsureNetwork(ctx context.Context, name string) (resource.NetworkRef, error) {
	nw, err := p.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		log.Debug().Str("network", name).Str("id", shortID(nw.ID)).Msg("network exists")
		return resource.NetworkRef{Name: name, ID: nw.ID}, nil
	}
	if !errdefs.IsNotFound(err) {
		return resource.NetworkRef{}, fmt.Errorf("inspect network %s: %w", name, err)
	}
	resp, err := p.cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge", Labels: p.labels(nil)})
	if err != nil {
		return resource.NetworkRef{}, fmt.Errorf("create network %s: %w", name, err)
	}
	log.Info().Str("network", name).Str("id", shortID(resp.ID)).Msg("network created")
	return resource.NetworkRef{Name: name, ID: resp.ID}, nil
}

func (p *Provider) PullImage(ctx context.Context, ref resource.ImageRef) (resource.ImageRef, error) {
	target := ref.Name
	if target == "" {
		target = ref.Source
	}
	rc, err := p.cli.ImagePull(ctx, target, image.PullOptions{})
	if err != nil {
		return resource.ImageRef{}, faults.Unresolved(ref.Source, err)
	}
	// the pull only completes once the progress stream is drained
	_, err = io.Copy(io.Discard, rc)
	rc.Close()
	if err != nil {
		return resource.ImageRef{}, faults.Unresolved(ref.Source, err)
	}
	insp, _, err := p.cli.ImageInspectWithRaw(ctx, target)
	if err != nil {
		return resource.ImageRef{}, faults.Unresolved(ref.Source, err)
	}
	if ref.Digest == "" {
		for _, rd := range insp.RepoDigests {
			if i := strings.LastIndex(rd, "@"); i >= 0 {
				ref.Digest = rd[i+1:]
				break
			}
		}
	}
	ref.Name = target
	log.Info().Str("image", target).Str("digest", ref.Digest).Msg("image pulled")
	return ref, nil
}

func (p *Provider) EnsureVolume(ctx context.Context, name string) (string, error) {
	if _, err := p.cli.VolumeInspect(ctx, name); err == nil {
		return name, nil
	} else if !errdefs.IsNotFound(err) {
		return "", fmt.Errorf("inspect volume %s: %w", name, err)
	}
	v, err := p.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name, Labels: p.labels(nil)})
	if err != nil {
		return "", fmt.Errorf("create volume %s: %w", name, err)
	}
	log.Info().Str("volume", v.Name).Msg("volume created")
	return v.Name, nil
}

// RunContainer creates and starts c. An existing container with the same
// spec hash is reused when it is running, or when it is a task that already
// exited cleanly; any other container under that name is replaced.
func (p *Provider) RunContainer(ctx context.Context, c resource.Container) (runtime.Handle, error) {
	hash := c.Hash()
	insp, err := p.cli.ContainerInspect(ctx, c.Name)
	switch {
	case err == nil:
		if reusable(insp, hash, c.RunOnce) {
			log.Info().Str("container", c.Name).Msg("container unchanged, reusing")
			return runtime.Handle{ID: insp.ID, Name: c.Name, Reused: true}, nil
		}
		log.Info().Str("container", c.Name).Msg("container drifted, replacing")
		if err := p.cli.ContainerRemove(ctx, insp.ID, container.RemoveOptions{Force: true}); err != nil {
			return runtime.Handle{}, fmt.Errorf("remove %s: %w", c.Name, err)
		}
	case !errdefs.IsNotFound(err):
		return runtime.Handle{}, fmt.Errorf("inspect %s: %w", c.Name, err)
	}

	cfg, hostCfg, netCfg, err := p.translate(c, hash)
	if err != nil {
		return runtime.Handle{}, err
	}
	resp, err := p.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, p.platform, c.Name)
	if err != nil {
		return runtime.Handle{}, fmt.Errorf("create %s: %w", c.Name, err)
	}
	for _, w := range resp.Warnings {
		log.Warn().Str("container", c.Name).Msg(w)
	}
	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return runtime.Handle{}, fmt.Errorf("start %s: %w", c.Name, err)
	}
	log.Info().Str("container", c.Name).Str("id", shortID(resp.ID)).Msg("container started")
	return runtime.Handle{ID: resp.ID, Name: c.Name}, nil
}

func reusable(insp types.ContainerJSON, hash string, runOnce bool) bool {
	if insp.ContainerJSONBase == nil || insp.Config == nil || insp.State == nil {
		return false
	}
	if insp.Config.Labels[LabelSpecHash] != hash {
		return false
	}
	if insp.State.Running {
		return true
	}
	return runOnce && insp.State.Status == "exited" && insp.State.ExitCode == 0
}

func (p *Provider) translate(c resource.Container, hash string) (*container.Config, *container.HostConfig, *network.NetworkingConfig, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, pm := range c.Ports {
		proto := pm.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, strconv.Itoa(pm.Internal))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("container %s: %w", c.Name, err)
		}
		exposed[port] = struct{}{}
		if pm.External > 0 {
			bindings[port] = append(bindings[port], nat.PortBinding{HostPort: strconv.Itoa(pm.External)})
		}
	}

	var mounts []mount.Mount
	for _, v := range c.Volumes {
		mounts = append(mounts, mount.Mount{Type: mount.TypeVolume, Source: v.Name, Target: v.Target, ReadOnly: v.ReadOnly})
	}
	for _, b := range c.Binds {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: b.HostPath, Target: b.Target, ReadOnly: b.ReadOnly})
	}

	labels := p.labels(c.Labels)
	labels[LabelSpecHash] = hash

	cfg := &container.Config{
		Image:        c.Image.Name,
		Entrypoint:   c.Entrypoint,
		Cmd:          c.Command,
		User:         c.User,
		Env:          c.Env,
		Labels:       labels,
		ExposedPorts: exposed,
	}
	if h := c.Health; h != nil {
		cfg.Healthcheck = &container.HealthConfig{
			Test:        h.Test,
			Interval:    h.Interval,
			Timeout:     h.Timeout,
			StartPeriod: h.StartPeriod,
			Retries:     h.Retries,
		}
	}
	hostCfg := &container.HostConfig{
		PortBindings:  bindings,
		Mounts:        mounts,
		RestartPolicy: container.RestartPolicy{Name: restartMode(c.Restart)},
	}
	netCfg := &network.NetworkingConfig{EndpointsConfig: map[string]*network.EndpointSettings{
		c.Network.Name: {NetworkID: c.Network.ID, Aliases: []string{c.Name}},
	}}
	return cfg, hostCfg, netCfg, nil
}

func restartMode(p resource.RestartPolicy) container.RestartPolicyMode {
	switch p {
	case resource.RestartUnlessStopped:
		return container.RestartPolicyUnlessStopped
	case resource.RestartOnFailure:
		return container.RestartPolicyOnFailure
	default:
		return container.RestartPolicyDisabled
	}
}

// WaitExit blocks until the container is no longer running.
func (p *Provider) WaitExit(ctx context.Context, h runtime.Handle) (int64, error) {
	statusCh, errCh := p.cli.ContainerWait(ctx, h.ID, container.WaitConditionNotRunning)
	select {
	case st := <-statusCh:
		if st.Error != nil && st.Error.Message != "" {
			return st.StatusCode, errors.New(st.Error.Message)
		}
		return st.StatusCode, nil
	case err := <-errCh:
		return -1, fmt.Errorf("wait %s: %w", h.Name, err)
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (p *Provider) RemoveContainer(ctx context.Context, name string) error {
	err := p.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	return nil
}

func (p *Provider) RemoveNetwork(ctx context.Context, name string) error {
	if err := p.cli.NetworkRemove(ctx, name); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove network %s: %w", name, err)
	}
	return nil
}

func (p *Provider) RemoveVolume(ctx context.Context, name string) error {
	if err := p.cli.VolumeRemove(ctx, name, false); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove volume %s: %w", name, err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

var _ runtime.Provider = (*Provider)(nil)
