package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/carlosprados/airstack/internal/airflow"
	"github.com/carlosprados/airstack/internal/compose"
	"github.com/carlosprados/airstack/internal/config"
	"github.com/carlosprados/airstack/internal/credentials"
	"github.com/carlosprados/airstack/internal/docker"
	"github.com/carlosprados/airstack/internal/faults"
	"github.com/carlosprados/airstack/internal/metrics"
	"github.com/carlosprados/airstack/internal/outputs"
	"github.com/carlosprados/airstack/internal/preflight"
	"github.com/carlosprados/airstack/internal/provision"
	"github.com/carlosprados/airstack/internal/registry"
	"github.com/carlosprados/airstack/internal/resource"
	"github.com/carlosprados/airstack/internal/runtime"
	"github.com/carlosprados/airstack/internal/state"
	"github.com/carlosprados/airstack/internal/store"
)

// Plan statuses recorded in the snapshot.
const (
	StatusIdle      = "idle"
	StatusApplying  = "applying"
	StatusApplied   = "applied"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
	StatusDestroyed = "destroyed"
)

// ErrApplyInProgress is returned by Up while another apply runs on the
// same agent.
var ErrApplyInProgress = errors.New("apply in progress")

// placeholder stands in for credentials that are not needed to render a
// plan or a compose file.
const placeholder = "<unset>"

// Options defines runtime configuration for the agent.
type Options struct {
	// DryRun records declarations in memory, resolves images offline and
	// publishes nothing.
	DryRun bool
	// Provider and Resolver replace the Docker provider and the registry
	// client built from the config.
	Provider runtime.Provider
	Resolver registry.ImageResolver
	// Publisher replaces the publishers built from the outputs section.
	Publisher outputs.Publisher
}

// Agent drives one stack: it declares it, publishes its outputs and keeps
// the last deployment snapshot for the status API.
type Agent struct {
	cfg      *config.Config
	opts     Options
	closed   atomic.Bool
	applying atomic.Bool
	start    time.Time

	mu        sync.RWMutex
	resources *store.MemoryStore
	snap      state.Snapshot

	preflight func(ctx context.Context, hostDir, dockerHost string) (preflight.Report, error)
}

// New creates an Agent for cfg. A snapshot left by a previous run is loaded
// best-effort so status and teardown work across invocations.
func New(cfg *config.Config, opts Options) *Agent {
	a := &Agent{
		cfg:       cfg,
		opts:      opts,
		start:     time.Now(),
		resources: store.NewMemoryStore(),
		snap:      state.New(cfg.Stack.Name),
		preflight: preflight.Check,
	}
	a.snap.Plan.Status = StatusIdle
	snap, err := state.Load(cfg.Stack.StateDir)
	switch {
	case err == nil:
		a.snap = snap
		for _, ri := range snap.Resources {
			a.resources.Upsert(ri)
		}
	case !errors.Is(err, state.ErrNoSnapshot):
		log.Warn().Err(err).Str("dir", cfg.Stack.StateDir).Msg("ignoring unreadable snapshot")
	}
	return a
}

// Close releases agent resources.
func (a *Agent) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	log.Debug().Msg("agent closed")
	return nil
}

// Snapshot returns a copy of the current deployment snapshot.
func (a *Agent) Snapshot() state.Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	snap := a.snap
	snap.Resources = a.resources.List()
	return snap
}

// Up declares the stack, publishes its outputs and records the deployment.
// Declared resources are kept when a later one fails. Only one Up runs at a
// time; a concurrent call returns ErrApplyInProgress.
func (a *Agent) Up(ctx context.Context) (*provision.Result, error) {
	if !a.applying.CompareAndSwap(false, true) {
		return nil, ErrApplyInProgress
	}
	defer a.applying.Store(false)
	return a.up(ctx)
}

func (a *Agent) up(ctx context.Context) (*provision.Result, error) {
	// pinning a version constraint must not leak into the shared config
	local := *a.cfg
	cfg := &local
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Runtime.SkipPreflight && !a.opts.DryRun {
		a.checkHost(ctx)
	}

	resolver, err := a.resolver()
	if err != nil {
		return nil, err
	}
	version, err := pinVersion(ctx, resolver, cfg.Airflow)
	if err != nil {
		return nil, err
	}
	cfg.Airflow.Version = version

	creds := credentialSource(cfg, false).Handles()
	if err := creds.Check(ctx); err != nil {
		return nil, err
	}
	provider, closeProvider, err := a.provider()
	if err != nil {
		return nil, err
	}
	defer closeProvider()

	stack, err := airflow.Define(cfg, airflow.Deps{
		Resolver:    resolver,
		Provider:    provider,
		Credentials: creds,
		HostUID:     runtime.HostUID(),
	})
	if err != nil {
		return nil, err
	}
	g, err := provision.BuildGraph(stack.Resources())
	if err != nil {
		return nil, err
	}
	layers, err := g.TopoLayers()
	if err != nil {
		return nil, err
	}

	snap := state.New(cfg.Stack.Name)
	snap.Network = cfg.Stack.Network
	snap.Volume = cfg.Database.Volume
	snap.Layers = layers
	snap.Edges = g.EdgeList()
	snap.Containers = teardownOrder(stack, layers)
	snap.Plan = state.PlanStatus{Status: StatusApplying, Updated: time.Now().UTC()}
	a.resources.Reset()
	a.setSnapshot(snap)
	a.persist()

	log.Info().Str("stack", cfg.Stack.Name).Str("deployment", snap.DeploymentID).
		Int("layers", len(layers)).Bool("dry_run", a.opts.DryRun).Msg("declaring stack")
	res, applyErr := stack.Apply(ctx, provision.Options{Observer: a.observe})
	metrics.ObserveApply(applyErr)

	for name, h := range stack.Handles(ctx) {
		a.resources.Upsert(store.ResourceInfo{Name: name, ID: h.ID})
	}
	values := stack.Outputs(ctx)

	a.mu.Lock()
	a.snap.Outputs = values
	a.snap.Plan = planStatus(res, applyErr)
	a.mu.Unlock()

	var publishErr error
	if !a.opts.DryRun {
		publishErr = a.publish(ctx, values)
	}
	a.persist()

	if applyErr != nil {
		return res, applyErr
	}
	if publishErr != nil {
		return res, fmt.Errorf("publish outputs: %w", publishErr)
	}
	log.Info().Str("stack", cfg.Stack.Name).Int("outputs", len(values)).Msg("stack declared")
	return res, nil
}

// Plan returns the declaration layers without declaring anything.
func (a *Agent) Plan() ([][]string, []provision.Edge, error) {
	stack, err := a.offlineStack(runtime.NewRecorder())
	if err != nil {
		return nil, nil, err
	}
	g, err := provision.BuildGraph(stack.Resources())
	if err != nil {
		return nil, nil, err
	}
	layers, err := g.TopoLayers()
	if err != nil {
		return nil, nil, err
	}
	return layers, g.EdgeList(), nil
}

// Compose renders the stack as a docker-compose file. Credentials that are
// not configured render as placeholders.
func (a *Agent) Compose(ctx context.Context) ([]byte, error) {
	rec := runtime.NewRecorder()
	stack, err := a.offlineStack(rec)
	if err != nil {
		return nil, err
	}
	if _, err := stack.Apply(ctx, provision.Options{}); err != nil {
		return nil, err
	}
	var containers []resource.Container
	for _, c := range rec.Containers() {
		containers = append(containers, c)
	}
	return compose.Render(a.cfg.Stack.Name, containers, stack.ContainerDeps())
}

// Outputs returns the outputs of the last deployment.
func (a *Agent) Outputs() (map[string]string, error) {
	snap := a.Snapshot()
	if len(snap.Outputs) > 0 {
		return snap.Outputs, nil
	}
	doc, err := outputs.ReadFile(a.cfg.Outputs.File)
	if errors.Is(err, os.ErrNotExist) {
		return nil, state.ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	return doc.Values, nil
}

// Down removes the containers of the last deployment in reverse dependency
// order. With purge the network and the database volume go too. Without a
// snapshot the teardown order is derived from the config.
func (a *Agent) Down(ctx context.Context, purge bool) error {
	provider, closeProvider, err := a.provider()
	if err != nil {
		return err
	}
	defer closeProvider()

	snap := a.Snapshot()
	if len(snap.Containers) > 0 {
		err = removeAll(ctx, provider, snap, purge)
	} else {
		var stack *airflow.Stack
		stack, err = a.offlineStack(provider)
		if err == nil {
			err = stack.Teardown(ctx, purge)
		}
	}
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.snap.Plan = state.PlanStatus{Status: StatusDestroyed, Updated: time.Now().UTC()}
	a.snap.Outputs = map[string]string{}
	a.mu.Unlock()
	a.resources.Reset()
	a.persist()
	log.Info().Str("stack", a.cfg.Stack.Name).Bool("purge", purge).Msg("stack removed")
	return nil
}

func removeAll(ctx context.Context, p runtime.Provider, snap state.Snapshot, purge bool) error {
	var errs []error
	for _, name := range snap.Containers {
		if err := p.RemoveContainer(ctx, name); err != nil {
			errs = append(errs, err)
			continue
		}
		log.Info().Str("container", name).Msg("container removed")
	}
	if purge {
		if snap.Network != "" {
			errs = append(errs, p.RemoveNetwork(ctx, snap.Network))
		}
		if snap.Volume != "" {
			errs = append(errs, p.RemoveVolume(ctx, snap.Volume))
		}
	}
	return errors.Join(errs...)
}

// offlineStack defines the stack against p without contacting a registry.
// Constraint versions are not resolved here.
func (a *Agent) offlineStack(p runtime.Provider) (*airflow.Stack, error) {
	return airflow.Define(a.cfg, airflow.Deps{
		Resolver:    registry.Offline{},
		Provider:    p,
		Credentials: credentialSource(a.cfg, true).Handles(),
		HostUID:     runtime.HostUID(),
	})
}

func (a *Agent) observe(e provision.Event) {
	metrics.Observe(e)
	ri := store.ResourceInfo{
		Name:      e.Name,
		Kind:      string(e.Kind),
		State:     string(e.State),
		ElapsedMS: e.Elapsed.Milliseconds(),
	}
	if e.Err != nil {
		ri.Error = e.Err.Error()
		ri.ErrClass = faults.Class(e.Err)
	}
	a.resources.Upsert(ri)
}

func (a *Agent) checkHost(ctx context.Context) {
	rep, err := a.preflight(ctx, a.cfg.Airflow.HostDir, a.cfg.Runtime.DockerHost)
	if err != nil {
		log.Warn().Err(err).Msg("host preflight incomplete")
	}
	for _, w := range rep.Warnings {
		log.Warn().Str("check", "preflight").Msg(w)
	}
}

// pinVersion returns the tag to deploy: the configured one, or the highest
// tag matching a version constraint.
func pinVersion(ctx context.Context, resolver registry.ImageResolver, af config.Airflow) (string, error) {
	version := af.Version
	if !registry.IsConstraint(version) {
		return version, nil
	}
	r, ok := resolver.(*registry.Resolver)
	if !ok {
		return "", &faults.ConfigurationError{Field: "airflow.version", Reason: fmt.Sprintf("constraint %q needs registry access", version)}
	}
	ref, err := r.ResolveConstraint(ctx, af.Image, version)
	if err != nil {
		return "", err
	}
	tag := ref[strings.LastIndex(ref, ":")+1:]
	log.Info().Str("constraint", version).Str("version", tag).Msg("airflow version pinned")
	return tag, nil
}

func (a *Agent) resolver() (registry.ImageResolver, error) {
	switch {
	case a.opts.Resolver != nil:
		return a.opts.Resolver, nil
	case a.opts.DryRun || a.cfg.Runtime.Offline:
		return registry.Offline{}, nil
	}
	return registry.NewResolver(), nil
}

func (a *Agent) provider() (runtime.Provider, func(), error) {
	noop := func() {}
	switch {
	case a.opts.Provider != nil:
		return a.opts.Provider, noop, nil
	case a.opts.DryRun:
		return runtime.NewRecorder(), noop, nil
	}
	var opts []docker.Option
	if p := a.cfg.Runtime.Platform; p != "" {
		goos, goarch, _ := strings.Cut(p, "/")
		opts = append(opts, docker.WithPlatform(goos, goarch))
	}
	p, err := docker.New(a.cfg.Runtime.DockerHost, a.cfg.Stack.Name, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("docker: %w", err)
	}
	return p, func() { _ = p.Close() }, nil
}

func (a *Agent) publish(ctx context.Context, values map[string]string) error {
	pub := a.opts.Publisher
	if pub == nil {
		var err error
		if pub, err = publishers(a.cfg); err != nil {
			return err
		}
	}
	defer pub.Close()

	snap := a.Snapshot()
	doc := outputs.Document{
		DeploymentID: snap.DeploymentID,
		Stack:        snap.Stack,
		Values:       values,
		PublishedAt:  time.Now().UTC(),
	}
	return pub.Publish(ctx, doc)
}

// publishers builds the configured fan-out. The outputs file is always
// written.
func publishers(cfg *config.Config) (outputs.Publisher, error) {
	multi := outputs.Multi{outputs.File{Path: cfg.Outputs.File}}
	if cfg.Outputs.NATSURL != "" {
		n, err := outputs.NewNATS(cfg.Outputs.NATSURL, cfg.Outputs.NATSSubject)
		if err != nil {
			_ = multi.Close()
			return nil, err
		}
		multi = append(multi, n)
	}
	if cfg.Outputs.MQTTBroker != "" {
		m, err := outputs.NewMQTT(cfg.Outputs.MQTTBroker, cfg.Outputs.MQTTTopic, "airstack-"+cfg.Stack.Name)
		if err != nil {
			_ = multi.Close()
			return nil, err
		}
		multi = append(multi, m)
	}
	return multi, nil
}

// credentialSource picks the file-backed source when a credentials file is
// configured. With placeholders, missing values never fail resolution.
func credentialSource(cfg *config.Config, placeholders bool) credentials.Source {
	static := credentials.Static{
		Bucket:      cfg.AWS.Bucket,
		AccessKeyID: cfg.AWS.AccessKeyID,
		Secret:      cfg.AWS.SecretAccessKey,
	}
	if placeholders {
		static.Bucket = defaultString(static.Bucket, placeholder)
		static.AccessKeyID = defaultString(static.AccessKeyID, placeholder)
		static.Secret = defaultString(static.Secret, placeholder)
		return static
	}
	if cfg.AWS.CredentialsFile != "" {
		return credentials.File{Path: cfg.AWS.CredentialsFile, Fallback: static}
	}
	return static
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// teardownOrder lists containers in reverse declaration order.
func teardownOrder(stack *airflow.Stack, layers [][]string) []string {
	var out []string
	for _, layer := range layers {
		for _, name := range layer {
			switch stack.Kind(name) {
			case provision.KindContainer, provision.KindTask:
				out = append(out, name)
			}
		}
	}
	slices.Reverse(out)
	return out
}

func planStatus(res *provision.Result, err error) state.PlanStatus {
	ps := state.PlanStatus{Status: StatusApplied, Updated: time.Now().UTC()}
	if err == nil {
		return ps
	}
	ps.Error = err.Error()
	ps.Status = StatusFailed
	if res != nil && len(res.Declared) > 0 {
		ps.Status = StatusPartial
	}
	return ps
}

func (a *Agent) setSnapshot(snap state.Snapshot) {
	a.mu.Lock()
	a.snap = snap
	a.mu.Unlock()
}

func (a *Agent) persist() {
	if a.opts.DryRun {
		return
	}
	if err := state.Save(a.cfg.Stack.StateDir, a.Snapshot()); err != nil {
		log.Warn().Err(err).Str("dir", a.cfg.Stack.StateDir).Msg("snapshot save failed")
	}
}
