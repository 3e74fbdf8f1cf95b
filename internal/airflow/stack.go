// Package airflow declares the local Airflow stack: network, images,
// Postgres and Redis, the init task and the application containers.
package airflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/carlosprados/airstack/internal/config"
	"github.com/carlosprados/airstack/internal/credentials"
	"github.com/carlosprados/airstack/internal/deferred"
	"github.com/carlosprados/airstack/internal/faults"
	"github.com/carlosprados/airstack/internal/provision"
	"github.com/carlosprados/airstack/internal/registry"
	"github.com/carlosprados/airstack/internal/resource"
	"github.com/carlosprados/airstack/internal/runtime"
)

// Image nodes.
const (
	ImagePostgres = "image:postgres"
	ImageRedis    = "image:redis"
	ImageAirflow  = "image:airflow"
)

// Application containers.
const (
	Init      = "airflow-init"
	Webserver = "airflow-webserver"
	Scheduler = "airflow-scheduler"
	Triggerer = "airflow-triggerer"
	Worker    = "airflow-celery-worker"
	Flower    = "airflow-flower"
)

// Published output keys.
const (
	OutNetwork       = "local-airflow-v1-network"
	OutPostgresID    = "postgres_container_id"
	OutRedisID       = "redis_container_id"
	OutWebserverName = "airflow-webserver-name"
	OutWorkerName    = "airflow-celery-worker-name"
	OutSchedulerName = "airflow-worker-scheduler"
	OutTriggererName = "airflow-worker-triggerer"
)

const LabelComponent = "airstack.component"

// Deps are the collaborators a Stack declares against.
type Deps struct {
	Resolver    registry.ImageResolver
	Provider    runtime.Provider
	Credentials credentials.Handles
	HostUID     int
}

// Stack is the declared resource graph of one deployment.
type Stack struct {
	cfg     *config.Config
	deps    Deps
	hostDir string

	resources []*provision.Resource
	specs     map[string]*resource.ContainerSpec
	kinds     map[string]provision.Kind

	network *deferred.Promise[resource.NetworkRef]
	images  map[string]*deferred.Promise[resource.ImageRef]
	volume  *deferred.Promise[resource.VolumeRef]
	names   map[string]*deferred.Promise[string]
	handles map[string]*deferred.Promise[runtime.Handle]
	outputs map[string]*deferred.Value[string]
}

// Define validates cfg and builds the full declaration graph. Nothing is
// declared until Apply.
func Define(cfg *config.Config, deps Deps) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := registry.ValidateTag(cfg.Airflow.Version); err != nil {
		return nil, err
	}
	if deps.Resolver == nil || deps.Provider == nil {
		return nil, errors.New("airflow stack: resolver and provider are required")
	}
	if deps.Credentials.Bucket == nil || deps.Credentials.AccessKeyID == nil || deps.Credentials.Secret == nil {
		deps.Credentials = credentials.Static{}.Handles()
	}
	hostDir, err := filepath.Abs(cfg.Airflow.HostDir)
	if err != nil {
		return nil, &faults.ConfigurationError{Field: "airflow.host_dir", Reason: err.Error()}
	}

	s := &Stack{
		cfg:     cfg,
		deps:    deps,
		hostDir: hostDir,
		specs:   map[string]*resource.ContainerSpec{},
		kinds:   map[string]provision.Kind{},
		images:  map[string]*deferred.Promise[resource.ImageRef]{},
		names:   map[string]*deferred.Promise[string]{},
		handles: map[string]*deferred.Promise[runtime.Handle]{},
	}

	netName := cfg.Stack.Network
	s.network = deferred.NewPromise[resource.NetworkRef](netName)
	s.add(netName, provision.KindNetwork, nil, s.declareNetwork)

	for _, img := range [][2]string{
		{ImagePostgres, cfg.Database.Image},
		{ImageRedis, cfg.Cache.Image},
		{ImageAirflow, cfg.Airflow.ImageRef()},
	} {
		node := img[0]
		s.images[node] = deferred.NewPromise[resource.ImageRef](node)
		s.add(node, provision.KindImage, nil, s.declareImage(node, img[1]))
	}

	s.volume = deferred.NewPromise[resource.VolumeRef](cfg.Database.Volume)
	s.add(cfg.Database.Volume, provision.KindVolume, nil, s.declareVolume)

	for _, n := range []string{cfg.Database.Container, cfg.Cache.Container, Init, Webserver, Scheduler, Triggerer, Worker, Flower} {
		s.names[n] = deferred.NewPromise[string](n)
		s.handles[n] = deferred.NewPromise[runtime.Handle](n)
	}

	specs, err := s.containerSpecs()
	if err != nil {
		return nil, err
	}
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		kind := provision.KindContainer
		if spec.RunOnce {
			kind = provision.KindTask
		}
		s.specs[spec.Name] = spec
		s.add(spec.Name, kind, spec.Inputs(), s.declareContainer(spec))
	}

	if ws := s.specs[Webserver]; !slices.Contains(ws.DependsOn, cfg.Cache.Container) {
		log.Warn().Str("container", Webserver).Str("cache", cfg.Cache.Container).
			Msg("webserver does not wait for the cache explicitly; it is ordered after it only through the broker url")
	}

	s.outputs = map[string]*deferred.Value[string]{
		OutNetwork:       deferred.Map(s.network.Value(), func(n resource.NetworkRef) string { return n.Name }),
		OutPostgresID:    s.containerID(cfg.Database.Container),
		OutRedisID:       s.containerID(cfg.Cache.Container),
		OutWebserverName: s.names[Webserver].Value(),
		OutWorkerName:    s.names[Worker].Value(),
		OutSchedulerName: s.names[Scheduler].Value(),
		OutTriggererName: s.names[Triggerer].Value(),
	}
	return s, nil
}

func (s *Stack) add(name string, kind provision.Kind, deps []string, fn func(context.Context) error) {
	s.kinds[name] = kind
	s.resources = append(s.resources, provision.NewResource(name, kind, deps, fn))
}

func (s *Stack) containerID(name string) *deferred.Value[string] {
	return deferred.Map(s.handles[name].Value(), func(h runtime.Handle) string { return h.ID })
}

func probe(test ...string) *resource.HealthProbe {
	return &resource.HealthProbe{
		Test:        test,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		Retries:     5,
		StartPeriod: 30 * time.Second,
	}
}

func (s *Stack) containerSpecs() ([]*resource.ContainerSpec, error) {
	cfg := s.cfg
	net := s.network.Value()
	db, cache := cfg.Database.Container, cfg.Cache.Container

	pgEnv, err := resource.NewBundle(
		resource.Lit("POSTGRES_PASSWORD", cfg.Database.Password),
		resource.Lit("POSTGRES_USER", cfg.Database.User),
		resource.Lit("POSTGRES_DB", cfg.Database.Name),
	)
	if err != nil {
		return nil, err
	}
	postgres := &resource.ContainerSpec{
		Name:    db,
		Image:   s.images[ImagePostgres].Value(),
		Network: net,
		Command: []string{"postgres"},
		Env:     pgEnv,
		Ports:   []resource.PortMapping{{Internal: postgresPort, External: cfg.Database.Port}},
		Volumes: []*deferred.Value[resource.VolumeRef]{s.volume.Value()},
		Health: &resource.HealthProbe{
			Test:        []string{"CMD", "pg_isready", "-U", cfg.Database.User},
			Interval:    10 * time.Second,
			Retries:     5,
			StartPeriod: 5 * time.Second,
		},
		Restart: resource.RestartUnlessStopped,
		Labels:  map[string]string{LabelComponent: "postgres"},
	}
	redis := &resource.ContainerSpec{
		Name:    cache,
		Image:   s.images[ImageRedis].Value(),
		Network: net,
		Ports:   []resource.PortMapping{{Internal: redisPort, External: cfg.Cache.Port}},
		Health: &resource.HealthProbe{
			Test:        []string{"CMD", "redis-cli", "ping"},
			Interval:    10 * time.Second,
			Timeout:     30 * time.Second,
			Retries:     50,
			StartPeriod: 30 * time.Second,
		},
		Restart: resource.RestartUnlessStopped,
		Labels:  map[string]string{LabelComponent: "redis"},
	}

	common, err := CommonEnv(EnvInputs{
		Region: cfg.AWS.Region,
		Creds:  s.deps.Credentials,
		Database: Database{
			Host:     s.names[db].Value(),
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Name:     cfg.Database.Name,
		},
		CacheHost: s.names[cache].Value(),
		SecretKey: cfg.Airflow.SecretKey,
	})
	if err != nil {
		return nil, err
	}

	uid := s.deps.HostUID
	if cfg.Airflow.UID != nil {
		uid = *cfg.Airflow.UID
	}
	var initVars []resource.Var
	if cfg.Admin.CreateAdmin() {
		initVars = append(initVars,
			resource.Lit("_AIRFLOW_WWW_USER_CREATE", "true"),
			resource.Lit("_AIRFLOW_WWW_USER_USERNAME", cfg.Admin.Username),
			resource.Lit("_AIRFLOW_WWW_USER_PASSWORD", cfg.Admin.Password),
		)
	}
	initVars = append(initVars, resource.Lit("AIRFLOW_UID", strconv.Itoa(uid)))
	initEnv, err := common.Extend(initVars...)
	if err != nil {
		return nil, err
	}
	workerEnv, err := common.Extend(resource.Lit("DUMB_INIT_SETSID", "0"))
	if err != nil {
		return nil, err
	}
	schedulerEnv, err := common.Extend(resource.Ref("DB_HOST", s.names[cache].Value()))
	if err != nil {
		return nil, err
	}

	airflowImage := s.images[ImageAirflow].Value()
	mount := []resource.BindMount{{HostPath: s.hostDir, Target: "/opt/airflow"}}
	app := func(name, component string, env resource.Bundle, deps ...string) *resource.ContainerSpec {
		return &resource.ContainerSpec{
			Name:      name,
			Image:     airflowImage,
			Network:   net,
			Env:       env,
			Binds:     mount,
			Restart:   resource.RestartUnlessStopped,
			Labels:    map[string]string{LabelComponent: component},
			DependsOn: deps,
		}
	}

	initTask := app(Init, "init", initEnv, db)
	initTask.Entrypoint = []string{"/bin/bash"}
	initTask.Command = []string{"-c", initScript}
	initTask.User = "0:0"
	initTask.Restart = resource.RestartOnFailure
	initTask.Binds = append(slices.Clone(mount), resource.BindMount{HostPath: s.hostDir, Target: "/sources"})
	initTask.RunOnce = true

	webserver := app(Webserver, "webserver", common, Init, db)
	webserver.Command = []string{"webserver"}
	webserver.Ports = []resource.PortMapping{{Internal: 8080, External: cfg.Airflow.WebserverPort}}

	scheduler := app(Scheduler, "scheduler", schedulerEnv, Init, cache)
	scheduler.Entrypoint = []string{"/bin/bash"}
	scheduler.Command = []string{"-c", "/entrypoint airflow scheduler"}
	scheduler.Health = probe("CMD", "curl", "--fail", "http://localhost:8974/health")

	triggerer := app(Triggerer, "triggerer", common, Init, db)
	triggerer.Entrypoint = []string{"/bin/bash"}
	triggerer.Command = []string{"-c", "/entrypoint airflow triggerer"}
	triggerer.Health = probe("CMD-SHELL", `airflow jobs check --job-type TriggererJob --hostname "${HOSTNAME}"`)

	worker := app(Worker, "worker", workerEnv, Init)
	worker.Command = []string{"celery", "worker"}
	worker.Health = probe("CMD-SHELL",
		`celery --app airflow.providers.celery.executors.celery_executor.app inspect ping -d "celery@${HOSTNAME}" || `+
			`celery --app airflow.executors.celery_executor.app inspect ping -d "celery@${HOSTNAME}"`)

	flower := app(Flower, "flower", common, Init)
	flower.Command = []string{"celery", "flower"}
	flower.Health = probe("CMD", "curl", "--fail", "http://localhost:5555/")
	flower.Ports = []resource.PortMapping{{Internal: 5555, External: cfg.Airflow.FlowerPort}}

	return []*resource.ContainerSpec{postgres, redis, initTask, webserver, scheduler, triggerer, worker, flower}, nil
}

func (s *Stack) declareNetwork(ctx context.Context) error {
	ref, err := s.deps.Provider.EnsureNetwork(ctx, s.cfg.Stack.Network)
	return settle(s.network, ref, err)
}

func (s *Stack) declareImage(node, source string) func(context.Context) error {
	return func(ctx context.Context) error {
		ref, err := s.deps.Resolver.Resolve(ctx, source)
		if err == nil {
			ref, err = s.deps.Provider.PullImage(ctx, ref)
		}
		return settle(s.images[node], ref, faults.Unresolved(source, err))
	}
}

func (s *Stack) declareVolume(ctx context.Context) error {
	name, err := s.deps.Provider.EnsureVolume(ctx, s.cfg.Database.Volume)
	return settle(s.volume, resource.VolumeRef{Name: name, Target: "/var/lib/postgresql/data"}, err)
}

func (s *Stack) declareContainer(spec *resource.ContainerSpec) func(context.Context) error {
	return func(ctx context.Context) error {
		h, err := s.run(ctx, spec)
		if err != nil {
			s.names[spec.Name].Reject(err)
			s.handles[spec.Name].Reject(err)
			return err
		}
		s.names[spec.Name].Resolve(h.Name)
		s.handles[spec.Name].Resolve(h)
		return nil
	}
}

func (s *Stack) run(ctx context.Context, spec *resource.ContainerSpec) (runtime.Handle, error) {
	c, err := spec.Resolve(ctx)
	if err != nil {
		return runtime.Handle{}, err
	}
	h, err := s.deps.Provider.RunContainer(ctx, c)
	if err != nil {
		return runtime.Handle{}, fmt.Errorf("run %s: %w", spec.Name, err)
	}
	if !spec.RunOnce {
		return h, nil
	}
	log.Info().Str("task", spec.Name).Msg("waiting for task to exit")
	code, err := s.deps.Provider.WaitExit(ctx, h)
	if err != nil {
		return runtime.Handle{}, &faults.RuntimeHealthFailure{Resource: spec.Name, ExitCode: code, Detail: err.Error()}
	}
	if code != 0 {
		return runtime.Handle{}, &faults.RuntimeHealthFailure{Resource: spec.Name, ExitCode: code}
	}
	return h, nil
}

func settle[T any](p *deferred.Promise[T], v T, err error) error {
	if err != nil {
		p.Reject(err)
		return err
	}
	p.Resolve(v)
	return nil
}

// Apply declares the stack. Promises of resources that were never declared
// are rejected afterwards so no consumer waits on them.
func (s *Stack) Apply(ctx context.Context, opts provision.Options) (*provision.Result, error) {
	if opts.Parallelism == 0 {
		opts.Parallelism = s.cfg.Stack.Parallelism
	}
	res, err := provision.Apply(ctx, s.resources, opts)
	s.rejectPending(res, err)
	return res, err
}

func (s *Stack) rejectPending(res *provision.Result, applyErr error) {
	cause := func(name string) error {
		if res != nil {
			if e := res.Skipped[name]; e != nil {
				return e
			}
			if e := res.Failed[name]; e != nil {
				return e
			}
		}
		if applyErr != nil {
			return applyErr
		}
		return fmt.Errorf("%s was not declared", name)
	}
	s.network.Reject(cause(s.cfg.Stack.Network))
	s.volume.Reject(cause(s.cfg.Database.Volume))
	for n, p := range s.images {
		p.Reject(cause(n))
	}
	for n, p := range s.names {
		p.Reject(cause(n))
	}
	for n, p := range s.handles {
		p.Reject(cause(n))
	}
}

// Resources returns the graph nodes in definition order.
func (s *Stack) Resources() []*provision.Resource { return s.resources }

// ContainerDeps maps each container to the containers it waits for.
func (s *Stack) ContainerDeps() map[string][]string {
	out := map[string][]string{}
	for name, spec := range s.specs {
		var deps []string
		for _, in := range spec.Inputs() {
			if _, ok := s.specs[in]; ok {
				deps = append(deps, in)
			}
		}
		out[name] = deps
	}
	return out
}

// Kind returns the kind of node name.
func (s *Stack) Kind(name string) provision.Kind { return s.kinds[name] }

// Outputs returns every output whose source was declared.
func (s *Stack) Outputs(ctx context.Context) map[string]string {
	out := map[string]string{}
	for k, v := range s.outputs {
		if val, err := v.Await(ctx); err == nil {
			out[k] = val
		}
	}
	return out
}

// Handles returns the handles of every container declared so far.
func (s *Stack) Handles(ctx context.Context) map[string]runtime.Handle {
	out := map[string]runtime.Handle{}
	for n, p := range s.handles {
		v := p.Value()
		if !v.Done() {
			continue
		}
		if h, err := v.Await(ctx); err == nil {
			out[n] = h
		}
	}
	return out
}

// Teardown removes the containers in reverse dependency order. With purge
// the network and the database volume are removed as well.
func (s *Stack) Teardown(ctx context.Context, purge bool) error {
	g, err := provision.BuildGraph(s.resources)
	if err != nil {
		return err
	}
	order, err := g.Order()
	if err != nil {
		return err
	}
	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		switch s.kinds[name] {
		case provision.KindContainer, provision.KindTask:
			if err := s.deps.Provider.RemoveContainer(ctx, name); err != nil {
				errs = append(errs, err)
				continue
			}
			log.Info().Str("container", name).Msg("container removed")
		}
	}
	if purge {
		if err := s.deps.Provider.RemoveNetwork(ctx, s.cfg.Stack.Network); err != nil {
			errs = append(errs, err)
		}
		if err := s.deps.Provider.RemoveVolume(ctx, s.cfg.Database.Volume); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
