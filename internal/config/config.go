// Package config loads the stack file, .env files and AIRSTACK_* overrides
// into one validated Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/carlosprados/airstack/internal/faults"
	"github.com/carlosprados/airstack/internal/validate"
)

type Config struct {
	Stack    Stack    `toml:"stack"`
	Airflow  Airflow  `toml:"airflow"`
	Database Database `toml:"database"`
	Cache    Cache    `toml:"cache"`
	Admin    Admin    `toml:"admin"`
	AWS      AWS      `toml:"aws"`
	Outputs  Outputs  `toml:"outputs"`
	Runtime  Runtime  `toml:"runtime"`
}

type Stack struct {
	Name        string `toml:"name" validate:"required"`
	Network     string `toml:"network" validate:"required"`
	StateDir    string `toml:"state_dir" validate:"required"`
	Parallelism int    `toml:"parallelism" validate:"gte=0,lte=64"`
}

type Airflow struct {
	Version       string `toml:"version"`
	Image         string `toml:"image" validate:"required"`
	HostDir       string `toml:"host_dir" validate:"required"`
	SecretKey     string `toml:"secret_key" validate:"required"`
	UID           *int   `toml:"uid" validate:"omitempty,gte=0"`
	WebserverPort int    `toml:"webserver_port" validate:"gte=1,lte=65535"`
	FlowerPort    int    `toml:"flower_port" validate:"gte=1,lte=65535"`
}

// Database credentials are for the local metadata store only.
type Database struct {
	Image     string `toml:"image" validate:"required"`
	Container string `toml:"container" validate:"required"`
	Volume    string `toml:"volume" validate:"required"`
	User      string `toml:"user" validate:"required"`
	Password  string `toml:"password" validate:"required"`
	Name      string `toml:"name" validate:"required"`
	Port      int    `toml:"port" validate:"gte=1,lte=65535"`
}

type Cache struct {
	Image     string `toml:"image" validate:"required"`
	Container string `toml:"container" validate:"required"`
	Port      int    `toml:"port" validate:"gte=1,lte=65535"`
}

type Admin struct {
	Create   *bool  `toml:"create"`
	Username string `toml:"username" validate:"required"`
	Password string `toml:"password" validate:"required"`
}

type AWS struct {
	Region          string `toml:"region"`
	Bucket          string `toml:"bucket"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	CredentialsFile string `toml:"credentials_file"`
}

type Outputs struct {
	File        string `toml:"file"`
	NATSURL     string `toml:"nats_url" validate:"omitempty,url"`
	NATSSubject string `toml:"nats_subject"`
	MQTTBroker  string `toml:"mqtt_broker" validate:"omitempty,url"`
	MQTTTopic   string `toml:"mqtt_topic"`
}

type Runtime struct {
	DockerHost    string `toml:"docker_host"`
	Platform      string `toml:"platform"`
	ListenAddr    string `toml:"listen_addr" validate:"omitempty,hostname_port"`
	Offline       bool   `toml:"offline"`
	SkipPreflight bool   `toml:"skip_preflight"`
}

// CreateAdmin reports whether the init task creates the web UI user.
func (a Admin) CreateAdmin() bool { return a.Create == nil || *a.Create }

// Defaults returns a configuration for a local deployment. Region and
// version have no default.
func Defaults() *Config {
	return &Config{
		Stack: Stack{Name: "local", Network: "local-airflow-v1-network", StateDir: ".airstack"},
		Airflow: Airflow{
			Image:         "apache/airflow",
			HostDir:       "../airflow",
			SecretKey:     "local-airflow-secret",
			WebserverPort: 8080,
			FlowerPort:    5555,
		},
		Database: Database{
			Image:     "postgres:16-bookworm",
			Container: "airflow_postgres",
			Volume:    "airflow_postgres_volume",
			User:      "airflow",
			Password:  "airflow",
			Name:      "airflow",
			Port:      5433,
		},
		Cache:   Cache{Image: "redis:7.2-bookworm", Container: "airflow-redis", Port: 6379},
		Admin:   Admin{Username: "airflow", Password: "airflow"},
		Outputs: Outputs{NATSSubject: "airstack.outputs", MQTTTopic: "airstack/outputs"},
		Runtime: Runtime{ListenAddr: "127.0.0.1:9464"},
	}
}

// Load reads path (optional), applies environment overrides and validates
// the result. A missing region or version is a ConfigurationError.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	dir := ""
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read stack file: %w", err)
		}
		var generic map[string]any
		if err := toml.Unmarshal(b, &generic); err != nil {
			return nil, &faults.ConfigurationError{Field: filepath.Base(path), Reason: err.Error()}
		}
		if err := validate.ValidateStackMap(generic); err != nil {
			return nil, &faults.ConfigurationError{Field: filepath.Base(path), Reason: err.Error()}
		}
		if err := toml.Unmarshal(b, cfg); err != nil {
			return nil, &faults.ConfigurationError{Field: filepath.Base(path), Reason: err.Error()}
		}
		dir = filepath.Dir(path)
	}
	LoadDotEnvDefault(dir)
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if cfg.Outputs.File == "" {
		cfg.Outputs.File = filepath.Join(cfg.Stack.StateDir, "outputs.json")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	str(&c.AWS.Region, "AIRSTACK_AWS_REGION", "AWS_REGION")
	str(&c.Airflow.Version, "AIRSTACK_AIRFLOW_VERSION")
	str(&c.Airflow.SecretKey, "AIRSTACK_SECRET_KEY")
	str(&c.Airflow.HostDir, "AIRSTACK_HOST_DIR")
	str(&c.AWS.Bucket, "AIRSTACK_S3_BUCKET")
	str(&c.AWS.AccessKeyID, "AIRSTACK_AWS_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID")
	str(&c.AWS.SecretAccessKey, "AIRSTACK_AWS_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY")
	str(&c.AWS.CredentialsFile, "AIRSTACK_CREDENTIALS_FILE")
	str(&c.Database.Password, "AIRSTACK_DB_PASSWORD")
	str(&c.Admin.Password, "AIRSTACK_ADMIN_PASSWORD")
	str(&c.Outputs.NATSURL, "AIRSTACK_NATS_URL")
	str(&c.Outputs.MQTTBroker, "AIRSTACK_MQTT_BROKER")
	str(&c.Runtime.DockerHost, "AIRSTACK_DOCKER_HOST")
	str(&c.Stack.StateDir, "AIRSTACK_STATE_DIR")

	if v, ok := lookup("AIRSTACK_PARALLELISM"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &faults.ConfigurationError{Field: "AIRSTACK_PARALLELISM", Reason: "not an integer"}
		}
		c.Stack.Parallelism = n
	}
	if v, ok := lookup("AIRFLOW_UID"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &faults.ConfigurationError{Field: "AIRFLOW_UID", Reason: "not an integer"}
		}
		c.Airflow.UID = &n
	}
	return nil
}

var structValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks required values first so their absence is reported by
// name, then the struct constraints.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.AWS.Region) == "" {
		return faults.Missing("aws.region")
	}
	if strings.TrimSpace(c.Airflow.Version) == "" {
		return faults.Missing("airflow.version")
	}
	if err := structValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			field := strings.TrimPrefix(fe.Namespace(), "Config.")
			return &faults.ConfigurationError{Field: field, Reason: fmt.Sprintf("failed %q constraint", fe.Tag())}
		}
		return &faults.ConfigurationError{Field: "config", Reason: err.Error()}
	}
	return nil
}

// ImageRef returns the application image reference for the configured version.
func (a Airflow) ImageRef() string { return a.Image + ":" + a.Version }
