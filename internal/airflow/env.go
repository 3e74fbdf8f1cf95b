package airflow

import (
	"fmt"
	"net/url"

	"github.com/carlosprados/airstack/internal/credentials"
	"github.com/carlosprados/airstack/internal/deferred"
	"github.com/carlosprados/airstack/internal/resource"
)

// Internal ports on the stack network. Published host ports are configured
// separately and never appear in connection strings.
const (
	postgresPort = 5432
	redisPort    = 6379
)

// Database identifies the metadata store as seen from the stack network.
type Database struct {
	Host     *deferred.Value[string] // assigned container name
	User     string
	Password string
	Name     string
}

// EnvInputs are the sources of the shared application environment.
type EnvInputs struct {
	Region    string
	Creds     credentials.Handles
	Database  Database
	CacheHost *deferred.Value[string]
	SecretKey string
}

// CommonEnv composes the environment every Airflow container starts from.
// Entry order is fixed; containers extend the returned bundle and never
// reorder it.
func CommonEnv(in EnvInputs) (resource.Bundle, error) {
	return resource.NewBundle(
		resource.Lit("AWS_REGION", in.Region),
		resource.Ref("S3_BUCKET_URL", deferred.Map(in.Creds.Bucket, func(b string) string { return "s3://" + b })),
		resource.Ref("AWS_ACCESS_KEY", in.Creds.AccessKeyID),
		resource.Ref("AWS_SECRETS_TOKEN", in.Creds.Secret),
		resource.Lit("AIRFLOW__CORE__EXECUTOR", "CeleryExecutor"),
		resource.Ref("AIRFLOW__DATABASE__SQL_ALCHEMY_CONN", in.Database.URL("postgresql+psycopg2")),
		resource.Ref("AIRFLOW__CELERY__RESULT_BACKEND", in.Database.URL("db+postgresql")),
		resource.Ref("AIRFLOW__CELERY__BROKER_URL", deferred.Map(in.CacheHost, func(h string) string {
			return fmt.Sprintf("redis://:@%s:%d/0", h, redisPort)
		})),
		resource.Lit("AIRFLOW__CORE__DAGS_ARE_PAUSED_AT_CREATION", "true"),
		resource.Lit("AIRFLOW__API__AUTH_BACKENDS", "airflow.api.auth.backend.basic_auth,airflow.api.auth.backend.session"),
		resource.Lit("AIRFLOW__WEBSERVER__SECRET_KEY", in.SecretKey),
	)
}

// URL renders a connection string for scheme. Every scheme reads the same
// Host value, so all strings agree on the resolved database identity.
func (d Database) URL(scheme string) *deferred.Value[string] {
	user := url.UserPassword(d.User, d.Password).String()
	return deferred.Map(d.Host, func(host string) string {
		return fmt.Sprintf("%s://%s@%s:%d/%s", scheme, user, host, postgresPort, d.Name)
	})
}
