package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlosprados/airstack/internal/faults"
)

const testDigest = "sha256:0000000000000000000000000000000000000000000000000000000000000001"

func fakeResolver(t *testing.T, headErr error, tags []string) *Resolver {
	t.Helper()
	return &Resolver{
		keychain: authn.DefaultKeychain,
		head: func(ref name.Reference, _ ...remote.Option) (*v1.Descriptor, error) {
			if headErr != nil {
				return nil, headErr
			}
			h, err := v1.NewHash(testDigest)
			require.NoError(t, err)
			return &v1.Descriptor{Digest: h}, nil
		},
		list: func(name.Repository, ...remote.Option) ([]string, error) { return tags, nil },
	}
}

func TestResolvePinsDigest(t *testing.T) {
	r := fakeResolver(t, nil, nil)
	ref, err := r.Resolve(context.Background(), "apache/airflow:2.9.0")
	require.NoError(t, err)
	assert.Equal(t, "apache/airflow:2.9.0", ref.Source)
	assert.Equal(t, testDigest, ref.Digest)
	assert.Equal(t, "index.docker.io/apache/airflow@"+testDigest, ref.Name)
}

func TestResolveFailureIsResolutionError(t *testing.T) {
	r := fakeResolver(t, errors.New("MANIFEST_UNKNOWN"), nil)
	_, err := r.Resolve(context.Background(), "apache/airflow:9.9.9")
	require.Error(t, err)
	var re *faults.ResolutionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "apache/airflow:9.9.9", re.Subject)

	_, err = r.Resolve(context.Background(), "UPPER/case:bad tag")
	assert.True(t, faults.IsResolution(err))
}

func TestResolveConstraintPicksHighest(t *testing.T) {
	r := fakeResolver(t, nil, []string{"2.8.4", "2.9.0", "2.9.3", "2.9.4rc1", "2.10.0", "latest", "slim-2.9.1"})
	img, err := r.ResolveConstraint(context.Background(), "apache/airflow", "2.9.x")
	require.NoError(t, err)
	assert.Equal(t, "index.docker.io/apache/airflow:2.9.3", img)

	_, err = r.ResolveConstraint(context.Background(), "apache/airflow", "3.x")
	assert.True(t, faults.IsResolution(err))

	_, err = r.ResolveConstraint(context.Background(), "apache/airflow", "not a range")
	assert.True(t, faults.IsConfiguration(err))
}

func TestOffline(t *testing.T) {
	ref, err := Offline{}.Resolve(context.Background(), "redis:latest")
	require.NoError(t, err)
	assert.Equal(t, "redis:latest", ref.Name)
	assert.Empty(t, ref.Digest)
}

func TestValidateTag(t *testing.T) {
	for _, tag := range []string{"2.9.0", "v2.10.1", "slim-2.9.0", "2.9.0-python3.11", "latest"} {
		assert.NoError(t, ValidateTag(tag), tag)
	}
	for _, tag := range []string{"2.9/0", "has space", ":2.9.0"} {
		assert.True(t, faults.IsConfiguration(ValidateTag(tag)), tag)
	}

	assert.True(t, IsConstraint("2.9.x"))
	assert.True(t, IsConstraint("^2.8"))
	assert.False(t, IsConstraint("2.9.0"))
}
