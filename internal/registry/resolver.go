// Package registry turns name:tag references into pullable, pinned images.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"

	mvc "github.com/Masterminds/semver/v3"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/rs/zerolog/log"

	"github.com/carlosprados/airstack/internal/faults"
	"github.com/carlosprados/airstack/internal/resource"
)

// ImageResolver resolves a requested image into an ImageRef.
type ImageResolver interface {
	Resolve(ctx context.Context, source string) (resource.ImageRef, error)
}

// Resolver queries the registry for the manifest digest of a tag.
type Resolver struct {
	keychain authn.Keychain
	head     func(name.Reference, ...remote.Option) (*v1.Descriptor, error)
	list     func(name.Repository, ...remote.Option) ([]string, error)
}

func NewResolver() *Resolver {
	return &Resolver{
		keychain: authn.DefaultKeychain,
		head:     remote.Head,
		list:     remote.List,
	}
}

// Resolve pins source to the digest the registry currently serves for it.
// Failures are ResolutionErrors and are not retried.
func (r *Resolver) Resolve(ctx context.Context, source string) (resource.ImageRef, error) {
	ref, err := name.ParseReference(source)
	if err != nil {
		return resource.ImageRef{}, faults.Unresolved(source, err)
	}
	desc, err := r.head(ref, remote.WithAuthFromKeychain(r.keychain), remote.WithContext(ctx))
	if err != nil {
		return resource.ImageRef{}, faults.Unresolved(source, err)
	}
	digest := desc.Digest.String()
	pinned := ref.Context().Digest(digest)
	log.Debug().Str("image", source).Str("digest", digest).Msg("image resolved")
	return resource.ImageRef{Source: source, Digest: digest, Name: pinned.Name()}, nil
}

// ResolveConstraint returns image:<tag> for the highest tag of image's
// repository satisfying policy, e.g. "2.9.x" or "^2.8".
func (r *Resolver) ResolveConstraint(ctx context.Context, image, policy string) (string, error) {
	constraint, err := mvc.NewConstraint(policy)
	if err != nil {
		return "", &faults.ConfigurationError{Field: "airflow_version", Reason: fmt.Sprintf("invalid constraint %q", policy)}
	}
	ref, err := name.ParseReference(image)
	if err != nil {
		return "", faults.Unresolved(image, err)
	}
	repo := ref.Context()
	tags, err := r.list(repo, remote.WithAuthFromKeychain(r.keychain), remote.WithContext(ctx))
	if err != nil {
		return "", faults.Unresolved(repo.Name(), err)
	}
	var versions []*mvc.Version
	original := map[string]string{}
	for _, t := range tags {
		v, err := mvc.NewVersion(t)
		if err != nil || v.Prerelease() != "" {
			continue
		}
		if constraint.Check(v) {
			versions = append(versions, v)
			original[v.String()] = t
		}
	}
	if len(versions) == 0 {
		return "", faults.Unresolved(repo.Name(), fmt.Errorf("no tag matches %q", policy))
	}
	sort.Sort(mvc.Collection(versions))
	best := versions[len(versions)-1]
	return fmt.Sprintf("%s:%s", repo.Name(), original[best.String()]), nil
}

// Offline resolves references without contacting a registry. Used by dry
// runs and compose export; the digest stays empty.
type Offline struct{}

func (Offline) Resolve(_ context.Context, source string) (resource.ImageRef, error) {
	if _, err := name.ParseReference(source); err != nil {
		return resource.ImageRef{}, faults.Unresolved(source, err)
	}
	return resource.ImageRef{Source: source, Name: source}, nil
}

// ValidateTag accepts an application version such as 2.9.0 as well as any
// other well-formed image tag (slim-2.9.0, latest).
func ValidateTag(tag string) error {
	tag = strings.TrimSpace(tag)
	if _, err := mvc.NewVersion(tag); err == nil {
		return nil
	}
	if _, err := name.NewTag("airflow:"+tag, name.StrictValidation); err != nil {
		return &faults.ConfigurationError{Field: "airflow_version", Reason: fmt.Sprintf("%q is not an image tag: %v", tag, err)}
	}
	return nil
}

// IsConstraint reports whether s is a version range rather than a tag.
func IsConstraint(s string) bool {
	return strings.ContainsAny(s, "xX*^~<>=| ,")
}

var (
	_ ImageResolver = (*Resolver)(nil)
	_ ImageResolver = Offline{}
)
