package image

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"

	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// RegistryVerifier resolves tags against the remote registry using the
// operator's docker credential store.
type RegistryVerifier struct {
	// PlainHTTP talks to the registry over HTTP, for local registries.
	PlainHTTP bool
	// InsecureTLS skips certificate verification.
	InsecureTLS bool

	client *auth.Client
}

// NewRegistryVerifier creates a verifier backed by the docker credential store.
func NewRegistryVerifier(plainHTTP, insecureTLS bool) (*RegistryVerifier, error) {
	store, err := credentials.NewStoreFromDocker(credentials.StoreOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to load docker credentials: %w", err)
	}

	httpClient := retry.DefaultClient
	if insecureTLS {
		httpClient = &http.Client{
			Transport: retry.NewTransport(&http.Transport{
				Proxy: http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: true, //nolint:gosec // opt-in for self-signed registries
				},
			}),
		}
	}

	return &RegistryVerifier{
		PlainHTTP:   plainHTTP,
		InsecureTLS: insecureTLS,
		client: &auth.Client{
			Client:     httpClient,
			Cache:      auth.NewCache(),
			Credential: credentials.Credential(store),
		},
	}, nil
}

func (v *RegistryVerifier) repository(ref Reference) (*remote.Repository, error) {
	repo, err := remote.NewRepository(ref.Repository())
	if err != nil {
		return nil, fmt.Errorf("invalid repository %q: %w", ref.Repository(), err)
	}
	repo.PlainHTTP = v.PlainHTTP
	repo.Client = v.client
	return repo, nil
}

// Verify resolves ref's tag and returns the manifest digest.
func (v *RegistryVerifier) Verify(ctx context.Context, ref Reference) (string, error) {
	repo, err := v.repository(ref)
	if err != nil {
		return "", err
	}
	desc, err := repo.Resolve(ctx, ref.Tag)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", ref, err)
	}
	return desc.Digest.String(), nil
}

// Exists reports whether the registry already stores ref's tag.
func (v *RegistryVerifier) Exists(ctx context.Context, ref Reference) (bool, error) {
	repo, err := v.repository(ref)
	if err != nil {
		return false, err
	}
	_, err = repo.Resolve(ctx, ref.Tag)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errdef.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("failed to look up %s: %w", ref, err)
	}
}
