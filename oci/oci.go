// Package oci provides sockets for content held in OCI content stores, such
// as registry repositories and the in-memory and OCI-layout stores of ORAS.
//
// Input sockets fetch a blob by descriptor and verify its size and digest.
// Output sockets push content as a blob. When the connected input socket
// reports a descriptor, output sockets stream directly to the store and skip
// content the store already holds.
package oci

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/errcode"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// DefaultMediaType is the media type of pushed content when neither an
// option nor the peer descriptor provides one.
const DefaultMediaType = "application/octet-stream"

var (
	// ErrNotFound is returned when the content does not exist in the store.
	ErrNotFound = errors.New("oci: not found")

	// ErrUnauthorized is returned when the registry rejects the credentials.
	ErrUnauthorized = errors.New("oci: unauthorized")

	// ErrForbidden is returned when the registry denies access.
	ErrForbidden = errors.New("oci: forbidden")

	// ErrInvalidDescriptor is returned for descriptors without a valid
	// digest or with a negative size.
	ErrInvalidDescriptor = errors.New("oci: invalid descriptor")

	// ErrInvalidReference is returned when a repository reference cannot be
	// parsed.
	ErrInvalidReference = errors.New("oci: invalid reference")

	// ErrDigestMismatch is returned when written content does not match the
	// descriptor of the peer it was copied from.
	ErrDigestMismatch = errors.New("oci: digest mismatch")

	// ErrClosed is returned when writing to a closed writer.
	ErrClosed = errors.New("oci: writer closed")
)

// Option configures a socket.
type Option func(*config)

type config struct {
	mediaType   string
	annotations map[string]string
	logger      *slog.Logger
}

// WithMediaType sets the media type of pushed content.
// It takes precedence over the media type of the peer descriptor.
func WithMediaType(mediaType string) Option {
	return func(c *config) {
		c.mediaType = mediaType
	}
}

// WithAnnotations sets annotations on the pushed descriptor.
// They are merged over the annotations of the peer descriptor.
func WithAnnotations(annotations map[string]string) Option {
	return func(c *config) {
		c.annotations = annotations
	}
}

// WithLogger sets the logger for socket operations.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

func newConfig(opts []Option) config {
	var c config
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// log returns the logger, falling back to a discard logger if nil.
func (c *config) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// RepositoryOption configures NewRepository.
type RepositoryOption func(*repositoryConfig)

type repositoryConfig struct {
	plainHTTP  bool
	userAgent  string
	credential auth.CredentialFunc
	dockerAuth bool
}

// WithPlainHTTP uses HTTP instead of HTTPS to reach the registry.
func WithPlainHTTP(plain bool) RepositoryOption {
	return func(c *repositoryConfig) {
		c.plainHTTP = plain
	}
}

// WithUserAgent sets the User-Agent header of registry requests.
func WithUserAgent(ua string) RepositoryOption {
	return func(c *repositoryConfig) {
		c.userAgent = ua
	}
}

// WithStaticCredentials authenticates to registry with a username and
// password.
func WithStaticCredentials(registry, username, password string) RepositoryOption {
	return func(c *repositoryConfig) {
		c.credential = auth.StaticCredential(registry, auth.Credential{
			Username: username,
			Password: password,
		})
	}
}

// WithDockerCredentials reads credentials from the Docker config
// (~/.docker/config.json) and its credential helpers.
func WithDockerCredentials() RepositoryOption {
	return func(c *repositoryConfig) {
		c.dockerAuth = true
	}
}

// NewRepository returns a registry repository for ref
// ("registry/name[:tag|@digest]") with a retrying, authenticating client.
//
// The repository satisfies both content.Fetcher and content.Pusher, so it
// can back input and output sockets.
func NewRepository(ref string, opts ...RepositoryOption) (*remote.Repository, error) {
	cfg := repositoryConfig{userAgent: "iosocket/1.0"}
	for _, opt := range opts {
		opt(&cfg)
	}

	repo, err := remote.NewRepository(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidReference, ref, err)
	}

	credential := cfg.credential
	if cfg.dockerAuth {
		store, err := credentials.NewStoreFromDocker(credentials.StoreOptions{})
		if err != nil {
			return nil, fmt.Errorf("load docker credentials: %w", err)
		}
		credential = func(ctx context.Context, hostport string) (auth.Credential, error) {
			return store.Get(ctx, hostport)
		}
	}
	if credential == nil {
		credential = func(context.Context, string) (auth.Credential, error) {
			return auth.EmptyCredential, nil
		}
	}

	repo.PlainHTTP = cfg.plainHTTP
	repo.Client = &auth.Client{
		Client:     retry.DefaultClient,
		Cache:      auth.NewCache(),
		Credential: credential,
		Header: http.Header{
			"User-Agent": []string{cfg.userAgent},
		},
	}
	return repo, nil
}

func validateDescriptor(desc ocispec.Descriptor) error {
	if desc.Size < 0 {
		return fmt.Errorf("%w: negative size %d", ErrInvalidDescriptor, desc.Size)
	}
	if desc.Digest == "" {
		return fmt.Errorf("%w: empty digest", ErrInvalidDescriptor)
	}
	if err := desc.Digest.Validate(); err != nil {
		return fmt.Errorf("%w: invalid digest %q: %v", ErrInvalidDescriptor, desc.Digest, err)
	}
	return nil
}

// mapError maps ORAS errors to our sentinel errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errdef.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	// ORAS wraps HTTP errors, check for specific error types
	var errResp *errcode.ErrorResponse
	if errors.As(err, &errResp) {
		switch errResp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrForbidden, err)
		}
	}
	return err
}
