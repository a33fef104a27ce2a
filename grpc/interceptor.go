// Package grpc provides a client-side interceptor that attaches the
// session's bearer token to outgoing calls and renews it once on an
// Unauthenticated response.
package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// DefaultMetadataKeyAuthorization is the default metadata key carrying the
// bearer token.
const DefaultMetadataKeyAuthorization = "authorization"

// Credentials supplies the current access token and its renewal. It is
// satisfied by *sessionkit.Session; Refresh is expected to be single-flight
// so concurrent failing calls share one renewal.
type Credentials interface {
	Token() (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Config configures the interceptor.
type Config struct {
	// MetadataKey for the bearer token. Defaults to "authorization".
	MetadataKey string

	// PublicMethods are full method names like "/package.Service/Method"
	// that are sent without credentials and never trigger a renewal.
	PublicMethods map[string]bool
}

// DefaultConfig returns a config that authenticates every method.
func DefaultConfig() *Config {
	return &Config{
		MetadataKey:   DefaultMetadataKeyAuthorization,
		PublicMethods: make(map[string]bool),
	}
}

// NewPublicMethodsConfig creates a config with the specified public methods.
func NewPublicMethodsConfig(publicMethods ...string) *Config {
	config := DefaultConfig()
	for _, method := range publicMethods {
		config.PublicMethods[method] = true
	}
	return config
}

// EnsureDefaults fills in default values for any unset fields.
func (c *Config) EnsureDefaults() {
	if c.MetadataKey == "" {
		c.MetadataKey = DefaultMetadataKeyAuthorization
	}
	if c.PublicMethods == nil {
		c.PublicMethods = make(map[string]bool)
	}
}

// UnaryClientInterceptor returns an interceptor that adds the bearer token
// to every non-public call. On codes.Unauthenticated it asks the
// credentials for one renewal and replays the call exactly once; a second
// failure, or a failed renewal, is surfaced as-is.
func UnaryClientInterceptor(creds Credentials, config *Config) grpc.UnaryClientInterceptor {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()

	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if config.PublicMethods[method] {
			return invoker(ctx, method, req, reply, cc, opts...)
		}

		token, err := creds.Token()
		if err != nil {
			return status.Error(codes.Unauthenticated, err.Error())
		}

		err = invoker(withToken(ctx, config.MetadataKey, token), method, req, reply, cc, opts...)
		if status.Code(err) != codes.Unauthenticated {
			return err
		}

		newToken, refreshErr := creds.Refresh(ctx)
		if refreshErr != nil {
			// The session has already been torn down; the original failure
			// is what the caller gets to see.
			return err
		}

		return invoker(withToken(ctx, config.MetadataKey, newToken), method, req, reply, cc, opts...)
	}
}

func withToken(ctx context.Context, key, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, key, "Bearer "+token)
}
