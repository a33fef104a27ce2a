package sessionkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Default endpoint paths of the consumed backend contract.
const (
	DefaultLoginPath   = "/auth/login"
	DefaultRefreshPath = "/auth/refresh"
)

// DefaultHTTPTimeout bounds every network call made through the session when
// WithHTTPTimeout is not given.
const DefaultHTTPTimeout = 30 * time.Second

// loginRequest is the body sent to the login endpoint.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// loginResponse is the body returned by the login endpoint.
type loginResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token,omitempty"`
	Funcionario  *UserProfile `json:"funcionario"`
	Mensaje      string       `json:"mensaje,omitempty"`
}

// ProfileFetcher retrieves the full profile for a user when the store holds
// a credential but no cached profile. The client passed in already carries
// the session's auth transport.
type ProfileFetcher func(ctx context.Context, client *http.Client, userID string) (*UserProfile, error)

// Session owns the whole token lifecycle against one backend: login, logout,
// startup restore, transparent renewal and idle timeout. It is the only
// entry point the rest of the application calls; all credential mutation
// goes through it or through the coordinator it owns.
//
// A Session is safe for concurrent use. Multiple independent sessions can
// coexist (nothing is package-global), which also keeps tests honest.
type Session struct {
	serverURL    string
	loginPath    string
	refreshPath  string
	idleTimeout  time.Duration
	httpTimeout  time.Duration
	store        CredentialStore
	logger       zerolog.Logger
	onExpired    func()
	baseT        http.RoundTripper
	publicPaths  []string
	sources      []ActivitySource
	fetchProfile ProfileFetcher

	httpClient *http.Client
	refresher  *refresher
	monitor    *IdleMonitor

	mu      sync.Mutex
	user    *UserProfile
	loading bool
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger. Defaults to a no-op logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithIdleTimeout sets the inactivity threshold. Defaults to 30 minutes.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Session) { s.idleTimeout = d }
}

// WithHTTPTimeout bounds every network call made by the session's client.
// Defaults to DefaultHTTPTimeout. A renewal that times out is treated like
// any other network failure, so the coordinator can never stay stuck in its
// in-flight state.
func WithHTTPTimeout(d time.Duration) Option {
	return func(s *Session) { s.httpTimeout = d }
}

// WithTransport sets a custom base transport (connection pooling, proxies,
// test doubles). The auth transport wraps it.
func WithTransport(rt http.RoundTripper) Option {
	return func(s *Session) { s.baseT = rt }
}

// WithOnSessionExpired registers the hook fired when the session ends
// without an explicit Logout call: a failed renewal or the idle timeout.
// Applications use it to navigate to the login entry point.
func WithOnSessionExpired(fn func()) Option {
	return func(s *Session) { s.onExpired = fn }
}

// WithPublicPaths marks path prefixes that are requested without
// credentials, so unauthenticated deep links are never blocked locally.
func WithPublicPaths(prefixes ...string) Option {
	return func(s *Session) { s.publicPaths = append(s.publicPaths, prefixes...) }
}

// WithLoginPath overrides the login endpoint path.
func WithLoginPath(path string) Option {
	return func(s *Session) { s.loginPath = path }
}

// WithRefreshPath overrides the refresh endpoint path.
func WithRefreshPath(path string) Option {
	return func(s *Session) { s.refreshPath = path }
}

// WithActivitySources registers the event sources feeding the inactivity
// monitor whenever a session becomes authenticated.
func WithActivitySources(sources ...ActivitySource) Option {
	return func(s *Session) { s.sources = append(s.sources, sources...) }
}

// WithProfileFetcher installs a fallback used during Restore when the store
// holds a valid credential but no readable profile.
func WithProfileFetcher(fn ProfileFetcher) Option {
	return func(s *Session) { s.fetchProfile = fn }
}

// New creates a Session for the given server using the given store.
func New(serverURL string, store CredentialStore, opts ...Option) *Session {
	// Normalize to scheme://host
	if u, err := url.Parse(serverURL); err == nil && u.Scheme != "" && u.Host != "" {
		serverURL = fmt.Sprintf("%s://%s", u.Scheme, u.Host)
	}

	s := &Session{
		serverURL:   serverURL,
		loginPath:   DefaultLoginPath,
		refreshPath: DefaultRefreshPath,
		idleTimeout: DefaultIdleTimeout,
		httpTimeout: DefaultHTTPTimeout,
		store:       store,
		logger:      zerolog.Nop(),
		baseT:       http.DefaultTransport,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.refresher = &refresher{
		store:     store,
		base:      s.baseT,
		serverURL: serverURL,
		endpoint:  s.refreshPath,
		onExpired: s.handleExpired,
		logger:    s.logger,
	}

	s.httpClient = &http.Client{
		Transport: &Transport{
			Base:               s.baseT,
			Store:              store,
			PublicPathPrefixes: s.publicPaths,
			refresher:          s.refresher,
		},
		Timeout: s.httpTimeout,
	}

	s.monitor = NewIdleMonitor(s.idleTimeout, s.handleIdle)

	return s
}

// Client returns the HTTP client whose requests carry the session token and
// are transparently re-authenticated after a 401.
func (s *Session) Client() *http.Client {
	return s.httpClient
}

// ServerURL returns the server this session is bound to.
func (s *Session) ServerURL() string {
	return s.serverURL
}

// Login authenticates with the backend, persists the credential pair and the
// profile, and starts the inactivity monitor. The returned profile always
// carries a role.
func (s *Session) Login(ctx context.Context, email, password string) (*UserProfile, error) {
	body, err := json.Marshal(loginRequest{Email: email, Password: password})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+s.loginPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	// Bare client on the base transport: the login call must not pass
	// through the auth transport.
	resp, err := (&http.Client{Transport: s.baseT, Timeout: s.httpTimeout}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading login response: %w", err)
	}

	var out loginResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(respBody, &out); err != nil {
			return nil, fmt.Errorf("invalid login response: %w", err)
		}
	} else {
		json.Unmarshal(respBody, &out) // best effort, for the mensaje
	}

	// A failed login leaves the store untouched: a typo on a re-login
	// attempt must not destroy a still-valid persisted session.
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusUnprocessableEntity:
		if out.Mensaje != "" {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, out.Mensaje)
		}
		return nil, ErrInvalidCredentials
	case resp.StatusCode != http.StatusOK:
		return nil, &APIError{Status: resp.StatusCode, Mensaje: out.Mensaje}
	case out.AccessToken == "":
		return nil, fmt.Errorf("login response carried no access token")
	}

	profile := out.Funcionario
	if profile == nil {
		profile = &UserProfile{ID: Subject(out.AccessToken), Email: email}
	}
	if profile.Role == "" {
		profile.Role = DefaultRole
	}

	cred := &Credential{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}
	if err := s.store.Save(cred, profile); err != nil {
		return nil, fmt.Errorf("storing credential: %w", err)
	}

	s.refresher.reset()

	s.mu.Lock()
	s.user = profile
	s.loading = false
	s.mu.Unlock()

	s.monitor.Start(s.sources...)
	s.logger.Info().Str("user", profile.ID).Msg("session started")

	return profile, nil
}

// Logout ends the session: credentials cleared, monitor stopped, coordinator
// terminated, in-memory state reset. Idempotent.
func (s *Session) Logout() {
	s.mu.Lock()
	s.user = nil
	s.loading = false
	s.mu.Unlock()

	s.monitor.Stop()
	s.refresher.shutdown()
	s.clearQuietly()
	s.logger.Info().Msg("session ended")
}

// Restore loads a persisted session at application start. It classifies the
// stored token locally: valid tokens resume the session with the cached
// profile (fetching one if a fetcher is configured and none is cached);
// expired, malformed or absent tokens clear storage and leave the session
// unauthenticated. Loading reports true for the whole duration of this call.
func (s *Session) Restore(ctx context.Context) error {
	s.mu.Lock()
	s.loading = true
	s.user = nil
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
	}()

	cred, profile, err := s.store.Load()
	if err != nil {
		// Unreadable storage is treated like an absent session.
		s.logger.Warn().Err(err).Msg("loading stored session")
		s.clearQuietly()
		return nil
	}
	if cred == nil || cred.AccessToken == "" {
		return nil
	}

	if status := Classify(cred.AccessToken, time.Now()); status != TokenValid {
		s.logger.Debug().Stringer("status", status).Msg("stored token unusable, starting unauthenticated")
		s.clearQuietly()
		return nil
	}

	if profile == nil && s.fetchProfile != nil {
		fetched, err := s.fetchProfile(ctx, s.httpClient, Subject(cred.AccessToken))
		if err != nil {
			s.logger.Warn().Err(err).Msg("fetching profile during restore")
		} else {
			profile = fetched
			if err := s.store.Save(cred, profile); err != nil {
				s.logger.Warn().Err(err).Msg("caching fetched profile")
			}
		}
	}
	if profile == nil {
		// Minimal profile derived from the token's own claims.
		profile = &UserProfile{ID: Subject(cred.AccessToken)}
	}
	if profile.Role == "" {
		profile.Role = DefaultRole
	}

	s.refresher.reset()

	s.mu.Lock()
	s.user = profile
	s.mu.Unlock()

	s.monitor.Start(s.sources...)
	s.logger.Info().Str("user", profile.ID).Msg("session restored")

	return nil
}

// CurrentUser returns the authenticated profile, or nil.
func (s *Session) CurrentUser() *UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// IsAuthenticated reports whether a user is active. Never true while the
// startup restore is still running.
func (s *Session) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.loading && s.user != nil
}

// Loading reports whether the startup session restore is in progress.
func (s *Session) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Signal feeds a user-interaction event to the inactivity monitor, for
// callers that drive it directly rather than through an ActivitySource.
func (s *Session) Signal(kind ActivityKind) {
	s.monitor.Signal(kind)
}

// Token returns the currently stored access token. It fails locally with
// ErrMissingCredential or ErrMalformedToken; local expiry is not checked
// here, the server stays authoritative.
func (s *Session) Token() (string, error) {
	cred, _, err := s.store.Load()
	if err != nil {
		return "", err
	}
	if cred == nil || cred.AccessToken == "" {
		return "", ErrMissingCredential
	}
	if Classify(cred.AccessToken, time.Now()) == TokenMalformed {
		return "", ErrMalformedToken
	}
	return cred.AccessToken, nil
}

// Refresh forces a renewal through the single-flight coordinator and returns
// the new access token. Exposed for non-HTTP transports (see the grpc
// subpackage); HTTP callers get this transparently on 401.
func (s *Session) Refresh(ctx context.Context) (string, error) {
	return s.refresher.refresh(ctx)
}

// handleExpired is the coordinator's failure hook: the store is already
// cleared, so only in-memory state and the monitor remain to tear down.
func (s *Session) handleExpired() {
	s.mu.Lock()
	s.user = nil
	s.mu.Unlock()

	s.monitor.Stop()
	if s.onExpired != nil {
		s.onExpired()
	}
}

// handleIdle runs when the inactivity deadline elapses with no signal.
func (s *Session) handleIdle() {
	s.logger.Info().Msg("idle timeout reached")
	s.Logout()
	if s.onExpired != nil {
		s.onExpired()
	}
}

func (s *Session) clearQuietly() {
	if err := s.store.Clear(); err != nil {
		s.logger.Warn().Err(err).Msg("clearing credential store")
	}
}
