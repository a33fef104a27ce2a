package sessionkit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// refreshState tracks the coordinator's lifecycle for one session.
type refreshState int

const (
	refreshIdle      refreshState = iota
	refreshInFlight               // exactly one renewal call outstanding
	refreshLoggedOut              // terminal until the next login
)

// refreshResponse is the body returned by the refresh endpoint.
type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Mensaje      string `json:"mensaje,omitempty"`
}

// refresher serializes token renewal. However many requests fail with a 401
// inside the same window, exactly one call reaches the refresh endpoint and
// every waiter shares its outcome. A failed renewal clears the store, moves
// the coordinator to its terminal state and fires the session-expired hook.
type refresher struct {
	store     CredentialStore
	base      http.RoundTripper
	serverURL string
	endpoint  string
	onExpired func()
	logger    zerolog.Logger

	group singleflight.Group

	mu    sync.Mutex
	state refreshState
	gen   uint64 // bumped by reset/shutdown; in-flight renewals from older generations are discarded
}

// refresh returns a fresh access token. Concurrent callers attach to the
// in-flight renewal instead of issuing their own.
func (r *refresher) refresh(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.state == refreshLoggedOut {
		r.mu.Unlock()
		return "", ErrLoggedOut
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do("refresh", func() (any, error) {
		token, err := r.doRefresh(ctx)
		return token, err
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// doRefresh performs the single renewal network call. Only ever runs inside
// the singleflight group.
func (r *refresher) doRefresh(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.state == refreshLoggedOut {
		r.mu.Unlock()
		return "", ErrLoggedOut
	}
	r.state = refreshInFlight
	gen := r.gen
	r.mu.Unlock()

	cred, profile, err := r.store.Load()
	if err != nil {
		return "", r.fail(gen, fmt.Errorf("loading credential: %w", err))
	}
	if cred == nil || !cred.HasRefreshToken() {
		return "", r.fail(gen, fmt.Errorf("%w: no refresh token available", ErrRefreshFailed))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.serverURL+r.endpoint, nil)
	if err != nil {
		return "", r.fail(gen, err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.RefreshToken)
	req.Header.Set("Accept", "application/json")

	resp, err := r.base.RoundTrip(req)
	if err != nil {
		return "", r.fail(gen, fmt.Errorf("%w: %v", ErrRefreshFailed, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", r.fail(gen, fmt.Errorf("%w: reading response: %v", ErrRefreshFailed, err))
	}

	var out refreshResponse
	if err := json.Unmarshal(body, &out); err != nil || out.AccessToken == "" || resp.StatusCode != http.StatusOK {
		// A rejection from the refresh endpoint itself is terminal. It is
		// never retried, so refresh-of-refresh loops cannot happen.
		if out.Mensaje != "" {
			return "", r.fail(gen, fmt.Errorf("%w: HTTP %d: %s", ErrRefreshFailed, resp.StatusCode, out.Mensaje))
		}
		return "", r.fail(gen, fmt.Errorf("%w: HTTP %d", ErrRefreshFailed, resp.StatusCode))
	}

	newCred := &Credential{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}
	if newCred.RefreshToken == "" {
		// Keep the old refresh token when the backend does not rotate it.
		newCred.RefreshToken = cred.RefreshToken
	}

	// Commit only if no logout or re-login happened while the renewal was on
	// the wire. A stale renewal must not repopulate a store that Logout just
	// cleared, nor pull a terminal coordinator back to idle.
	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		r.logger.Debug().Msg("discarding renewal finished after logout")
		return "", ErrLoggedOut
	}
	if err := r.store.Save(newCred, profile); err != nil {
		r.mu.Unlock()
		return "", r.fail(gen, fmt.Errorf("storing refreshed credential: %w", err))
	}
	r.state = refreshIdle
	r.mu.Unlock()

	r.logger.Debug().Msg("access token renewed")
	return newCred.AccessToken, nil
}

// fail clears all persisted state before surfacing the error, so no caller
// can observe a logged-out session that still holds a stale token. A failure
// from a superseded renewal is reported as ErrLoggedOut and touches nothing:
// the logout that superseded it already tore the session down. The expired
// hook fires outside the lock, it may call back into the session.
func (r *refresher) fail(gen uint64, err error) error {
	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		return ErrLoggedOut
	}
	r.state = refreshLoggedOut
	r.mu.Unlock()

	if clearErr := r.store.Clear(); clearErr != nil {
		r.logger.Warn().Err(clearErr).Msg("clearing credential store")
	}
	r.logger.Warn().Err(err).Msg("token refresh failed, ending session")
	if r.onExpired != nil {
		r.onExpired()
	}
	return err
}

// reset returns the coordinator to idle and invalidates any renewal still in
// flight. Called when a new session starts.
func (r *refresher) reset() {
	r.mu.Lock()
	r.gen++
	r.state = refreshIdle
	r.mu.Unlock()
}

// shutdown moves the coordinator to its terminal state and invalidates any
// renewal still in flight. Called on logout.
func (r *refresher) shutdown() {
	r.mu.Lock()
	r.gen++
	r.state = refreshLoggedOut
	r.mu.Unlock()
}
