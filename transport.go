package sessionkit

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// retriedKey marks a request that has already been replayed once after a
// successful renewal. A second 401 on such a request is final.
type retriedKey struct{}

// Transport is an http.RoundTripper that attaches the stored access token to
// every outgoing request and routes 401 responses through the refresh
// coordinator, replaying the failed request at most once.
//
// The auth endpoints themselves and any configured public path prefixes pass
// through untouched, so login, refresh and unauthenticated deep links are
// never blocked locally.
type Transport struct {
	// Base is the underlying transport. Defaults to http.DefaultTransport.
	Base http.RoundTripper

	// Store supplies the current credential.
	Store CredentialStore

	// AuthPathPrefix covers the endpoints that must never carry the access
	// token nor trigger a renewal. Defaults to "/auth/".
	AuthPathPrefix string

	// PublicPathPrefixes are additional path families sent without
	// credentials (e.g. public verification routes for deep links).
	PublicPathPrefixes []string

	refresher *refresher
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) skips(path string) bool {
	prefix := t.AuthPathPrefix
	if prefix == "" {
		prefix = "/auth/"
	}
	if strings.HasPrefix(path, prefix) {
		return true
	}
	for _, p := range t.PublicPathPrefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.skips(req.URL.Path) {
		return t.base().RoundTrip(req)
	}

	cred, _, err := t.Store.Load()
	if err != nil {
		return nil, err
	}
	if cred == nil || cred.AccessToken == "" {
		// Without a token the request could only produce a 401; fail it
		// locally and save the round-trip.
		return nil, ErrMissingCredential
	}
	if Classify(cred.AccessToken, time.Now()) == TokenMalformed {
		return nil, ErrMalformedToken
	}

	// A locally expired token is still sent: only the server is
	// authoritative, and clock skew may make it acceptable anyway.
	resp, err := t.send(req, cred.AccessToken)
	if err != nil {
		return resp, err
	}

	if resp.StatusCode != http.StatusUnauthorized || t.refresher == nil {
		return resp, nil
	}
	if req.Context().Value(retriedKey{}) != nil {
		// Already replayed once after a renewal. Surface the 401 as a final
		// authorization failure instead of re-entering the coordinator.
		return resp, nil
	}

	token, refreshErr := t.refresher.refresh(req.Context())
	if refreshErr != nil {
		// The coordinator has already cleared the store and notified the
		// session; the original 401 is what callers get to see.
		return resp, nil
	}
	resp.Body.Close()

	retry := req.Clone(context.WithValue(req.Context(), retriedKey{}, true))
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	return t.send(retry, token)
}

// send issues the request with the given bearer token on a clone, so the
// caller's request is never mutated.
func (t *Transport) send(req *http.Request, token string) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+token)
	return t.base().RoundTrip(req)
}
