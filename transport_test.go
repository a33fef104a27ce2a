package sessionkit

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// memStore is an in-memory CredentialStore for tests.
type memStore struct {
	mu      sync.Mutex
	cred    *Credential
	profile *UserProfile
}

func (s *memStore) Save(cred *Credential, profile *UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred, s.profile = cred, profile
	return nil
}

func (s *memStore) Load() (*Credential, *UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred, s.profile, nil
}

func (s *memStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred, s.profile = nil, nil
	return nil
}

func newRefresher(serverURL string, store CredentialStore, onExpired func()) *refresher {
	return &refresher{
		store:     store,
		base:      http.DefaultTransport,
		serverURL: serverURL,
		endpoint:  DefaultRefreshPath,
		onExpired: onExpired,
		logger:    zerolog.Nop(),
	}
}

func TestTransport_AddsAuthHeader(t *testing.T) {
	var receivedAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	token := signedToken(t, "u1", time.Now().Add(time.Hour))
	store := &memStore{cred: &Credential{AccessToken: token}}
	client := &http.Client{Transport: &Transport{Store: store}}

	resp, err := client.Get(server.URL + "/api/resource")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	resp.Body.Close()

	if receivedAuth != "Bearer "+token {
		t.Errorf("Authorization header = %v, want Bearer %v", receivedAuth, token)
	}
}

func TestTransport_MissingCredential_FailsLocally(t *testing.T) {
	var requestCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
	}))
	defer server.Close()

	client := &http.Client{Transport: &Transport{Store: &memStore{}}}

	_, err := client.Get(server.URL + "/api/resource")
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("error = %v, want ErrMissingCredential", err)
	}
	if atomic.LoadInt32(&requestCount) != 0 {
		t.Errorf("request reached the server despite missing credential")
	}
}

func TestTransport_MalformedToken_FailsLocally(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request reached the server")
	}))
	defer server.Close()

	store := &memStore{cred: &Credential{AccessToken: "not-a-jwt"}}
	client := &http.Client{Transport: &Transport{Store: store}}

	_, err := client.Get(server.URL + "/api/resource")
	if !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("error = %v, want ErrMalformedToken", err)
	}
}

func TestTransport_AuthAndPublicPaths_PassThrough(t *testing.T) {
	headers := map[string]string{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers[r.URL.Path] = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	// Empty store: these requests must still go through, with no header.
	client := &http.Client{Transport: &Transport{
		Store:              &memStore{},
		PublicPathPrefixes: []string{"/verificacion"},
	}}

	for _, path := range []string{"/auth/login", "/verificacion/VER-123"} {
		resp, err := client.Get(server.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		resp.Body.Close()
		if headers[path] != "" {
			t.Errorf("Authorization on %s = %q, want empty", path, headers[path])
		}
	}
}

func TestTransport_LocallyExpiredToken_StillSent(t *testing.T) {
	var receivedAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK) // server accepts despite local expiry
	}))
	defer server.Close()

	token := signedToken(t, "u1", time.Now().Add(-time.Minute))
	store := &memStore{cred: &Credential{AccessToken: token}}
	client := &http.Client{Transport: &Transport{Store: store}}

	resp, err := client.Get(server.URL + "/api/resource")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	resp.Body.Close()

	if receivedAuth != "Bearer "+token {
		t.Errorf("locally expired token was not sent")
	}
}

// newRefreshBackend returns a server whose API answers 401 until the client
// presents the renewed token, plus counters for both endpoints.
func newRefreshBackend(t *testing.T, newToken string, refreshDelay time.Duration) (*httptest.Server, *int32, *int32) {
	t.Helper()
	var apiCalls, refreshCalls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == DefaultRefreshPath {
			atomic.AddInt32(&refreshCalls, 1)
			time.Sleep(refreshDelay)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"` + newToken + `","refresh_token":"rotated-refresh"}`))
			return
		}

		atomic.AddInt32(&apiCalls, 1)
		if r.Header.Get("Authorization") == "Bearer "+newToken {
			w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))

	return server, &apiCalls, &refreshCalls
}

func TestTransport_RefreshOn401_RetriesOnce(t *testing.T) {
	newToken := signedToken(t, "u1", time.Now().Add(time.Hour))
	server, apiCalls, refreshCalls := newRefreshBackend(t, newToken, 0)
	defer server.Close()

	oldToken := signedToken(t, "u1", time.Now().Add(time.Hour))
	store := &memStore{cred: &Credential{AccessToken: oldToken, RefreshToken: "refresh-1"}}

	r := newRefresher(server.URL, store, nil)
	client := &http.Client{Transport: &Transport{Store: store, refresher: r}}

	resp, err := client.Get(server.URL + "/api/resource")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Errorf("body = %q, want ok", body)
	}
	if n := atomic.LoadInt32(refreshCalls); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}
	if n := atomic.LoadInt32(apiCalls); n != 2 {
		t.Errorf("api calls = %d, want 2 (original + one retry)", n)
	}

	cred, _, _ := store.Load()
	if cred.AccessToken != newToken {
		t.Errorf("stored token not renewed")
	}
	if cred.RefreshToken != "rotated-refresh" {
		t.Errorf("rotated refresh token not stored")
	}
}

func TestTransport_401AfterRetry_IsFinal(t *testing.T) {
	var apiCalls, refreshCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == DefaultRefreshPath {
			atomic.AddInt32(&refreshCalls, 1)
			w.Write([]byte(`{"access_token":"` + signedToken(t, "u1", time.Now().Add(time.Hour)) + `"}`))
			return
		}
		atomic.AddInt32(&apiCalls, 1)
		w.WriteHeader(http.StatusUnauthorized) // even after a successful renewal
	}))
	defer server.Close()

	store := &memStore{cred: &Credential{
		AccessToken:  signedToken(t, "u1", time.Now().Add(time.Hour)),
		RefreshToken: "refresh-1",
	}}

	r := newRefresher(server.URL, store, nil)
	client := &http.Client{Transport: &Transport{Store: store, refresher: r}}

	resp, err := client.Get(server.URL + "/api/resource")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want final 401", resp.StatusCode)
	}
	if n := atomic.LoadInt32(&refreshCalls); n != 1 {
		t.Errorf("refresh calls = %d, want exactly 1 (no second renewal)", n)
	}
	if n := atomic.LoadInt32(&apiCalls); n != 2 {
		t.Errorf("api calls = %d, want 2", n)
	}
}

func TestTransport_Concurrent401s_SingleRefresh(t *testing.T) {
	newToken := signedToken(t, "u1", time.Now().Add(time.Hour))
	server, _, refreshCalls := newRefreshBackend(t, newToken, 50*time.Millisecond)
	defer server.Close()

	store := &memStore{cred: &Credential{
		AccessToken:  signedToken(t, "u1", time.Now().Add(time.Hour)),
		RefreshToken: "refresh-1",
	}}

	r := newRefresher(server.URL, store, nil)
	client := &http.Client{Transport: &Transport{Store: store, refresher: r}}

	const n = 8
	var wg sync.WaitGroup
	statuses := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := client.Get(server.URL + "/api/resource")
			if err != nil {
				t.Errorf("GET error = %v", err)
				return
			}
			resp.Body.Close()
			statuses[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	for i, status := range statuses {
		if status != http.StatusOK {
			t.Errorf("request %d status = %d, want 200", i, status)
		}
	}
	if got := atomic.LoadInt32(refreshCalls); got != 1 {
		t.Errorf("refresh calls = %d, want exactly 1 for %d concurrent 401s", got, n)
	}
}

func TestTransport_RefreshRejected_EndsSession(t *testing.T) {
	var refreshCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == DefaultRefreshPath {
			atomic.AddInt32(&refreshCalls, 1)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"mensaje":"token de refresco inválido"}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	store := &memStore{cred: &Credential{
		AccessToken:  signedToken(t, "u1", time.Now().Add(time.Hour)),
		RefreshToken: "rejected-refresh",
	}}

	var expired int32
	r := newRefresher(server.URL, store, func() { atomic.AddInt32(&expired, 1) })
	client := &http.Client{Transport: &Transport{Store: store, refresher: r}}

	resp, err := client.Get(server.URL + "/api/resource")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	resp.Body.Close()

	// The original 401 is surfaced; no retry loop.
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if n := atomic.LoadInt32(&refreshCalls); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}
	if n := atomic.LoadInt32(&expired); n != 1 {
		t.Errorf("expired hook fired %d times, want 1", n)
	}

	cred, profile, _ := store.Load()
	if cred != nil || profile != nil {
		t.Errorf("store not cleared after rejected refresh")
	}

	// The coordinator is terminal now: no further renewal attempts.
	if _, err := r.refresh(context.Background()); !errors.Is(err, ErrLoggedOut) {
		t.Errorf("refresh after teardown = %v, want ErrLoggedOut", err)
	}
}

func TestTransport_RetryReplaysRequestBody(t *testing.T) {
	newToken := signedToken(t, "u1", time.Now().Add(time.Hour))
	var bodies []string
	var mu sync.Mutex

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == DefaultRefreshPath {
			w.Write([]byte(`{"access_token":"` + newToken + `"}`))
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		if r.Header.Get("Authorization") == "Bearer "+newToken {
			w.WriteHeader(http.StatusCreated)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	store := &memStore{cred: &Credential{
		AccessToken:  signedToken(t, "u1", time.Now().Add(time.Hour)),
		RefreshToken: "refresh-1",
	}}

	r := newRefresher(server.URL, store, nil)
	client := &http.Client{Transport: &Transport{Store: store, refresher: r}}

	resp, err := client.Post(server.URL+"/api/registros", "application/json", strings.NewReader(`{"nombre":"ana"}`))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}
	if len(bodies) != 2 || bodies[0] != bodies[1] || bodies[1] != `{"nombre":"ana"}` {
		t.Errorf("bodies = %q, want the same body on both attempts", bodies)
	}
}
