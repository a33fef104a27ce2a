// Package sessionkit keeps a client authenticated against a remote API
// using a short-lived credential, renewing it transparently and ending the
// session after a period of user inactivity.
//
// # Architecture
//
// CredentialStore: persisted holder for the token pair and the cached user
// profile. Implementations live under stores/ (memory, fs, bolt, gorm).
//
// Classify: pure local classification of a stored token (valid, expired,
// malformed) from its embedded expiry claim, without a network round-trip.
//
// Transport: an http.RoundTripper that attaches the bearer token to every
// outgoing request, fails locally when none is stored, and on a 401 renews
// the credential and replays the request exactly once.
//
// The renewal itself is single-flight: any number of concurrent 401s produce
// exactly one call to the refresh endpoint, and every caller shares its
// outcome. A rejected renewal ends the session terminally.
//
// IdleMonitor: a single rescheduled deadline that logs the session out after
// a configurable period with no user interaction.
//
// Session: the facade tying the above together. It is the only type the
// rest of an application needs to touch.
//
// # Basic Usage
//
//	store, err := fs.New("", sessionkit.DefaultKeys())
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	session := sessionkit.New("https://api.example.org", store,
//		sessionkit.WithIdleTimeout(30*time.Minute),
//		sessionkit.WithOnSessionExpired(func() { navigateToLogin() }),
//	)
//
//	if err := session.Restore(ctx); err != nil {
//		log.Fatal(err)
//	}
//	if !session.IsAuthenticated() {
//		user, err := session.Login(ctx, email, password)
//		...
//	}
//
//	// All requests carry the token and survive one renewal transparently.
//	resp, err := session.Client().Get("https://api.example.org/api/perfil")
package sessionkit
