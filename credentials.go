package sessionkit

// DefaultRole is assigned to a profile when the backend omits the role.
// Access-control checks elsewhere in the application assume a non-empty role,
// so the session never exposes a profile without one.
const DefaultRole = "funcionario"

// Default storage key names. These match the deployment's environment
// configuration and can be overridden per store via Keys.
const (
	DefaultTokenKey = "authToken"
	DefaultUserKey  = "user"
)

// Keys names the entries a credential store persists. The refresh token key
// is always derived from the access token key.
type Keys struct {
	Token string // access token entry, defaults to "authToken"
	User  string // cached profile entry, defaults to "user"
}

// DefaultKeys returns the standard key names.
func DefaultKeys() Keys {
	return Keys{Token: DefaultTokenKey, User: DefaultUserKey}
}

// EnsureDefaults fills in default values for any unset fields.
func (k *Keys) EnsureDefaults() {
	if k.Token == "" {
		k.Token = DefaultTokenKey
	}
	if k.User == "" {
		k.User = DefaultUserKey
	}
}

// RefreshKey returns the entry name for the refresh token.
func (k Keys) RefreshKey() string {
	return k.Token + "_refresh"
}

// Credential holds the token pair for one session. The access token is a
// signed JWT carrying at least a subject and an expiry; the refresh token may
// be absent when the backend does not issue one.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// HasRefreshToken returns true if a refresh token is available.
func (c *Credential) HasRefreshToken() bool {
	return c.RefreshToken != ""
}

// UserProfile is the denormalized snapshot of the authenticated principal,
// cached alongside the credential. It is independent of the token's own
// claims; the token may carry only the subject id.
type UserProfile struct {
	ID       string `json:"id"`
	Name     string `json:"nombre"`
	Role     string `json:"rol"`
	WorkLine string `json:"linea_trabajo,omitempty"`
	Email    string `json:"correo"`
	Phone    string `json:"telefono,omitempty"`
}

// CredentialStore persists the credential pair and cached profile for one
// session. Implementations do no validation; they are dumb keyed storage.
//
// Save is all-or-nothing: either both the credential and the profile are
// written or neither is. Clear removes the access token, refresh token and
// profile atomically with respect to subsequent Load calls.
type CredentialStore interface {
	// Save persists the credential pair and profile together.
	Save(cred *Credential, profile *UserProfile) error

	// Load retrieves the stored credential and profile.
	// Returns nil, nil, nil when the store is empty.
	Load() (*Credential, *UserProfile, error)

	// Clear removes everything the store holds.
	Clear() error
}
