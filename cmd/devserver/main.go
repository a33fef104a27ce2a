// Command devserver is a small mock of the backend auth contract, for
// developing and demoing clients without the real API: POST /auth/login,
// POST /auth/refresh, a protected profile endpoint and a public
// verification route.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/centromigrante/sessionkit"
)

const (
	accessTokenExpiry  = 15 * time.Minute
	refreshTokenExpiry = 7 * 24 * time.Hour
)

type account struct {
	passwordHash []byte
	profile      sessionkit.UserProfile
}

type refreshRecord struct {
	userID    string
	expiresAt time.Time
}

type server struct {
	secret   []byte
	logger   zerolog.Logger
	accounts map[string]account // keyed by email

	mu      sync.Mutex
	refresh map[string]refreshRecord // keyed by opaque token
}

func main() {
	addr := flag.String("addr", ":5000", "listen address")
	flag.Parse()

	godotenv.Load()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-only-secret"
		logger.Warn().Msg("JWT_SECRET not set, using the insecure development default")
	}

	s := &server{
		secret:   []byte(secret),
		logger:   logger,
		accounts: seedAccounts(),
		refresh:  make(map[string]refreshRecord),
	}

	r := mux.NewRouter()
	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/api/perfil", s.requireAuth(s.handleProfile)).Methods(http.MethodGet)
	r.HandleFunc("/verificacion/{codigo}", s.handleVerification).Methods(http.MethodGet)

	logger.Info().Str("addr", *addr).Msg("devserver listening")
	if err := http.ListenAndServe(*addr, r); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

// seedAccounts provisions the single development login:
// funcionario@example.org / funcionario123
func seedAccounts() map[string]account {
	hash, _ := bcrypt.GenerateFromPassword([]byte("funcionario123"), bcrypt.DefaultCost)
	return map[string]account{
		"funcionario@example.org": {
			passwordHash: hash,
			profile: sessionkit.UserProfile{
				ID:       "func-001",
				Name:     "Funcionario de Prueba",
				Role:     "funcionario",
				WorkLine: "atencion",
				Email:    "funcionario@example.org",
				Phone:    "3000000000",
			},
		},
	}
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "cuerpo de solicitud inválido")
		return
	}

	acct, ok := s.accounts[req.Email]
	if !ok || bcrypt.CompareHashAndPassword(acct.passwordHash, []byte(req.Password)) != nil {
		s.logger.Info().Str("email", req.Email).Msg("login rejected")
		s.errorResponse(w, http.StatusUnauthorized, "credenciales inválidas")
		return
	}

	access, err := s.createAccessToken(acct.profile.ID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "no se pudo generar el token")
		return
	}

	refresh := s.issueRefreshToken(acct.profile.ID)

	s.logger.Info().Str("user", acct.profile.ID).Msg("login ok")
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"funcionario":   acct.profile,
	})
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		s.errorResponse(w, http.StatusUnauthorized, "falta el token de refresco")
		return
	}

	s.mu.Lock()
	record, ok := s.refresh[token]
	if ok {
		// Single use: every renewal rotates the refresh token.
		delete(s.refresh, token)
	}
	s.mu.Unlock()

	if !ok || time.Now().After(record.expiresAt) {
		s.logger.Info().Msg("refresh rejected")
		s.errorResponse(w, http.StatusUnauthorized, "token de refresco inválido o expirado")
		return
	}

	access, err := s.createAccessToken(record.userID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "no se pudo generar el token")
		return
	}

	s.logger.Debug().Str("user", record.userID).Msg("token renewed")
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"refresh_token": s.issueRefreshToken(record.userID),
	})
}

func (s *server) handleProfile(w http.ResponseWriter, r *http.Request, userID string) {
	for _, acct := range s.accounts {
		if acct.profile.ID == userID {
			s.jsonResponse(w, http.StatusOK, acct.profile)
			return
		}
	}
	s.errorResponse(w, http.StatusNotFound, "funcionario no encontrado")
}

// handleVerification is the public deep-link route; no credentials needed.
func (s *server) handleVerification(w http.ResponseWriter, r *http.Request) {
	codigo := mux.Vars(r)["codigo"]
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"codigo": codigo,
		"valido": strings.HasPrefix(codigo, "VER-"),
	})
}

// requireAuth validates the bearer JWT and passes the subject through.
func (s *server) requireAuth(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			s.errorResponse(w, http.StatusUnauthorized, "falta el token de acceso")
			return
		}

		token, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			s.errorResponse(w, http.StatusUnauthorized, "token inválido o expirado")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			s.errorResponse(w, http.StatusUnauthorized, "token inválido")
			return
		}
		sub, _ := claims.GetSubject()
		if sub == "" {
			s.errorResponse(w, http.StatusUnauthorized, "token sin sujeto")
			return
		}

		next(w, r, sub)
	}
}

func (s *server) createAccessToken(userID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(accessTokenExpiry).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *server) issueRefreshToken(userID string) string {
	token := uuid.NewString()
	s.mu.Lock()
	s.refresh[token] = refreshRecord{userID: userID, expiresAt: time.Now().Add(refreshTokenExpiry)}
	s.mu.Unlock()
	return token
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}

func (s *server) jsonResponse(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *server) errorResponse(w http.ResponseWriter, status int, mensaje string) {
	s.jsonResponse(w, status, map[string]string{"mensaje": mensaje})
}
