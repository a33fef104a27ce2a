// Command sessionctl manages a stored API session from the terminal:
// login, logout, and inspection of the current session state.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/centromigrante/sessionkit"
	"github.com/centromigrante/sessionkit/stores/fs"
)

var (
	serverURL string
	credsPath string
	envFile   string
	verbose   bool
)

func main() {
	root := &cobra.Command{
		Use:   "sessionctl",
		Short: "Manage the stored API session",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil {
					return fmt.Errorf("loading env file: %w", err)
				}
			} else {
				godotenv.Load() // .env is optional
			}
			if serverURL == "" {
				serverURL = os.Getenv("API_URL")
			}
			if serverURL == "" {
				return errors.New("no server URL: pass --server or set API_URL")
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "", "backend base URL (default: $API_URL)")
	root.PersistentFlags().StringVar(&credsPath, "credentials", "", "path to the session file (default: ~/.config/sessionkit/session.json)")
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "env file to load before running")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newLoginCmd(), newLogoutCmd(), newStatusCmd(), newWhoamiCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newSession() (*sessionkit.Session, error) {
	keys := sessionkit.DefaultKeys()
	if k := os.Getenv("TOKEN_KEY"); k != "" {
		keys.Token = k
	}

	store, err := fs.New(credsPath, keys)
	if err != nil {
		return nil, err
	}

	logger := zerolog.Nop()
	if verbose {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(zerolog.DebugLevel).With().Timestamp().Logger()
	}

	return sessionkit.New(serverURL, store,
		sessionkit.WithLogger(logger),
		sessionkit.WithHTTPTimeout(15*time.Second),
		sessionkit.WithOnSessionExpired(func() {
			fmt.Fprintln(os.Stderr, "Session expired; log in again with `sessionctl login`.")
		}),
	), nil
}

func newLoginCmd() *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate and store the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" || password == "" {
				return errors.New("both --email and --password are required")
			}

			session, err := newSession()
			if err != nil {
				return err
			}

			user, err := session.Login(context.Background(), email, password)
			if errors.Is(err, sessionkit.ErrInvalidCredentials) {
				return fmt.Errorf("login rejected: %w", err)
			}
			if err != nil {
				return err
			}

			fmt.Printf("Logged in as %s (%s)\n", user.Name, user.Role)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", os.Getenv("API_EMAIL"), "account email")
	cmd.Flags().StringVar(&password, "password", os.Getenv("API_PASSWORD"), "account password")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := newSession()
			if err != nil {
				return err
			}
			session.Logout()
			fmt.Println("Logged out.")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a usable session is stored",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := newSession()
			if err != nil {
				return err
			}
			if err := session.Restore(context.Background()); err != nil {
				return err
			}

			if !session.IsAuthenticated() {
				fmt.Println("Not authenticated.")
				return nil
			}

			user := session.CurrentUser()
			fmt.Printf("Authenticated as %s (%s)\n", user.Name, user.Role)

			if token, err := session.Token(); err == nil {
				fmt.Printf("Token: %s\n", sessionkit.Classify(token, time.Now()))
			}
			return nil
		},
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the cached profile as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := newSession()
			if err != nil {
				return err
			}
			if err := session.Restore(context.Background()); err != nil {
				return err
			}

			user := session.CurrentUser()
			if user == nil {
				return errors.New("not authenticated")
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(user)
		},
	}
}
