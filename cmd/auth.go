package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/otherjamesbrown/penf-capture/credentials"
)

// Auth command flags.
var (
	authFromStdin bool
)

// newCredentialStore opens the credential store; tests replace it.
var newCredentialStore = credentials.NewStore

// readSecret prompts for a secret without echo; tests replace it.
var readSecret = promptForSecret

// AuthCmd represents the auth command group.
var AuthCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage stored secrets",
	Long: `Manage the secrets penf-capture uses to reach its stores.

Two secrets are supported:
  redis      Password of the Redis store (store.backend: redis)
  postgres   Password of the PostgreSQL archive

Secrets are stored encrypted in ~/.penf-capture/credentials.yaml. The
encryption key lives in the system keyring, or comes from
PENF_CAPTURE_ENCRYPTION_KEY, or is derived from PENF_CAPTURE_PASSPHRASE.

Environment variables take precedence over stored secrets:
  PENF_CAPTURE_REDIS_PASSWORD
  PENF_CAPTURE_DB_PASSWORD`,
}

// authSetCmd stores one secret.
var authSetCmd = &cobra.Command{
	Use:   "set <redis|postgres>",
	Short: "Store a secret",
	Long: `Store a secret, prompting for it without echo.

Examples:
  # Interactive prompt
  penf-capture auth set redis

  # Read from stdin (for scripts)
  echo "$PASSWORD" | penf-capture auth set postgres --stdin`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{credentials.SecretRedis, credentials.SecretPostgres},
	RunE:      runAuthSet,
}

// authShowCmd shows the stored secrets masked.
var authShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show stored secrets (masked)",
	Long: `Display which secrets are set and where they come from.

Values are masked. Environment variables are reported as the active source
when set.

Examples:
  penf-capture auth show`,
	RunE: runAuthShow,
}

// authClearCmd removes the stored secrets.
var authClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove stored secrets",
	Long: `Remove all stored secrets from the local credential store.

Environment variables are not affected.

Examples:
  penf-capture auth clear`,
	RunE: runAuthClear,
}

func init() {
	authSetCmd.Flags().BoolVar(&authFromStdin, "stdin", false, "Read the secret from standard input")

	AuthCmd.AddCommand(authSetCmd)
	AuthCmd.AddCommand(authShowCmd)
	AuthCmd.AddCommand(authClearCmd)
}

// runAuthSet handles the set command.
func runAuthSet(cmd *cobra.Command, args []string) error {
	name := args[0]
	var check credentials.Credentials
	if err := check.Set(name, "x"); err != nil {
		return err
	}

	store, err := newCredentialStore()
	if err != nil {
		return fmt.Errorf("initializing credential store: %w", err)
	}

	creds, err := store.Load()
	if errors.Is(err, credentials.ErrNoCredentials) {
		creds = &credentials.Credentials{}
	} else if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}

	var value string
	if authFromStdin {
		value, err = readLine(cmd.InOrStdin())
	} else {
		value, err = readSecret(cmd.OutOrStdout(), fmt.Sprintf("%s password: ", name))
	}
	if err != nil {
		return fmt.Errorf("reading secret: %w", err)
	}
	if value == "" {
		return fmt.Errorf("no secret provided")
	}

	if err := creds.Set(name, value); err != nil {
		return err
	}
	if err := store.Save(creds); err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Stored %s secret: %s\n", name, credentials.MaskCredential(value))
	fmt.Fprintf(out, "  File: %s\n", store.Path())
	fmt.Fprintf(out, "  Key:  %s\n", store.KeyDescription())
	return nil
}

// promptForSecret reads a secret from the terminal without echo, falling
// back to a plain line read when stdin is not a terminal.
func promptForSecret(out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	data, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(out) // Add newline after hidden input
	if err != nil {
		return readLine(os.Stdin)
	}
	return strings.TrimSpace(string(data)), nil
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// runAuthShow handles the show command.
func runAuthShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	store, err := newCredentialStore()
	if err != nil {
		return fmt.Errorf("initializing credential store: %w", err)
	}

	fmt.Fprintln(out, "Secrets")
	fmt.Fprintln(out, "=======")
	fmt.Fprintln(out)

	stored, err := store.Load()
	if errors.Is(err, credentials.ErrNoCredentials) {
		stored = &credentials.Credentials{}
	} else if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}

	secrets := []struct {
		name   string
		env    string
		stored string
	}{
		{credentials.SecretRedis, credentials.EnvRedisPassword, stored.RedisPassword},
		{credentials.SecretPostgres, credentials.EnvPostgresPassword, stored.PostgresPassword},
	}
	for _, s := range secrets {
		source := "stored"
		value := s.stored
		if env := os.Getenv(s.env); env != "" {
			source = "environment (" + s.env + ")"
			value = env
		} else if value == "" {
			source = "-"
		}
		fmt.Fprintf(out, "  %-9s %-20s %s\n", s.name+":", credentials.MaskCredential(value), source)
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "File: %s\n", store.Path())
	fmt.Fprintf(out, "Key:  %s\n", store.KeyDescription())
	if !stored.LastUpdated.IsZero() {
		fmt.Fprintf(out, "Last Updated: %s\n", stored.LastUpdated.Format(time.RFC3339))
	}
	return nil
}

// runAuthClear handles the clear command.
func runAuthClear(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	store, err := newCredentialStore()
	if err != nil {
		return fmt.Errorf("initializing credential store: %w", err)
	}

	if !store.Exists() {
		fmt.Fprintln(out, "No stored secrets found.")
		return nil
	}
	if err := store.Delete(); err != nil {
		return fmt.Errorf("removing credentials: %w", err)
	}
	fmt.Fprintln(out, "Stored secrets have been removed.")

	for _, env := range []string{credentials.EnvRedisPassword, credentials.EnvPostgresPassword} {
		if os.Getenv(env) != "" {
			fmt.Fprintf(out, "\nNote: %s environment variable is still set.\n", env)
		}
	}
	return nil
}
