// Package credentials stores the Redis and PostgreSQL passwords used by
// penf-capture in ~/.penf-capture/credentials.yaml, encrypted at rest.
//
// Encryption Key Storage:
// The encryption key is stored securely using the system keyring:
// - macOS: Keychain
// - Windows: Credential Manager
// - Linux: Secret Service (libsecret)
//
// For CI/testing environments, set PENF_CAPTURE_ENCRYPTION_KEY to a 64-character
// hex string (32 bytes). Without a keyring, PENF_CAPTURE_PASSPHRASE derives the
// key with Argon2id.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Credential storage constants.
const (
	DefaultCredentialsDir  = ".penf-capture"
	DefaultCredentialsFile = "credentials.yaml"

	// Environment overrides for the stored secrets.
	EnvRedisPassword    = "PENF_CAPTURE_REDIS_PASSWORD"
	EnvPostgresPassword = "PENF_CAPTURE_DB_PASSWORD"
)

// Secret names accepted by Set.
const (
	SecretRedis    = "redis"
	SecretPostgres = "postgres"
)

// Common errors.
var (
	// ErrNoCredentials is returned when no credentials are stored.
	ErrNoCredentials = errors.New("no credentials stored")
	// ErrUnknownSecret is returned for a secret name other than redis or postgres.
	ErrUnknownSecret = errors.New("unknown secret")
	// ErrEncryptionFailed is returned when encryption/decryption fails.
	ErrEncryptionFailed = errors.New("encryption failed")
)

// Credentials holds the stored secrets.
type Credentials struct {
	// RedisPassword authenticates against the Redis store (encrypted at rest).
	RedisPassword string `yaml:"redis_password,omitempty"`
	// PostgresPassword authenticates against the archive (encrypted at rest).
	PostgresPassword string `yaml:"postgres_password,omitempty"`
	// LastUpdated is when the credentials were last updated.
	LastUpdated time.Time `yaml:"last_updated"`
}

// Set stores value under the secret name.
func (c *Credentials) Set(name, value string) error {
	switch name {
	case SecretRedis:
		c.RedisPassword = value
	case SecretPostgres:
		c.PostgresPassword = value
	default:
		return fmt.Errorf("%w: %q (must be %s or %s)", ErrUnknownSecret, name, SecretRedis, SecretPostgres)
	}
	return nil
}

// fields lists the encrypted fields.
func (c *Credentials) fields() []*string {
	return []*string{&c.RedisPassword, &c.PostgresPassword}
}

// Store manages credential storage operations.
type Store struct {
	credentialsDir string
	encryptionKey  []byte
	keyProvider    KeyProvider
}

// NewStore creates a credential store in CredentialsDir using the default
// key provider.
func NewStore() (*Store, error) {
	dir, err := CredentialsDir()
	if err != nil {
		return nil, fmt.Errorf("getting credentials directory: %w", err)
	}

	keyProvider, err := GetDefaultKeyProvider(dir)
	if err != nil {
		return nil, fmt.Errorf("initializing key provider: %w", err)
	}
	return NewStoreWithKeyProvider(dir, keyProvider)
}

// NewStoreWithKeyProvider creates a credential store in dir with a custom key provider.
func NewStoreWithKeyProvider(dir string, keyProvider KeyProvider) (*Store, error) {
	key, err := keyProvider.GetKey()
	if err != nil {
		return nil, fmt.Errorf("getting encryption key: %w", err)
	}
	return &Store{
		credentialsDir: dir,
		encryptionKey:  key,
		keyProvider:    keyProvider,
	}, nil
}

// KeyDescription describes where the encryption key lives.
func (s *Store) KeyDescription() string {
	return s.keyProvider.Description()
}

// CredentialsDir returns the credentials directory path.
// Uses $PENF_CAPTURE_CONFIG_DIR if set, otherwise ~/.penf-capture
func CredentialsDir() (string, error) {
	if dir := os.Getenv("PENF_CAPTURE_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, DefaultCredentialsDir), nil
}

// Path returns the credentials file of the store.
func (s *Store) Path() string {
	return filepath.Join(s.credentialsDir, DefaultCredentialsFile)
}

// Save stores credentials to the credentials file.
func (s *Store) Save(creds *Credentials) error {
	if err := os.MkdirAll(s.credentialsDir, 0700); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}

	storageCreds := *creds
	storageCreds.LastUpdated = time.Now()
	for _, f := range storageCreds.fields() {
		if *f == "" {
			continue
		}
		encrypted, err := s.encrypt(*f)
		if err != nil {
			return err
		}
		*f = encrypted
	}

	data, err := yaml.Marshal(&storageCreds)
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}
	if err := os.WriteFile(s.Path(), data, 0600); err != nil {
		return fmt.Errorf("writing credentials file: %w", err)
	}
	return nil
}

// Load reads credentials from the credentials file.
func (s *Store) Load() (*Credentials, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCredentials
		}
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}
	for _, f := range creds.fields() {
		if *f == "" {
			continue
		}
		decrypted, err := s.decrypt(*f)
		if err != nil {
			return nil, err
		}
		*f = decrypted
	}
	return &creds, nil
}

// Delete removes stored credentials.
func (s *Store) Delete() error {
	if err := os.Remove(s.Path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing credentials file: %w", err)
	}
	return nil
}

// Exists checks if credentials file exists.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.Path())
	return err == nil
}

// Resolve returns the active secrets: environment variables win over the
// stored file. Missing credentials are not an error.
func (s *Store) Resolve() (*Credentials, error) {
	creds, err := s.Load()
	if errors.Is(err, ErrNoCredentials) {
		creds = &Credentials{}
	} else if err != nil {
		return nil, err
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		creds.RedisPassword = v
	}
	if v := os.Getenv(EnvPostgresPassword); v != "" {
		creds.PostgresPassword = v
	}
	return creds, nil
}

// encrypt encrypts a string using AES-GCM.
func (s *Store) encrypt(plaintext string) (string, error) {
	gcm, err := newGCM(s.encryptionKey)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generating nonce: %v", ErrEncryptionFailed, err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts an AES-GCM encrypted string.
func (s *Store) decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decoding base64: %v", ErrEncryptionFailed, err)
	}

	gcm, err := newGCM(s.encryptionKey)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrEncryptionFailed)
	}

	nonce, ciphertextBytes := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", fmt.Errorf("%w: decryption failed: %v", ErrEncryptionFailed, err)
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: creating cipher: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: creating GCM: %v", ErrEncryptionFailed, err)
	}
	return gcm, nil
}

// MaskCredential returns a masked version of the credential for display.
func MaskCredential(cred string) string {
	if cred == "" {
		return "(not set)"
	}
	if len(cred) <= 8 {
		return strings.Repeat("*", len(cred))
	}
	return cred[:2] + strings.Repeat("*", len(cred)-4) + cred[len(cred)-2:]
}
