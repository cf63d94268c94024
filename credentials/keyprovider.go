package credentials

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/argon2"
)

// Environment variables consulted by GetDefaultKeyProvider.
const (
	EnvEncryptionKey = "PENF_CAPTURE_ENCRYPTION_KEY"
	EnvPassphrase    = "PENF_CAPTURE_PASSPHRASE"
)

const (
	keyringService = "penf-capture"
	keyringAccount = "secrets-key"

	// keyLength is an AES-256 key.
	keyLength  = 32
	saltLength = 16
	saltFile   = "credentials.salt"
)

// Argon2id cost for passphrase-derived keys.
const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
)

// ErrKeyringUnavailable is returned when the OS keyring cannot be used.
var ErrKeyringUnavailable = errors.New("system keyring unavailable")

// KeyProvider supplies the key that encrypts the secrets file.
type KeyProvider interface {
	GetKey() ([]byte, error)
	Description() string
}

// KeyringKeyProvider keeps a random key in the OS keyring, creating it on first use.
type KeyringKeyProvider struct{}

func NewKeyringKeyProvider() *KeyringKeyProvider {
	return &KeyringKeyProvider{}
}

func (p *KeyringKeyProvider) GetKey() ([]byte, error) {
	stored, err := keyring.Get(keyringService, keyringAccount)
	switch {
	case err == nil:
		if key, decErr := hex.DecodeString(stored); decErr == nil && len(key) == keyLength {
			return key, nil
		}
		// Unusable entry; replace it below.
	case !errors.Is(err, keyring.ErrNotFound):
		return nil, fmt.Errorf("%w: %v", ErrKeyringUnavailable, err)
	}

	key, err := randomBytes(keyLength)
	if err != nil {
		return nil, err
	}
	if err := keyring.Set(keyringService, keyringAccount, hex.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("%w: storing key: %v", ErrKeyringUnavailable, err)
	}
	return key, nil
}

func (p *KeyringKeyProvider) Description() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS Keychain"
	case "windows":
		return "Windows Credential Manager"
	default:
		return "Secret Service keyring"
	}
}

// PassphraseKeyProvider derives the key from a passphrase with Argon2id.
type PassphraseKeyProvider struct {
	passphrase string
	salt       []byte
}

func NewPassphraseKeyProvider(passphrase string, salt []byte) *PassphraseKeyProvider {
	return &PassphraseKeyProvider{passphrase: passphrase, salt: salt}
}

func (p *PassphraseKeyProvider) GetKey() ([]byte, error) {
	if p.passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	if len(p.salt) == 0 {
		return nil, errors.New("missing salt")
	}
	return argon2.IDKey([]byte(p.passphrase), p.salt, argon2Time, argon2Memory, argon2Threads, keyLength), nil
}

func (p *PassphraseKeyProvider) Description() string {
	return "passphrase (Argon2id, " + EnvPassphrase + ")"
}

// EnvKeyProvider reads a hex-encoded key from an environment variable.
type EnvKeyProvider struct {
	envVar string
}

func NewEnvKeyProvider(envVar string) *EnvKeyProvider {
	return &EnvKeyProvider{envVar: envVar}
}

func (p *EnvKeyProvider) GetKey() ([]byte, error) {
	raw := os.Getenv(p.envVar)
	if raw == "" {
		return nil, fmt.Errorf("%s is not set", p.envVar)
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", p.envVar, err)
	}
	if len(key) != keyLength {
		return nil, fmt.Errorf("%s must hold %d bytes, got %d", p.envVar, keyLength, len(key))
	}
	return key, nil
}

func (p *EnvKeyProvider) Description() string {
	return "environment (" + p.envVar + ")"
}

// GetDefaultKeyProvider picks the key source for the secrets file in dir:
// an explicit key in the environment, then the OS keyring, then a
// passphrase whose salt is kept next to the secrets file.
func GetDefaultKeyProvider(dir string) (KeyProvider, error) {
	if os.Getenv(EnvEncryptionKey) != "" {
		return NewEnvKeyProvider(EnvEncryptionKey), nil
	}

	kr := NewKeyringKeyProvider()
	_, err := kr.GetKey()
	if err == nil {
		return kr, nil
	}
	if !errors.Is(err, ErrKeyringUnavailable) {
		return nil, err
	}

	passphrase := os.Getenv(EnvPassphrase)
	if passphrase == "" {
		return nil, fmt.Errorf("set %s or %s: %w", EnvEncryptionKey, EnvPassphrase, err)
	}
	salt, saltErr := loadOrCreateSalt(dir)
	if saltErr != nil {
		return nil, saltErr
	}
	return NewPassphraseKeyProvider(passphrase, salt), nil
}

// loadOrCreateSalt reads the passphrase salt from dir, writing a new one on first use.
func loadOrCreateSalt(dir string) ([]byte, error) {
	path := filepath.Join(dir, saltFile)
	data, err := os.ReadFile(path)
	if err == nil {
		salt, decErr := hex.DecodeString(string(data))
		if decErr != nil || len(salt) == 0 {
			return nil, fmt.Errorf("invalid salt in %s", path)
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading salt: %w", err)
	}

	salt, err := randomBytes(saltLength)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating credentials directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(salt)), 0600); err != nil {
		return nil, fmt.Errorf("writing salt: %w", err)
	}
	return salt, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return b, nil
}
