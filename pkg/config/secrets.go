package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// Secrets file layout: [salt][nonce][ciphertext+tag], AES-256-GCM keyed by
// scrypt over the password.
const (
	saltSize  = 16
	nonceSize = 12
	tagSize   = 16
	scryptN   = 32768
	scryptR   = 8
	scryptP   = 1
	keySize   = 32
)

// ErrWrongPassword is returned when a secrets file does not decrypt.
var ErrWrongPassword = errors.New("decryption failed (wrong password or corrupted file)")

// Secrets holds decrypted credentials. Lookups fall back to the environment.
type Secrets struct {
	values map[string]string
	mu     sync.RWMutex
}

// NewSecrets wraps values, which may be nil.
func NewSecrets(values map[string]string) *Secrets {
	if values == nil {
		values = make(map[string]string)
	}
	return &Secrets{values: values}
}

// LoadSecrets decrypts the file at path. A missing file yields an empty set.
func LoadSecrets(path, password string) (*Secrets, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewSecrets(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat secrets file: %w", err)
	}
	if info.Mode().Perm() != 0o600 {
		if err := os.Chmod(path, 0o600); err != nil {
			return nil, fmt.Errorf("failed to fix secrets file permissions: %w", err)
		}
	}
	data, err := os.ReadFile(path) //nolint:gosec // configured secrets path
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	values, err := DecryptSecrets(password, data)
	if err != nil {
		return nil, err
	}
	return NewSecrets(values), nil
}

// Save encrypts the current values to path with 0600 permissions.
func (s *Secrets) Save(path, password string) error {
	s.mu.RLock()
	data, err := EncryptSecrets(password, s.values)
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create secrets directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	return nil
}

// Get returns the stored value for name, else the environment variable.
func (s *Secrets) Get(name string) (string, bool) {
	if s != nil {
		s.mu.RLock()
		v, ok := s.values[name]
		s.mu.RUnlock()
		if ok && v != "" {
			return v, true
		}
	}
	v := os.Getenv(name)
	return v, v != ""
}

// Set stores value under name.
func (s *Secrets) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
}

// Delete removes name.
func (s *Secrets) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, name)
}

// Names returns the stored names, sorted. Values are never listed.
func (s *Secrets) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// EncryptSecrets serializes and encrypts values.
func EncryptSecrets(password string, values map[string]string) ([]byte, error) {
	plaintext, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal secrets: %w", err)
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+nonceSize+len(plaintext)+tagSize)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// DecryptSecrets reverses EncryptSecrets.
func DecryptSecrets(password string, data []byte) (map[string]string, error) {
	if len(data) < saltSize+nonceSize+tagSize {
		return nil, errors.New("secrets file is corrupted or invalid format (too small)")
	}
	salt := data[:saltSize]
	nonce := data[saltSize : saltSize+nonceSize]
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, data[saltSize+nonceSize:], nil)
	if err != nil {
		return nil, ErrWrongPassword
	}
	var values map[string]string
	if err := json.Unmarshal(plaintext, &values); err != nil {
		return nil, fmt.Errorf("failed to parse secrets: %w", err)
	}
	return values, nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	pw := []byte(password)
	key, err := scrypt.Key(pw, salt, scryptN, scryptR, scryptP, keySize)
	clear(pw)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
