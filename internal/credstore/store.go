package credstore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/secretbox"
)

// Persisted keys. The session triple (access token, refresh token, profile)
// is always written and deleted together through SetMany/DeleteMany so
// readers never observe a partial session.
const (
	KeyAccessToken     = "access_token"
	KeyRefreshToken    = "refresh_token"
	KeyUserProfile     = "user_profile"
	KeyPendingPush     = "pending_push_registration"
	KeyLastPushAttempt = "last_push_attempt_at"
)

// ErrCorruptStore is returned when the store file cannot be decrypted,
// typically after a passphrase change or on-disk corruption.
var ErrCorruptStore = errors.New("credential store cannot be decrypted")

const nonceSize = 24

// Store is an encrypted key-value file backed by nacl/secretbox. Values are
// kept as one JSON map sealed per write, so every mutation is atomic from any
// reader's point of view. A file lock guards against concurrent processes.
type Store struct {
	mu     sync.Mutex
	path   string
	key    [32]byte
	logger *zap.Logger
}

// New opens (or lazily creates) the store at path. The encryption key is
// derived from the passphrase via SHA-256.
func New(path, passphrase string, logger *zap.Logger) (*Store, error) {
	if passphrase == "" {
		return nil, errors.New("credstore: passphrase is required")
	}
	s := &Store{
		path:   path,
		key:    sha256.Sum256([]byte(passphrase)),
		logger: logger,
	}
	// Fail fast on an unreadable store rather than at first use.
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the value for key and whether it was present.
func (s *Store) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return "", false, err
	}
	value, ok := values[key]
	return value, ok, nil
}

// Set stores a single value.
func (s *Store) Set(key, value string) error {
	return s.SetMany(map[string]string{key: value})
}

// SetMany stores all given values in one atomic write.
func (s *Store) SetMany(values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutate(func(m map[string]string) {
		for k, v := range values {
			m[k] = v
		}
	})
}

// Delete removes a single key. Missing keys are not an error.
func (s *Store) Delete(key string) error {
	return s.DeleteMany(key)
}

// DeleteMany removes all given keys in one atomic write.
func (s *Store) DeleteMany(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutate(func(m map[string]string) {
		for _, k := range keys {
			delete(m, k)
		}
	})
}

// mutate applies fn to the persisted map under the cross-process lock.
// Callers hold s.mu.
func (s *Store) mutate(fn func(map[string]string)) error {
	lock, err := acquireFileLock(s.path)
	if err != nil {
		return fmt.Errorf("credstore: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil && s.logger != nil {
			s.logger.Warn("failed to release store lock", zap.Error(releaseErr))
		}
	}()

	values, err := s.load()
	if err != nil {
		return err
	}
	fn(values)
	return s.save(values)
}

func (s *Store) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("credstore: read %s: %w", s.path, err)
	}
	if len(data) < nonceSize {
		return nil, ErrCorruptStore
	}

	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])
	plain, ok := secretbox.Open(nil, data[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrCorruptStore
	}

	values := map[string]string{}
	if err := json.Unmarshal(plain, &values); err != nil {
		return nil, fmt.Errorf("credstore: %w: %v", ErrCorruptStore, err)
	}
	return values, nil
}

func (s *Store) save(values map[string]string) error {
	plain, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("credstore: marshal: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("credstore: nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plain, &nonce, &s.key)

	// Temp file plus rename keeps the previous state intact on a crashed
	// write.
	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, sealed, 0o600); err != nil {
		return fmt.Errorf("credstore: write temp file: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		if removeErr := os.Remove(tempPath); removeErr != nil && s.logger != nil {
			s.logger.Warn("failed to remove temp store file", zap.Error(removeErr))
		}
		return fmt.Errorf("credstore: rename temp file: %w", err)
	}
	return nil
}
