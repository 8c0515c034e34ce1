package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/yourorg/integrations-api/internal/domain"
)

// Vault persists sealed credential blobs. It never sees plaintext.
type Vault interface {
	PutSealed(ctx context.Context, ref string, sealed []byte) error
	GetSealed(ctx context.Context, ref string) ([]byte, bool, error)
	DeleteSealed(ctx context.Context, ref string) error
}

// Store owns every integration secret. Access is synchronized per ref: readers share
// a lock, rotation and deletion are exclusive.
type Store struct {
	vault  Vault
	sealer *Sealer
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*refLock
}

// refLock is dropped from the table when its last holder releases it, so the
// table only ever holds refs with a call in flight.
type refLock struct {
	sync.RWMutex
	users int
}

func NewStore(vault Vault, sealer *Sealer, logger *slog.Logger) *Store {
	if vault == nil {
		vault = NewMemoryVault()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{vault: vault, sealer: sealer, logger: logger, locks: map[string]*refLock{}}
}

func (s *Store) lock(ref string) (*refLock, func()) {
	s.mu.Lock()
	l, ok := s.locks[ref]
	if !ok {
		l = &refLock{}
		s.locks[ref] = l
	}
	l.users++
	s.mu.Unlock()
	return l, func() {
		s.mu.Lock()
		if l.users--; l.users == 0 {
			delete(s.locks, ref)
		}
		s.mu.Unlock()
	}
}

// Store saves a new secret under ref. Existing refs are rejected; use Rotate.
func (s *Store) Store(ctx context.Context, ref string, secret Secret) error {
	l, release := s.lock(ref)
	defer release()
	l.Lock()
	defer l.Unlock()

	if _, ok, err := s.vault.GetSealed(ctx, ref); err != nil {
		return fmt.Errorf("credential %s: %w", ref, err)
	} else if ok {
		return domain.Errorf(domain.ErrConfig, "store credential", "credential %s already exists", ref)
	}
	return s.put(ctx, ref, secret)
}

// Rotate replaces the secret under an existing ref.
func (s *Store) Rotate(ctx context.Context, ref string, secret Secret) error {
	l, release := s.lock(ref)
	defer release()
	l.Lock()
	defer l.Unlock()

	if _, ok, err := s.vault.GetSealed(ctx, ref); err != nil {
		return fmt.Errorf("credential %s: %w", ref, err)
	} else if !ok {
		return domain.Errorf(domain.ErrNotFound, "rotate credential", "credential %s does not exist", ref)
	}
	if err := s.put(ctx, ref, secret); err != nil {
		return err
	}
	s.logger.Info("credential rotated", "ref", ref)
	return nil
}

func (s *Store) put(ctx context.Context, ref string, secret Secret) error {
	sealed, err := s.seal(ref, secret.b)
	if err != nil {
		return fmt.Errorf("seal credential %s: %w", ref, err)
	}
	return s.vault.PutSealed(ctx, ref, sealed)
}

// Delete removes the secret. Deleting a missing ref is not an error.
func (s *Store) Delete(ctx context.Context, ref string) error {
	l, release := s.lock(ref)
	defer release()
	l.Lock()
	defer l.Unlock()
	return s.vault.DeleteSealed(ctx, ref)
}

// Exists reports whether ref holds a secret.
func (s *Store) Exists(ctx context.Context, ref string) (bool, error) {
	l, release := s.lock(ref)
	defer release()
	l.RLock()
	defer l.RUnlock()
	_, ok, err := s.vault.GetSealed(ctx, ref)
	return ok, err
}

// Use hands the secret to fn and wipes the plaintext copy when fn returns. Failures to
// obtain the secret are AuthErrors that name the ref but never its value.
func (s *Store) Use(ctx context.Context, ref string, fn func(Secret) error) error {
	l, release := s.lock(ref)
	defer release()
	l.RLock()
	defer l.RUnlock()

	sealed, ok, err := s.vault.GetSealed(ctx, ref)
	if err != nil {
		return domain.Errorf(domain.ErrAuth, "retrieve credential", "credential %s unavailable", ref)
	}
	if !ok {
		return domain.Errorf(domain.ErrAuth, "retrieve credential", "credential %s not found", ref)
	}
	plain, err := s.open(ref, sealed)
	if err != nil {
		s.logger.Warn("credential could not be opened", "ref", ref)
		return domain.Errorf(domain.ErrAuth, "retrieve credential", "credential %s is invalid", ref)
	}
	secret := Secret{b: plain}
	defer secret.wipe()
	return fn(secret)
}

func (s *Store) seal(ref string, plain []byte) ([]byte, error) {
	if s.sealer == nil {
		// memory-only deployments keep a private copy
		return append([]byte(nil), plain...), nil
	}
	return s.sealer.Seal(ref, plain)
}

func (s *Store) open(ref string, sealed []byte) ([]byte, error) {
	if s.sealer == nil {
		return append([]byte(nil), sealed...), nil
	}
	return s.sealer.Open(ref, sealed)
}

// MemoryVault keeps sealed blobs in process memory.
type MemoryVault struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryVault() *MemoryVault { return &MemoryVault{blobs: map[string][]byte{}} }

func (m *MemoryVault) PutSealed(_ context.Context, ref string, sealed []byte) error {
	if ref == "" {
		return errors.New("empty credential ref")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[ref] = append([]byte(nil), sealed...)
	return nil
}

func (m *MemoryVault) GetSealed(_ context.Context, ref string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[ref]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (m *MemoryVault) DeleteSealed(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, ref)
	return nil
}
