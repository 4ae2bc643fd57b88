package auth

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrInvalidPIN is returned for a wrong PIN. The REST layer maps it to 401
// without leaking whether a hash exists.
var ErrInvalidPIN = errors.New("invalid pin")

// PINStore persists the operator PIN hash.
type PINStore interface {
	LoadPINHash(ctx context.Context) (string, error)
	SetPINHash(ctx context.Context, hash string) error
}

type Service struct {
	store    PINStore
	hasher   *PINHasher
	sessions *SessionHandler
	logger   *zap.Logger
}

func NewService(store PINStore, hasher *PINHasher, sessions *SessionHandler, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		hasher:   hasher,
		sessions: sessions,
		logger:   logger,
	}
}

// EnsureDefaultPIN seeds the PIN hash on a fresh database. Existing hashes
// are never overwritten.
func (s *Service) EnsureDefaultPIN(ctx context.Context, pin string) error {
	existing, err := s.store.LoadPINHash(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pin hash: %w", err)
	}
	if existing != "" {
		return nil
	}

	hash, err := s.hasher.HashPIN(pin)
	if err != nil {
		return fmt.Errorf("failed to hash default pin: %w", err)
	}
	if err := s.store.SetPINHash(ctx, hash); err != nil {
		return fmt.Errorf("failed to store default pin: %w", err)
	}

	s.logger.Warn("Default operator PIN seeded, change it via the API")
	return nil
}

// Login verifies the PIN and issues a session token.
func (s *Service) Login(ctx context.Context, pin string) (string, error) {
	hash, err := s.store.LoadPINHash(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load pin hash: %w", err)
	}
	if hash == "" {
		return "", ErrInvalidPIN
	}

	ok, err := s.hasher.VerifyPIN(pin, hash)
	if err != nil {
		return "", fmt.Errorf("failed to verify pin: %w", err)
	}
	if !ok {
		return "", ErrInvalidPIN
	}

	return s.sessions.IssueToken()
}

// ChangePIN replaces the operator PIN after verifying the current one.
func (s *Service) ChangePIN(ctx context.Context, currentPIN, newPIN string) error {
	hash, err := s.store.LoadPINHash(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pin hash: %w", err)
	}

	ok, err := s.hasher.VerifyPIN(currentPIN, hash)
	if err != nil {
		return fmt.Errorf("failed to verify pin: %w", err)
	}
	if !ok {
		return ErrInvalidPIN
	}

	newHash, err := s.hasher.HashPIN(newPIN)
	if err != nil {
		return fmt.Errorf("failed to hash new pin: %w", err)
	}
	if err := s.store.SetPINHash(ctx, newHash); err != nil {
		return fmt.Errorf("failed to store new pin: %w", err)
	}

	s.logger.Info("Operator PIN changed")
	return nil
}
