// Package service holds the relay's domain services: signature auth,
// rate limiting and the username registry.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/noma-protocol/frontend-sub002/models"
	"github.com/noma-protocol/frontend-sub002/storage"
)

// AuthMessagePrefix is the fixed prefix clients sign. The remainder of the
// message is a unix-millisecond timestamp.
const AuthMessagePrefix = "Noma relay login: "

const (
	// MessageMaxAge bounds how stale a signed challenge may be.
	MessageMaxAge = 10 * time.Minute
	// messageMaxSkew tolerates minor client clock drift into the future.
	messageMaxSkew = time.Minute
	// CredentialTTL is how long a persisted credential stays valid.
	CredentialTTL = 24 * time.Hour
)

var (
	ErrInvalidAuthMessage = errors.New("invalid auth message")
	ErrInvalidSignature   = errors.New("invalid signature")
)

// AuthService validates signed challenges and manages persisted credentials.
// Exactly one live credential exists per address; re-authentication replaces
// the previous one.
type AuthService struct {
	store storage.DataStore
	now   func() time.Time
}

// NewAuthService creates an auth service over the given store.
func NewAuthService(store storage.DataStore) *AuthService {
	return &AuthService{store: store, now: time.Now}
}

// Authenticate verifies that signature recovers to address over message and
// issues a fresh session token. The message must be the fixed prefix plus a
// millisecond timestamp no older than 10 minutes.
func (s *AuthService) Authenticate(ctx context.Context, address, signature, message string) (*models.AuthCredential, error) {
	if err := s.validateMessage(message); err != nil {
		return nil, err
	}
	if err := verifySignature(address, signature, message); err != nil {
		return nil, err
	}

	token, err := newSessionToken()
	if err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}

	cred := models.AuthCredential{
		Address:      strings.ToLower(address),
		SessionToken: token,
		Signature:    signature,
		LastAuth:     s.now().UTC(),
	}
	if err := s.store.SaveCredential(ctx, cred); err != nil {
		// In-memory auth state stays authoritative; losing the write only
		// costs session resumption after a restart
		log.Printf("[Auth] Warning: failed to persist credential for %s: %v", cred.Address, err)
	}
	return &cred, nil
}

// CheckAuth resumes a session from a previously persisted credential.
// Returns nil when no valid credential exists.
func (s *AuthService) CheckAuth(ctx context.Context, address string) (*models.AuthCredential, error) {
	cred, err := s.store.GetCredential(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("lookup credential: %w", err)
	}
	if cred == nil || s.now().Sub(cred.LastAuth) >= CredentialTTL {
		return nil, nil
	}
	return cred, nil
}

// IsAuthenticated reports whether address holds a credential younger than
// the 24h validity window.
func (s *AuthService) IsAuthenticated(ctx context.Context, address string) bool {
	cred, err := s.CheckAuth(ctx, address)
	return err == nil && cred != nil
}

// Revoke deletes the persisted credential for one address.
func (s *AuthService) Revoke(ctx context.Context, address string) error {
	return s.store.DeleteCredential(ctx, address)
}

// RevokeAll deletes every persisted credential and returns how many were
// removed.
func (s *AuthService) RevokeAll(ctx context.Context) (int, error) {
	return s.store.DeleteAllCredentials(ctx)
}

func (s *AuthService) validateMessage(message string) error {
	if !strings.HasPrefix(message, AuthMessagePrefix) {
		return fmt.Errorf("%w: missing prefix", ErrInvalidAuthMessage)
	}
	ms, err := strconv.ParseInt(strings.TrimPrefix(message, AuthMessagePrefix), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidAuthMessage)
	}

	issued := time.UnixMilli(ms)
	now := s.now()
	if now.Sub(issued) > MessageMaxAge {
		return fmt.Errorf("%w: message expired", ErrInvalidAuthMessage)
	}
	if issued.Sub(now) > messageMaxSkew {
		return fmt.Errorf("%w: timestamp in the future", ErrInvalidAuthMessage)
	}
	return nil
}

// verifySignature checks an eth_personal_sign signature against the
// expected address.
func verifySignature(address, signature, message string) error {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil || len(sig) != crypto.SignatureLength {
		return fmt.Errorf("%w: malformed signature", ErrInvalidSignature)
	}

	// personal_sign emits V as 27/28; SigToPub wants 0/1
	recovery := make([]byte, crypto.SignatureLength)
	copy(recovery, sig)
	if recovery[64] >= 27 {
		recovery[64] -= 27
	}

	digest := crypto.Keccak256(
		[]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)),
	)
	pub, err := crypto.SigToPub(digest, recovery)
	if err != nil {
		return fmt.Errorf("%w: recovery failed", ErrInvalidSignature)
	}

	if !strings.EqualFold(crypto.PubkeyToAddress(*pub).Hex(), address) {
		return fmt.Errorf("%w: signer mismatch", ErrInvalidSignature)
	}
	return nil
}

func newSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
