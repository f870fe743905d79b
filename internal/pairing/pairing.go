// Package pairing issues and resolves the credentials that bind agents to rooms.
package pairing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/markus-barta/roomrelay/internal/store"
	"github.com/rs/zerolog"
)

var (
	ErrMissingCredential  = errors.New("missing_credential")
	ErrRoomNotFound       = errors.New("room_not_found")
	ErrCredentialMismatch = errors.New("credential_mismatch")
	ErrInvalidToken       = errors.New("invalid_token")
)

const (
	roomIDLength     = 6
	roomIDAlphabet   = "abcdefghijklmnopqrstuvwxyz0123456789"
	secretAlphabet   = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	secretSuffixLen  = 12
	maxRoomIDRetries = 5
)

// Store is the subset of persistence pairing needs.
type Store interface {
	CreateRoom(ctx context.Context, room *store.Room) error
	GetRoom(ctx context.Context, roomID string) (*store.Room, error)
	CreateClient(ctx context.Context, c *store.Client) error
	GetClientByToken(ctx context.Context, token string) (*store.Client, error)
}

// ClaimResult is returned by a successful claim.
type ClaimResult struct {
	AccessToken string
	ClientID    string
	ExpiresIn   time.Duration
}

// Service creates rooms and pairs agents with them.
type Service struct {
	log       zerolog.Logger
	store     Store
	verifier  Verifier
	expiresIn time.Duration
	now       func() time.Time
}

// NewService creates a pairing service. expiresIn is reported to callers
// but never enforced.
func NewService(log zerolog.Logger, st Store, verifier Verifier, expiresIn time.Duration) *Service {
	return &Service{
		log:       log.With().Str("component", "pairing").Logger(),
		store:     st,
		verifier:  verifier,
		expiresIn: expiresIn,
		now:       time.Now,
	}
}

// CreateRoom creates a room and returns its id plus the plaintext secret.
// The plaintext is not stored and cannot be retrieved again.
func (s *Service) CreateRoom(ctx context.Context) (*store.Room, string, error) {
	secret, err := generateSecret()
	if err != nil {
		return nil, "", fmt.Errorf("generate secret: %w", err)
	}
	hash, err := s.verifier.Hash(secret)
	if err != nil {
		return nil, "", fmt.Errorf("hash secret: %w", err)
	}

	for attempt := 0; attempt < maxRoomIDRetries; attempt++ {
		roomID, err := randomString(roomIDAlphabet, roomIDLength)
		if err != nil {
			return nil, "", fmt.Errorf("generate room id: %w", err)
		}
		room := &store.Room{ID: roomID, SecretHash: hash, CreatedAt: s.now().UTC()}
		err = s.store.CreateRoom(ctx, room)
		if errors.Is(err, store.ErrDuplicate) {
			s.log.Debug().Str("room", roomID).Msg("room id collision, retrying")
			continue
		}
		if err != nil {
			return nil, "", err
		}
		s.log.Info().Str("room", roomID).Msg("room created")
		return room, secret, nil
	}
	return nil, "", fmt.Errorf("create room: no free id after %d attempts", maxRoomIDRetries)
}

// Claim verifies the room secret and issues a fresh access token.
// Every successful claim inserts a new client row, even when clientID is reused.
func (s *Service) Claim(ctx context.Context, roomID, secret, clientID string) (*ClaimResult, error) {
	if secret == "" {
		return nil, ErrMissingCredential
	}

	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}

	if !s.verifier.Verify(secret, room.SecretHash) {
		s.log.Warn().Str("room", roomID).Msg("claim rejected: secret mismatch")
		return nil, ErrCredentialMismatch
	}

	if clientID == "" {
		clientID = uuid.NewString()
	}

	client := &store.Client{
		ClientID:    clientID,
		RoomID:      roomID,
		AccessToken: newAccessToken(),
		LastSeen:    s.now().UTC(),
	}
	if err := s.store.CreateClient(ctx, client); err != nil {
		return nil, err
	}

	s.log.Info().Str("room", roomID).Str("client", clientID).Msg("client claimed room")

	return &ClaimResult{
		AccessToken: client.AccessToken,
		ClientID:    clientID,
		ExpiresIn:   s.expiresIn,
	}, nil
}

// ResolveToken looks up the client holding an access token.
func (s *Service) ResolveToken(ctx context.Context, token string) (*store.Client, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	client, err := s.store.GetClientByToken(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	return client, nil
}

// newAccessToken returns a random UUID in its 32-character hex form.
func newAccessToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func generateSecret() (string, error) {
	suffix, err := randomString(secretAlphabet, secretSuffixLen)
	if err != nil {
		return "", err
	}
	return newAccessToken() + suffix, nil
}

func randomString(alphabet string, length int) (string, error) {
	size := big.NewInt(int64(len(alphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}
