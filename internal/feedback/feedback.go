// Package feedback signs run-scoped feedback tokens and records
// end-user ratings. A token grants exactly one action: write feedback
// for the run it names.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/workflowai/gateway/internal/store"
	"github.com/workflowai/gateway/pkg/models"
)

var (
	// ErrInvalidToken covers bad signatures, expiry and malformed tokens.
	ErrInvalidToken = errors.New("feedback: invalid token")

	// ErrInvalidOutcome is returned for outcomes outside the known set.
	ErrInvalidOutcome = errors.New("feedback: invalid outcome")
)

// DefaultTokenExpiry is how long a feedback token stays usable.
const DefaultTokenExpiry = 90 * 24 * time.Hour

// Signer issues and verifies feedback tokens. Tokens carry the run id
// as subject and nothing else; no tenant data leaves the server.
type Signer struct {
	secret []byte
	expiry time.Duration
}

// NewSigner builds a signer. expiry <= 0 uses DefaultTokenExpiry.
func NewSigner(secret string, expiry time.Duration) *Signer {
	if expiry <= 0 {
		expiry = DefaultTokenExpiry
	}
	return &Signer{secret: []byte(secret), expiry: expiry}
}

type tokenClaims struct {
	jwt.RegisteredClaims
}

// Sign produces a token for the given run id.
func (s *Signer) Sign(runID string) (string, error) {
	if strings.TrimSpace(runID) == "" {
		return "", errors.New("feedback: run id required")
	}
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   runID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks the token and returns the run id it grants access to.
func (s *Signer) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Service verifies tokens and writes feedback entries.
type Service struct {
	signer *Signer
	store  store.FeedbackStore
}

// NewService wires the signer to the feedback store.
func NewService(signer *Signer, fs store.FeedbackStore) *Service {
	return &Service{signer: signer, store: fs}
}

// Signer returns the token signer for run finalization.
func (s *Service) Signer() *Signer { return s.signer }

// Record verifies the token and upserts the feedback entry. A repeat
// submission for the same (run, user) replaces the prior entry.
func (s *Service) Record(ctx context.Context, token, outcome, comment, userID string) error {
	runID, err := s.signer.Verify(token)
	if err != nil {
		return err
	}
	if !models.ValidFeedbackOutcome(outcome) {
		return ErrInvalidOutcome
	}
	return s.store.PutFeedback(ctx, &models.Feedback{
		RunID:     runID,
		UserID:    userID,
		Outcome:   models.FeedbackOutcome(outcome),
		Comment:   comment,
		CreatedAt: time.Now(),
	})
}
