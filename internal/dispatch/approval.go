package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alekspetrov/hookpilot/internal/payload"
)

// Approval button actions.
const (
	ActionApprove = "approve"
	ActionReview  = "review"
	ActionReject  = "reject"
)

// Slack action ids of the approval buttons.
const (
	ActionIDApprove = "approve_task"
	ActionIDReview  = "review_task"
	ActionIDReject  = "reject_task"
)

// DefaultApprovalTTL is how long an approval button stays valid.
const DefaultApprovalTTL = 7 * 24 * time.Hour

var (
	ErrInvalidApproval = errors.New("invalid approval token")
	ErrExpiredApproval = errors.New("approval token expired")
)

// Approval is what a button click carries back to the gateway.
type Approval struct {
	OriginalTaskID string          `json:"original_task_id"`
	Command        string          `json:"command"`
	Source         string          `json:"source"`
	Action         string          `json:"action"`
	Routing        payload.Routing `json:"routing"`
}

type approvalClaims struct {
	Approval
	jwt.RegisteredClaims
}

// Signer signs and verifies approval button values with HMAC-SHA256.
type Signer struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewSigner returns a signer. A non-positive ttl uses DefaultApprovalTTL.
func NewSigner(secret string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = DefaultApprovalTTL
	}
	return &Signer{secret: []byte(secret), ttl: ttl, issuer: "hookpilot", now: time.Now}
}

// Sign returns the compact JWT for a.
func (s *Signer) Sign(a Approval) (string, error) {
	now := s.now()
	claims := &approvalClaims{
		Approval: a,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Subject:   a.OriginalTaskID,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign approval: %w", err)
	}
	return token, nil
}

// Verify checks the signature, issuer and expiry of token.
func (s *Signer) Verify(token string) (*Approval, error) {
	parsed, err := jwt.ParseWithClaims(token, &approvalClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidApproval
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredApproval
		}
		return nil, ErrInvalidApproval
	}
	claims, ok := parsed.Claims.(*approvalClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidApproval
	}
	switch claims.Action {
	case ActionApprove, ActionReview, ActionReject:
	default:
		return nil, ErrInvalidApproval
	}
	return &claims.Approval, nil
}
