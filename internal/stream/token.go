package stream

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL bounds how long a stream token grants access.
const DefaultTokenTTL = 5 * time.Minute

var (
	ErrNoSigningSecret = errors.New("stream signing secret not configured")
	ErrInvalidToken    = errors.New("invalid stream token")
)

// TokenService issues and validates the time-limited tokens a client
// presents on the stream channel.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// Claims binds a stream token to one agent and one client.
type Claims struct {
	AgentID  string `json:"agentId"`
	ClientID string `json:"clientId"`
	jwt.RegisteredClaims
}

// NewTokenService builds a token helper with the given secret and TTL.
func NewTokenService(secret string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenService{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// SetClock overrides the clock, for tests.
func (s *TokenService) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Issue signs a token granting clientID access to agentID's stream.
func (s *TokenService) Issue(agentID, clientID string) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrNoSigningSecret
	}
	if strings.TrimSpace(agentID) == "" || strings.TrimSpace(clientID) == "" {
		return "", errors.New("agent id and client id required")
	}
	now := s.now()
	claims := Claims{
		AgentID:  agentID,
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Validate parses a token and returns its claims.
func (s *TokenService) Validate(token string) (*Claims, error) {
	if len(s.secret) == 0 {
		return nil, ErrNoSigningSecret
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.AgentID == "" || claims.ClientID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// TTL reports the configured token lifetime.
func (s *TokenService) TTL() time.Duration { return s.ttl }
