// Package roomtoken mints the bearer capability tokens that admit a user into
// a hosted video room, and generates the room identifiers those tokens bind.
//
// Tokens are HS256 JWTs in the shape room servers such as Jitsi Meet expect:
// a room claim plus a context block describing the user and the features the
// room may enable. The server keeps no record of issued tokens; a token stays
// valid until it expires, so TTLs are capped.
package roomtoken

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DefaultMaxTTL is both the default lifetime and the ceiling for a token.
	DefaultMaxTTL = 24 * time.Hour
	// DefaultClockSkew is subtracted from nbf to tolerate room-server clock drift.
	DefaultClockSkew = 30 * time.Second
	// MinSecretLength is the shortest HMAC secret an Issuer accepts.
	MinSecretLength = 32
)

var (
	ErrWeakSecret     = errors.New("room token secret is missing or shorter than 32 bytes")
	ErrMissingDomain  = errors.New("room domain is required")
	ErrInvalidRequest = errors.New("invalid token request")
	ErrSigning        = errors.New("signing room token")
	ErrInvalidToken   = errors.New("invalid room token")
)

// Config holds the process-wide issuer settings.
type Config struct {
	Secret    []byte
	Issuer    string
	Audience  string
	Domain    string
	MaxTTL    time.Duration
	ClockSkew time.Duration
}

// Features lists the room features a token may switch on. All are off until
// a policy layer decides otherwise.
type Features struct {
	Recording     bool `json:"recording"`
	Livestreaming bool `json:"livestreaming"`
	Transcription bool `json:"transcription"`
	OutboundCall  bool `json:"outbound-call"`
}

// User is the context.user block of a token.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	Moderator bool   `json:"moderator"`
}

// Context is the context block of a token.
type Context struct {
	User     User     `json:"user"`
	Features Features `json:"features"`
}

// Claims is the full payload of a room capability token.
type Claims struct {
	jwt.RegisteredClaims
	Room    string  `json:"room"`
	Context Context `json:"context"`
}

// IssueRequest describes one participant's admission to one room.
type IssueRequest struct {
	RoomID      string
	Subject     string
	DisplayName string
	Email       string
	Moderator   bool
	// TTL may only shorten the lifetime; zero or anything above the
	// configured maximum yields the maximum.
	TTL time.Duration
}

// Grant is what a client receives to enter a room.
type Grant struct {
	Token      string    `json:"token"`
	MeetingURL string    `json:"meeting_url"`
	RoomID     string    `json:"room_id"`
	Moderator  bool      `json:"moderator"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Issuer signs and verifies room tokens. It is safe for concurrent use.
type Issuer struct {
	cfg Config
	now func() time.Time
}

// NewIssuer validates cfg and returns an Issuer. A missing or short secret is
// a configuration error; callers treat it as fatal.
func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	if cfg.Domain == "" {
		return nil, ErrMissingDomain
	}
	if cfg.MaxTTL <= 0 || cfg.MaxTTL > DefaultMaxTTL {
		cfg.MaxTTL = DefaultMaxTTL
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = DefaultClockSkew
	}
	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)
	cfg.Secret = secret
	return &Issuer{cfg: cfg, now: time.Now}, nil
}

// WithClock returns a copy of the issuer that reads time from now.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	cp := *i
	cp.now = now
	return &cp
}

// MaxTTL returns the effective token lifetime ceiling.
func (i *Issuer) MaxTTL() time.Duration { return i.cfg.MaxTTL }

// EffectiveTTL clamps a requested lifetime to (0, MaxTTL].
func (i *Issuer) EffectiveTTL(requested time.Duration) time.Duration {
	if requested <= 0 || requested > i.cfg.MaxTTL {
		return i.cfg.MaxTTL
	}
	return requested
}

// Issue signs a token for req and builds the meeting URL around it.
func (i *Issuer) Issue(req IssueRequest) (*Grant, error) {
	if req.RoomID == "" || req.Subject == "" {
		return nil, fmt.Errorf("%w: room and subject are required", ErrInvalidRequest)
	}

	now := i.now()
	expiresAt := now.Add(i.EffectiveTTL(req.TTL))

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    i.cfg.Issuer,
			Subject:   req.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-i.cfg.ClockSkew)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Room: req.RoomID,
		Context: Context{
			User: User{
				ID:        req.Subject,
				Name:      req.DisplayName,
				Email:     req.Email,
				Moderator: req.Moderator,
			},
		},
	}
	if i.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{i.cfg.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}

	return &Grant{
		Token:      signed,
		MeetingURL: MeetingURL(i.cfg.Domain, req.RoomID, signed),
		RoomID:     req.RoomID,
		Moderator:  req.Moderator,
		IssuedAt:   now,
		ExpiresAt:  expiresAt,
	}, nil
}

// Verify checks signature, issuer, audience and time claims the way the room
// server does, and returns the parsed claims.
func (i *Issuer) Verify(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.now),
	}
	if i.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.cfg.Issuer))
	}
	if i.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(i.cfg.Audience))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return i.cfg.Secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// MeetingURL returns https://{domain}/{roomID}?token={token}.
func MeetingURL(domain, roomID, token string) string {
	u := url.URL{
		Scheme:   "https",
		Host:     domain,
		Path:     "/" + roomID,
		RawQuery: url.Values{"token": []string{token}}.Encode(),
	}
	return u.String()
}
