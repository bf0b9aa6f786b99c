// Package auth turns identity tokens into request headers and checks that
// tokens are still usable before a run starts sending requests.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bigthinkcode/rest-tester/internal/config"
	"github.com/bigthinkcode/rest-tester/internal/dispatch"
	"github.com/bigthinkcode/rest-tester/internal/logging"
	"github.com/bigthinkcode/rest-tester/internal/testcase"
)

var (
	// ErrTokenExpired is returned when a token is past its expiry or the
	// service rejects it.
	ErrTokenExpired = errors.New("provided token expired, add new token and restart test")
	// ErrUnsupportedFormat is returned for an unknown token encoding.
	ErrUnsupportedFormat = errors.New("unsupported token encoding")
)

const tokenPlaceholder = "{token}"

// State is the lifecycle position of a Session.
type State int

const (
	StateAnonymous State = iota
	StateAuthenticated
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateExpired:
		return "expired"
	}
	return "anonymous"
}

// Session holds the headers of one logged-in identity. Sessions are never
// shared between identities.
type Session struct {
	token   string
	headers http.Header
	state   State
}

// Header returns a copy of the session's headers.
func (s *Session) Header() http.Header {
	return s.headers.Clone()
}

// State returns the session state.
func (s *Session) State() State {
	return s.state
}

// Authenticator logs identities in and out and validates their tokens.
type Authenticator struct {
	cfg    config.AuthSettings
	sender dispatch.Sender
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Authenticator. sender is used for validation requests when
// tokens are opaque.
func New(cfg config.AuthSettings, sender dispatch.Sender, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		cfg:    cfg,
		sender: sender,
		logger: logger,
		now:    time.Now,
	}
}

// Login builds a new session for token. An empty token yields an anonymous
// session without headers.
func (a *Authenticator) Login(token string) *Session {
	s := &Session{headers: http.Header{}}
	if token == "" {
		return s
	}

	s.token = token
	s.state = StateAuthenticated
	for _, tmpl := range a.cfg.Headers {
		for name, value := range tmpl {
			s.headers.Set(name, strings.ReplaceAll(value, tokenPlaceholder, token))
		}
	}
	a.logger.Debug("logged in", "token", logging.MaskToken(token), "headers", len(s.headers))
	return s
}

// Logout clears the session's headers and returns it to the anonymous state.
func (a *Authenticator) Logout(s *Session) {
	if s == nil {
		return
	}
	s.token = ""
	s.headers = http.Header{}
	s.state = StateAnonymous
}

// Validate checks the session's token and marks the session expired when it
// is no longer valid.
func (a *Authenticator) Validate(ctx context.Context, s *Session) error {
	if err := a.IsTokenValid(ctx, s.token); err != nil {
		s.state = StateExpired
		return err
	}
	return nil
}

// IsTokenValid returns nil for an empty token. Encoded tokens are checked
// against their exp claim; opaque tokens by sending the configured validation
// request and requiring HTTP 200.
func (a *Authenticator) IsTokenValid(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	if a.cfg.TokenEncoded {
		claims, err := DecodeToken(a.cfg.EncodingFormat, token)
		if err != nil {
			a.logger.Error("decoding token", "token", logging.MaskToken(token), "error", err)
			return fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		exp, ok := claims.ExpiresAt()
		if !ok {
			return fmt.Errorf("%w: token has no exp claim", ErrTokenExpired)
		}
		if !a.now().Before(exp) {
			return fmt.Errorf("%w: expired at %s", ErrTokenExpired, exp.Format(time.RFC3339))
		}
		return nil
	}

	v := a.cfg.Validation
	req := dispatch.Request{
		Method:   v.Method,
		Endpoint: v.URI,
		Params:   dispatch.QueryValues(v.Params),
		Header:   a.Login(token).Header(),
	}
	if !testcase.IsFalsy(v.Data) {
		req.Body = v.Data
	}
	resp, err := a.sender.Send(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: validation request: %v", ErrTokenExpired, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: validation request returned %d", ErrTokenExpired, resp.StatusCode)
	}
	return nil
}

// Claims are the decoded payload of a token.
type Claims map[string]any

// ExpiresAt returns the exp claim.
func (c Claims) ExpiresAt() (time.Time, bool) {
	exp, err := jwt.MapClaims(c).GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// DecodeToken reads the claims of token without verifying any signature.
//
// For base64, a three-segment token has its middle segment decoded; any
// other token is decoded whole. Both URL-safe and standard alphabets are
// accepted, with or without padding.
func DecodeToken(format, token string) (Claims, error) {
	switch strings.ToLower(format) {
	case config.EncodingBase64:
		payload := token
		if parts := strings.Split(token, "."); len(parts) == 3 {
			payload = parts[1]
		}
		data, err := decodeSegment(payload)
		if err != nil {
			return nil, fmt.Errorf("decoding base64 token: %w", err)
		}
		var claims Claims
		if err := json.Unmarshal(data, &claims); err != nil {
			return nil, fmt.Errorf("parsing token claims: %w", err)
		}
		return claims, nil
	case config.EncodingJWT:
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return nil, fmt.Errorf("parsing jwt: %w", err)
		}
		return Claims(claims), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

func decodeSegment(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err == nil {
		return data, nil
	}
	if data, stdErr := base64.RawStdEncoding.DecodeString(s); stdErr == nil {
		return data, nil
	}
	return nil, err
}
