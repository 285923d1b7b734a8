package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// SessionState is where a caller is in the session lifecycle.
type SessionState string

const (
	SessionAnonymous     SessionState = "anonymous"
	SessionAuthenticated SessionState = "authenticated"
	SessionExpired       SessionState = "expired"
)

// Session is built per request from the Authorization header and travels in
// the request context. It is never shared between requests.
type Session struct {
	State     SessionState `json:"state"`
	Subject   string       `json:"subject,omitempty"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
}

// Authenticated reports whether the session carries a valid token.
func (s Session) Authenticated() bool {
	return s.State == SessionAuthenticated
}

const sessionKey contextKey = "session"

// SessionFromContext returns the caller's session; anonymous when unset.
func SessionFromContext(ctx context.Context) Session {
	if s, ok := ctx.Value(sessionKey).(Session); ok {
		return s
	}
	return Session{State: SessionAnonymous}
}

// WithSession stores s in ctx.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// Authenticator validates HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

// NewAuthenticator creates an Authenticator. An empty secret makes every
// caller anonymous.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), now: time.Now}
}

// Resolve turns a raw bearer token into a Session.
func (a *Authenticator) Resolve(token string) (Session, error) {
	if token == "" || len(a.secret) == 0 {
		return Session{State: SessionAnonymous}, nil
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			s := Session{State: SessionExpired, Subject: claims.Subject}
			if claims.ExpiresAt != nil {
				exp := claims.ExpiresAt.Time
				s.ExpiresAt = &exp
			}
			return s, nil
		}
		return Session{State: SessionAnonymous}, fmt.Errorf("invalid token: %w", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return Session{State: SessionAnonymous}, errors.New("invalid token: missing subject")
	}

	s := Session{State: SessionAuthenticated, Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time
		s.ExpiresAt = &exp
	}
	return s, nil
}

// Issue signs a token for subject valid for ttl.
func (a *Authenticator) Issue(subject string, ttl time.Duration) (string, error) {
	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString(a.secret)
}

// bearerToken returns the token of a "Bearer" Authorization header, or the
// empty string for any other scheme.
func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// Sessions attaches a Session to every request. Malformed bearer tokens are
// rejected with 401; requests without one get an anonymous session.
func Sessions(auth *Authenticator, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, err := auth.Resolve(bearerToken(r.Header.Get("Authorization")))
			if err != nil {
				log.Warn().Err(err).Str("path", r.URL.Path).Msg("Rejected bearer token")
				WriteError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), session)))
		})
	}
}

// RequireAuthenticated rejects requests without an authenticated session
// when required is true.
func RequireAuthenticated(required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !required {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch SessionFromContext(r.Context()).State {
			case SessionAuthenticated:
				next.ServeHTTP(w, r)
			case SessionExpired:
				WriteError(w, http.StatusUnauthorized, "Session expired")
			default:
				WriteError(w, http.StatusUnauthorized, "Authentication required")
			}
		})
	}
}
