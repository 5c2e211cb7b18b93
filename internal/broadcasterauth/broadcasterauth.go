// Package broadcasterauth gates access to a project's broadcaster stream
// with a bearer JWT scoped to that project id, spec §6's client protocol
// running over an authenticated transport. Grounded on the teacher's
// kerrors-style typed-error classification (internal/llm/errors.go) for
// distinguishing an expired token from a malformed one.
package broadcasterauth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/forgepilot/orchestrator/internal/kerrors"
)

// Claims is the token payload: the subject (user) and the single
// project id the token authorizes a stream subscription for.
type Claims struct {
	jwt.RegisteredClaims
	ProjectID string `json:"projectId"`
}

// Issuer mints and verifies project-scoped bearer tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer constructs an Issuer signing with HMAC-SHA256 over secret. A
// zero ttl defaults to one hour; a negative ttl issues already-expired
// tokens.
func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &Issuer{secret: secret, ttl: ttl}
}

// Issue mints a token authorizing subject to subscribe to projectID's
// broadcaster stream.
func (i *Issuer) Issue(subject, projectID string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		ProjectID: projectID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", kerrors.Wrap(kerrors.Fatal, "sign broadcaster token", err)
	}
	return signed, nil
}

// Verify parses tokenString and checks that it authorizes projectID.
func (i *Issuer) Verify(tokenString, projectID string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	})
	if err != nil {
		if strings.Contains(err.Error(), "token is expired") {
			return nil, kerrors.Wrap(kerrors.InvalidArgument, "broadcaster token expired", err)
		}
		return nil, kerrors.Wrap(kerrors.InvalidArgument, "invalid broadcaster token", err)
	}
	if !token.Valid {
		return nil, kerrors.New(kerrors.InvalidArgument, "invalid broadcaster token")
	}
	if claims.ProjectID != projectID {
		return nil, kerrors.New(kerrors.InvalidArgument, fmt.Sprintf("token not scoped to project %s", projectID))
	}
	return claims, nil
}

// Middleware wraps next, requiring a valid bearer token scoped to the
// {id} path value before allowing the request through.
func (i *Issuer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		projectID := r.PathValue("id")
		auth := r.Header.Get("Authorization")
		tokenString := strings.TrimPrefix(auth, "Bearer ")
		if tokenString == "" || tokenString == auth {
			http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
			return
		}
		if _, err := i.Verify(tokenString, projectID); err != nil {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
