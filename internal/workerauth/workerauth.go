package workerauth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"post-dispatch/internal/apierror"
)

// Identity is the typed capability derived from a worker credential. It is
// never persisted.
type Identity struct {
	WorkerID  string
	Region    string
	Platforms []string
	ExpiresAt time.Time
}

// AllowsPlatform reports whether the identity is authorized for a platform.
func (id Identity) AllowsPlatform(platform string) bool {
	for _, p := range id.Platforms {
		if p == platform {
			return true
		}
	}
	return false
}

type workerClaims struct {
	WorkerID  string   `json:"workerId"`
	Region    string   `json:"region"`
	Platforms []string `json:"platforms"`
	jwt.RegisteredClaims
}

// Verifier signs and validates worker credentials with a shared HMAC secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Mint issues a time-boxed credential for a worker.
func (v *Verifier) Mint(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := workerClaims{
		WorkerID:  id.WorkerID,
		Region:    id.Region,
		Platforms: id.Platforms,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.WorkerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Parse validates a credential and extracts the worker identity.
func (v *Verifier) Parse(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &workerClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("invalid worker credential: %w", err)
	}
	claims, ok := token.Claims.(*workerClaims)
	if !ok {
		return Identity{}, fmt.Errorf("invalid claims type")
	}
	id := Identity{
		WorkerID:  claims.WorkerID,
		Region:    claims.Region,
		Platforms: claims.Platforms,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

type ctxKey struct{}

// FromContext returns the identity attached by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// Middleware extracts and validates the bearer credential, rejecting the
// request early on any failure and attaching the identity to the request
// context otherwise.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			apierror.Write(w, apierror.New(apierror.CodeMissingCredential, "missing or invalid authorization header"))
			return
		}
		id, err := v.Parse(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			apierror.Write(w, apierror.New(apierror.CodeInvalidCredential, "invalid or expired worker credential"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}
