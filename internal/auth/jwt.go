package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// SubjectKey holds the authenticated caller in a request context.
const SubjectKey contextKey = "subject"

var ErrMissingToken = errors.New("missing bearer token")

// JWTValidator checks bearer tokens presented to the admin API.
type JWTValidator struct {
	method   jwt.SigningMethod
	key      any
	issuer   string
	audience string
}

// NewHMACValidator validates HS256 tokens signed with a shared secret.
func NewHMACValidator(secret, issuer, audience string) (*JWTValidator, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is empty")
	}
	return &JWTValidator{
		method:   jwt.SigningMethodHS256,
		key:      []byte(secret),
		issuer:   issuer,
		audience: audience,
	}, nil
}

// NewRSAValidator validates RS256 tokens against a PEM encoded public key.
func NewRSAValidator(publicKeyPEM, issuer, audience string) (*JWTValidator, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	publicKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		var ok bool
		publicKey, ok = key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA")
		}
	}

	return &JWTValidator{
		method:   jwt.SigningMethodRS256,
		key:      publicKey,
		issuer:   issuer,
		audience: audience,
	}, nil
}

// ValidateToken returns the token subject.
func (v *JWTValidator) ValidateToken(tokenString string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.method.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("missing sub claim")
	}
	return claims.Subject, nil
}

// HTTPMiddleware rejects requests without a valid bearer token. Health and
// metrics endpoints stay open for health checks and scrapers.
func (v *JWTValidator) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		tokenString, err := bearerToken(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		subject, err := v.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), SubjectKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("invalid Authorization header format")
	}
	return strings.TrimSpace(token), nil
}

// SubjectFromContext returns the caller recorded by HTTPMiddleware.
func SubjectFromContext(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(SubjectKey).(string)
	return subject, ok
}

// TokenRequest describes a token minted by IssueToken.
type TokenRequest struct {
	Secret   string
	Issuer   string
	Audience string
	Subject  string
	TTL      time.Duration
	Now      time.Time
}

// IssueToken mints an HS256 token accepted by NewHMACValidator.
func IssueToken(req TokenRequest) (string, error) {
	if req.Secret == "" {
		return "", fmt.Errorf("jwt secret is empty")
	}
	if req.Subject == "" {
		return "", fmt.Errorf("subject is required")
	}
	if req.TTL <= 0 {
		req.TTL = time.Hour
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	claims := jwt.RegisteredClaims{
		Issuer:    req.Issuer,
		Subject:   req.Subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(req.TTL)),
	}
	if req.Audience != "" {
		claims.Audience = jwt.ClaimStrings{req.Audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(req.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
