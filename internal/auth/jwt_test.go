package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "s3cret"

func mint(t *testing.T, req TokenRequest) string {
	t.Helper()
	if req.Secret == "" {
		req.Secret = testSecret
	}
	token, err := IssueToken(req)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return token
}

func TestHMACValidator(t *testing.T) {
	v, err := NewHMACValidator(testSecret, "tonerelay", "tonerelay-api")
	if err != nil {
		t.Fatalf("NewHMACValidator: %v", err)
	}

	tests := []struct {
		name    string
		token   string
		subject string
		wantErr bool
	}{
		{
			name:    "valid",
			token:   mint(t, TokenRequest{Issuer: "tonerelay", Audience: "tonerelay-api", Subject: "ops"}),
			subject: "ops",
		},
		{
			name:    "wrong secret",
			token:   mint(t, TokenRequest{Secret: "other", Issuer: "tonerelay", Audience: "tonerelay-api", Subject: "ops"}),
			wantErr: true,
		},
		{
			name:    "wrong issuer",
			token:   mint(t, TokenRequest{Issuer: "someone", Audience: "tonerelay-api", Subject: "ops"}),
			wantErr: true,
		},
		{
			name:    "wrong audience",
			token:   mint(t, TokenRequest{Issuer: "tonerelay", Audience: "other", Subject: "ops"}),
			wantErr: true,
		},
		{
			name: "expired",
			token: mint(t, TokenRequest{
				Issuer: "tonerelay", Audience: "tonerelay-api", Subject: "ops",
				Now: time.Now().Add(-2 * time.Hour), TTL: time.Hour,
			}),
			wantErr: true,
		},
		{
			name:    "garbage",
			token:   "not.a.token",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.ValidateToken(tt.token)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got subject %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateToken: %v", err)
			}
			if got != tt.subject {
				t.Errorf("subject = %q, want %q", got, tt.subject)
			}
		})
	}
}

func TestValidatorRejectsMissingExpiry(t *testing.T) {
	v, _ := NewHMACValidator(testSecret, "", "")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "ops"}).
		SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.ValidateToken(token); err == nil {
		t.Fatal("token without exp must be rejected")
	}
}

func TestValidatorRejectsMissingSubject(t *testing.T) {
	v, _ := NewHMACValidator(testSecret, "", "")
	claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.ValidateToken(token); err == nil || !strings.Contains(err.Error(), "sub") {
		t.Fatalf("err = %v, want missing sub", err)
	}
}

func TestNewHMACValidatorEmptySecret(t *testing.T) {
	if _, err := NewHMACValidator("", "a", "b"); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestRSAValidator(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	pkix := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	pkcs1 := string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey),
	}))

	claims := jwt.RegisteredClaims{
		Issuer:    "tonerelay",
		Subject:   "relayctl",
		Audience:  jwt.ClaimStrings{"tonerelay-api"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatal(err)
	}

	for name, pemText := range map[string]string{"pkix": pkix, "pkcs1": pkcs1} {
		t.Run(name, func(t *testing.T) {
			v, err := NewRSAValidator(pemText, "tonerelay", "tonerelay-api")
			if err != nil {
				t.Fatalf("NewRSAValidator: %v", err)
			}
			got, err := v.ValidateToken(signed)
			if err != nil {
				t.Fatalf("ValidateToken: %v", err)
			}
			if got != "relayctl" {
				t.Errorf("subject = %q", got)
			}

			// An HS256 token must not pass an RS256 validator.
			hs := mint(t, TokenRequest{Issuer: "tonerelay", Audience: "tonerelay-api", Subject: "x"})
			if _, err := v.ValidateToken(hs); err == nil {
				t.Error("expected algorithm mismatch to be rejected")
			}
		})
	}
}

func TestNewRSAValidatorInvalidPEM(t *testing.T) {
	tests := []struct {
		name string
		pem  string
	}{
		{"not pem", "invalid-pem"},
		{"bad body", "-----BEGIN PUBLIC KEY-----\naW52YWxpZA==\n-----END PUBLIC KEY-----"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRSAValidator(tt.pem, "i", "a"); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestHTTPMiddleware(t *testing.T) {
	v, _ := NewHMACValidator(testSecret, "tonerelay", "tonerelay-api")
	valid := mint(t, TokenRequest{Issuer: "tonerelay", Audience: "tonerelay-api", Subject: "ops"})

	var seen string
	handler := v.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		path       string
		header     string
		wantStatus int
		wantSubj   string
	}{
		{"health open", "/healthz", "", http.StatusOK, ""},
		{"metrics open", "/metrics", "", http.StatusOK, ""},
		{"missing token", "/v1/tasks", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "/v1/tasks", "Basic abc", http.StatusUnauthorized, ""},
		{"empty bearer", "/v1/tasks", "Bearer ", http.StatusUnauthorized, ""},
		{"bad token", "/v1/tasks", "Bearer nope", http.StatusUnauthorized, ""},
		{"valid", "/v1/tasks", "Bearer " + valid, http.StatusOK, "ops"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if seen != tt.wantSubj {
				t.Errorf("subject = %q, want %q", seen, tt.wantSubj)
			}
		})
	}
}

func TestBearerTokenMissing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := bearerToken(req); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("err = %v, want ErrMissingToken", err)
	}
}

func TestIssueTokenValidation(t *testing.T) {
	if _, err := IssueToken(TokenRequest{Subject: "x"}); err == nil {
		t.Error("expected error for empty secret")
	}
	if _, err := IssueToken(TokenRequest{Secret: "x"}); err == nil {
		t.Error("expected error for empty subject")
	}
}
