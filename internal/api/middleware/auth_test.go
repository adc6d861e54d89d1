package middleware

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const testKID = "an-test"

type signer struct {
	key *rsa.PrivateKey
	kf  keyfunc.Keyfunc
}

func newSigner(t *testing.T) *signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	set, _ := json.Marshal(map[string]any{"keys": []map[string]any{{
		"kty": "RSA",
		"kid": testKID,
		"use": "sig",
		"alg": "RS256",
		"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
	}}})
	kf, err := keyfunc.NewJWKSetJSON(set)
	if err != nil {
		t.Fatalf("keyfunc: %v", err)
	}
	return &signer{key: key, kf: kf}
}

func (s *signer) token(t *testing.T, claims tokenClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = testKID
	raw, err := tok.SignedString(s.key)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func validClaims(sub string) tokenClaims {
	now := time.Now()
	return tokenClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}}
}

// serve прогоняет запрос через JWTAuth и возвращает статус и Principal,
// увиденный обработчиком.
func serve(auth *JWTAuth, header string) (int, *Principal) {
	var seen *Principal
	h := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/ARCHIVE", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code, seen
}

func TestJWTAuth_ValidToken(t *testing.T) {
	s := newSigner(t)
	auth := NewJWTAuthWithKeyfunc(s.kf, 5*time.Second, quietLogger())

	claims := validClaims("ingest-bot")
	claims.Scope = "openid " + ScopeArchive
	claims.ScopeList = []string{ScopeArchive, ScopeSubscriptions}
	claims.AuthorizedParty = "pipeline"

	code, p := serve(auth, "Bearer "+s.token(t, claims))
	if code != http.StatusOK {
		t.Fatalf("статус %d, ожидался 200", code)
	}
	if p == nil || p.Subject != "ingest-bot" || p.ClientID != "pipeline" {
		t.Fatalf("Principal = %+v", p)
	}
	// Дубликаты scope из двух форматов не повторяются
	if len(p.Scopes) != 3 {
		t.Errorf("scopes = %v, ожидалось 3 значения", p.Scopes)
	}
}

func TestJWTAuth_Rejected(t *testing.T) {
	s := newSigner(t)
	auth := NewJWTAuthWithKeyfunc(s.kf, 0, quietLogger())

	expired := validClaims("u")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	noSub := validClaims("")
	noExp := validClaims("u")
	noExp.ExpiresAt = nil

	other := newSigner(t)

	cases := map[string]string{
		"без заголовка":       "",
		"Basic":               "Basic dXNlcjpwYXNz",
		"без схемы":           "token123",
		"пустой Bearer":       "Bearer ",
		"просрочен":           "Bearer " + s.token(t, expired),
		"без sub":             "Bearer " + s.token(t, noSub),
		"без exp":             "Bearer " + s.token(t, noExp),
		"чужой ключ":          "Bearer " + other.token(t, validClaims("u")),
		"мусор вместо токена": "Bearer a.b.c",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			if code, _ := serve(auth, header); code != http.StatusUnauthorized {
				t.Errorf("статус %d, ожидался 401", code)
			}
		})
	}
}

func TestJWTAuth_IssuerAndAudience(t *testing.T) {
	s := newSigner(t)
	auth := newJWTAuth(s.kf, JWTAuthConfig{Issuer: "https://idp/realms/archive", Audience: "archive-node"}, quietLogger())

	good := validClaims("u")
	good.Issuer = "https://idp/realms/archive"
	good.Audience = jwt.ClaimStrings{"archive-node"}
	if code, _ := serve(auth, "Bearer "+s.token(t, good)); code != http.StatusOK {
		t.Errorf("корректные iss/aud: статус %d", code)
	}

	wrongAud := good
	wrongAud.Audience = jwt.ClaimStrings{"query-module"}
	if code, _ := serve(auth, "Bearer "+s.token(t, wrongAud)); code != http.StatusUnauthorized {
		t.Errorf("чужой aud: статус %d, ожидался 401", code)
	}

	wrongIss := good
	wrongIss.Issuer = "https://other"
	if code, _ := serve(auth, "Bearer "+s.token(t, wrongIss)); code != http.StatusUnauthorized {
		t.Errorf("чужой iss: статус %d, ожидался 401", code)
	}
}

func guarded(scopes ...string) http.Handler {
	return RequireScope(scopes...)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
}

func requestAs(p *Principal) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/SUBSCRIBE", nil)
	if p != nil {
		req = req.WithContext(WithPrincipal(req.Context(), p))
	}
	return req
}

func TestRequireScope(t *testing.T) {
	tests := []struct {
		name   string
		p      *Principal
		scopes []string
		want   int
	}{
		{"нужный scope", &Principal{Subject: "u", Scopes: []string{ScopeSubscriptions}}, []string{ScopeSubscriptions}, http.StatusNoContent},
		{"один из нескольких", &Principal{Subject: "u", Scopes: []string{ScopeArchive}}, []string{ScopeSubscriptions, ScopeArchive}, http.StatusNoContent},
		{"admin разрешает всё", &Principal{Subject: "u", Scopes: []string{ScopeAdmin}}, []string{ScopeSubscriptions}, http.StatusNoContent},
		{"нет нужного scope", &Principal{Subject: "u", Scopes: []string{ScopeArchive}}, []string{ScopeSubscriptions}, http.StatusForbidden},
		{"без scopes", &Principal{Subject: "u"}, []string{ScopeArchive}, http.StatusForbidden},
		{"без аутентификации", nil, []string{ScopeArchive}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			guarded(tt.scopes...).ServeHTTP(rec, requestAs(tt.p))
			if rec.Code != tt.want {
				t.Errorf("статус %d, ожидался %d", rec.Code, tt.want)
			}
		})
	}
}

func TestSubjectFromContext(t *testing.T) {
	if sub := SubjectFromContext(context.Background()); sub != "" {
		t.Errorf("без Principal: %q, ожидалась пустая строка", sub)
	}
	ctx := WithPrincipal(context.Background(), &Principal{Subject: "operator"})
	if sub := SubjectFromContext(ctx); sub != "operator" {
		t.Errorf("SubjectFromContext = %q, ожидалось operator", sub)
	}
}

func TestJWTAuth_CloseWithoutJWKS(t *testing.T) {
	s := newSigner(t)
	NewJWTAuthWithKeyfunc(s.kf, 0, quietLogger()).Close()
}
