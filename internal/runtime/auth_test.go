package runtime

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var secret = []byte("test-secret")

func serve(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, string) {
	t.Helper()
	e := echo.New()
	var seen string
	e.GET("/me", func(c echo.Context) error {
		seen, _ = UserID(c)
		return c.String(http.StatusOK, seen)
	}, EchoAuthMiddleware(secret))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec, seen
}

func TestAuthMiddlewareAcceptsBearerAndCookie(t *testing.T) {
	tok, err := SignJWT("alice", secret, time.Hour)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec, user := serve(t, req)
	if rec.Code != http.StatusOK || user != "alice" {
		t.Fatalf("bearer: code=%d user=%q", rec.Code, user)
	}

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: "auth", Value: tok})
	rec, user = serve(t, req)
	if rec.Code != http.StatusOK || user != "alice" {
		t.Fatalf("cookie: code=%d user=%q", rec.Code, user)
	}
}

func TestAuthMiddlewareRejects(t *testing.T) {
	expired, _ := SignJWT("alice", secret, -time.Minute)
	wrongKey, _ := SignJWT("alice", []byte("other"), time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(time.Hour).Unix()}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice"}).SignedString(secret)

	for name, tok := range map[string]string{"missing": "", "expired": expired, "wrong key": wrongKey, "alg none": none, "no exp": noExp} {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		rec, _ := serve(t, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, rec.Code)
		}
	}
}

func TestSignJWTRequiresSubject(t *testing.T) {
	if _, err := SignJWT(" ", secret, time.Hour); err == nil {
		t.Fatalf("expected error for blank subject")
	}
}
