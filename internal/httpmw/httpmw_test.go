package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ibbtransit/crowdcast/internal/auth"
	"github.com/ibbtransit/crowdcast/internal/store"
)

func newTestAuth(t *testing.T) *auth.Service {
	t.Helper()
	st, err := store.NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return auth.New(st, "test-secret", "crowdcast-test", time.Hour)
}

func TestCheckOrigin(t *testing.T) {
	g := New(newTestAuth(t), []string{"https://allowed.example"})

	req := httptest.NewRequest(http.MethodGet, "http://api.internal/forecast/500", nil)
	req.Header.Set("Origin", "https://allowed.example")
	if !g.CheckOrigin(req) {
		t.Error("expected allow-listed origin to pass")
	}

	req2 := httptest.NewRequest(http.MethodGet, "http://api.internal/forecast/500", nil)
	req2.Header.Set("Origin", "https://evil.example")
	if g.CheckOrigin(req2) {
		t.Error("expected non-allow-listed origin to be denied")
	}

	req3 := httptest.NewRequest(http.MethodGet, "http://api.internal/forecast/500", nil)
	if !g.CheckOrigin(req3) {
		t.Error("expected request with no Origin header to pass")
	}
}

func TestCheckOriginWildcard(t *testing.T) {
	g := New(newTestAuth(t), []string{"*"})
	req := httptest.NewRequest(http.MethodGet, "http://api.internal/forecast/500", nil)
	req.Header.Set("Origin", "https://anything.example")
	if !g.CheckOrigin(req) {
		t.Error("expected wildcard allow-list to permit any origin")
	}
}

func TestRequireBearer(t *testing.T) {
	authSvc := newTestAuth(t)
	g := New(authSvc, nil)

	token, err := authSvc.GenerateToken("user-1", "alice")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://api.internal/admin/scheduler/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	withClaims, err := g.RequireBearer(req)
	if err != nil {
		t.Fatalf("RequireBearer: %v", err)
	}
	claims, ok := ClaimsFromContext(withClaims.Context())
	if !ok || claims.UserID != "user-1" {
		t.Fatalf("expected claims for user-1, got %+v ok=%v", claims, ok)
	}

	badReq := httptest.NewRequest(http.MethodGet, "http://api.internal/admin/scheduler/status", nil)
	if _, err := g.RequireBearer(badReq); err == nil {
		t.Error("expected error for missing Authorization header")
	}

	wrongReq := httptest.NewRequest(http.MethodGet, "http://api.internal/admin/scheduler/status", nil)
	wrongReq.Header.Set("Authorization", "Bearer not-a-real-token")
	if _, err := g.RequireBearer(wrongReq); err == nil {
		t.Error("expected error for invalid token")
	}
}

func TestCORSPreflight(t *testing.T) {
	g := New(newTestAuth(t), []string{"https://allowed.example"})
	called := false
	handler := g.CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "http://api.internal/reports", nil)
	req.Header.Set("Origin", "https://allowed.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if called {
		t.Error("expected preflight to short-circuit before reaching next handler")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://allowed.example" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestExposesBeyondLoopback(t *testing.T) {
	cases := map[string]bool{
		":8080":          true,
		"127.0.0.1:8080": false,
		"localhost:8080": false,
		"0.0.0.0:8080":   true,
		"10.0.0.5:8080":  true,
	}
	for addr, want := range cases {
		if got := ExposesBeyondLoopback(addr); got != want {
			t.Errorf("ExposesBeyondLoopback(%s) = %v, want %v", addr, got, want)
		}
	}
}
