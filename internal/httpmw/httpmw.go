// Package httpmw provides the CORS, request-logging, and bearer-auth
// middleware wrapped around every API handler. The origin-allow-list
// compare is grounded on the teacher's cookie-based security.Guard,
// generalized here to gate on a signed JWT bearer token instead of a
// single shared cookie token.
package httpmw

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ibbtransit/crowdcast/internal/auth"
)

// Guard checks request origin and bearer-token authentication.
type Guard struct {
	auth           *auth.Service
	allowedOrigins map[string]struct{}
	allowAll       bool
}

// New builds a Guard. allowedOrigins entries of "*" permit any origin.
func New(authSvc *auth.Service, allowedOrigins []string) *Guard {
	g := &Guard{auth: authSvc, allowedOrigins: make(map[string]struct{})}
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			g.allowAll = true
			continue
		}
		g.allowedOrigins[trimmed] = struct{}{}
	}
	return g
}

// CheckOrigin reports whether the request's Origin header (when present) is
// allowed: same scheme+host as the request, an entry in the allow-list, or
// any origin when the allow-list carries a "*" wildcard.
func (g *Guard) CheckOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if g.allowAll {
		return true
	}
	if _, ok := g.allowedOrigins[origin]; ok {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return parsed.Scheme == scheme && parsed.Host == r.Host
}

type claimsKey struct{}

// RequireBearer validates the Authorization: Bearer <token> header and
// stashes the resulting claims on the request context.
func (g *Guard) RequireBearer(r *http.Request) (*http.Request, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return r, auth.ErrInvalidToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	claims, err := g.auth.ValidateToken(token)
	if err != nil {
		return r, err
	}
	return r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)), nil
}

// ClaimsFromContext returns the authenticated caller's claims, if any.
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*auth.Claims)
	return claims, ok
}

// CORS sets the cross-origin headers for allowed origins and short-circuits
// preflight OPTIONS requests. Disallowed origins are passed through to the
// handler without CORS headers; only routes that call CheckOrigin
// themselves reject them, so the response body stays in the JSON error
// envelope.
func (g *Guard) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" && g.CheckOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type requestIDKey struct{}

// RequestIDFromContext returns the request id logged for this request.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok
}

// Logging logs method, path, status, and duration for every request, mirroring
// the teacher's requestLog middleware.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := uuid.NewString()
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, rid))
		w.Header().Set("X-Request-ID", rid)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		slog.Info("request", "method", r.Method, "path", r.URL.Path, "status", rec.status,
			"duration", time.Since(start).Truncate(time.Millisecond), "request_id", rid)
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.wroteHeader = true
	}
	return r.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying ResponseWriter for http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// ExposesBeyondLoopback reports whether listenAddr is reachable from outside
// the host, used at startup to warn when no allowed origins are configured.
func ExposesBeyondLoopback(listenAddr string) bool {
	host := listenHost(listenAddr)
	if host == "" {
		return true
	}
	if strings.EqualFold(host, "localhost") {
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		return !ip.IsLoopback()
	}
	return true
}

func listenHost(listenAddr string) string {
	addr := strings.TrimSpace(listenAddr)
	if addr == "" || strings.HasPrefix(addr, ":") {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err == nil {
		return strings.Trim(strings.TrimSpace(host), "[]")
	}
	return strings.Trim(addr, "[]")
}
