package service

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"levman/observability/metrics"
)

// AuthConfig lists the authenticators the API accepts: static bearer tokens,
// HMAC-signed JWTs, or both.
type AuthConfig struct {
	APITokens []string
	JWTSecret string
}

type authenticator struct {
	tokens map[string]struct{}
	secret []byte
	logger *slog.Logger
}

func newAuthenticator(cfg AuthConfig, logger *slog.Logger) *authenticator {
	tokens := make(map[string]struct{}, len(cfg.APITokens))
	for _, token := range cfg.APITokens {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			tokens[trimmed] = struct{}{}
		}
	}
	return &authenticator{
		tokens: tokens,
		secret: []byte(strings.TrimSpace(cfg.JWTSecret)),
		logger: logger,
	}
}

func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := extractBearer(r.Header.Get("Authorization"))
		if credential == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, ok := a.tokens[credential]; ok {
			next.ServeHTTP(w, r)
			return
		}
		if len(a.secret) > 0 && a.verifyJWT(credential) {
			next.ServeHTTP(w, r)
			return
		}
		a.logger.Warn("rejected credential", slog.String("path", r.URL.Path))
		http.Error(w, "invalid token", http.StatusUnauthorized)
	})
}

func (a *authenticator) verifyJWT(tokenString string) bool {
	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}), jwt.WithLeeway(2*time.Minute))
	if err != nil {
		a.logger.Debug("jwt validation failed", slog.String("error", err.Error()))
		return false
	}
	return parsed.Valid
}

func extractBearer(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// rateLimiter applies a per-client token bucket keyed by forwarded-for or
// remote address.
type rateLimiter struct {
	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

func newRateLimiter(requestsPerSecond float64, burst int) *rateLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		limit:    rate.Limit(requestsPerSecond),
		burst:    burst,
		visitors: make(map[string]*rate.Limiter),
	}
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.obtain(clientID(r)).Allow() {
			metrics.HTTP().ObserveThrottle(r.URL.Path)
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *rateLimiter) obtain(id string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	limiter, ok := rl.visitors[id]
	if !ok {
		limiter = rate.NewLimiter(rl.limit, rl.burst)
		rl.visitors[id] = limiter
	}
	return limiter
}

func clientID(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := forwarded
		if comma := strings.IndexByte(forwarded, ','); comma > 0 {
			first = forwarded[:comma]
		}
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// requestMetrics records route-level counters and latency.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		metrics.HTTP().ObserveRequest(r.URL.Path, recorder.status, time.Since(start))
	})
}
