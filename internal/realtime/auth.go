package realtime

import (
	"crypto/subtle"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdle = 15 * time.Minute

// authenticator checks the shared token and throttles clients that keep
// presenting a wrong one.
type authenticator struct {
	token []byte
	limit rate.Limit
	burst int

	mu       sync.Mutex
	attempts map[string]*attemptInfo
	lastGC   time.Time
}

type attemptInfo struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newAuthenticator(token string, failuresPerMinute float64, burst int) *authenticator {
	if failuresPerMinute <= 0 {
		failuresPerMinute = 5
	}
	if burst <= 0 {
		burst = 5
	}
	return &authenticator{
		token:    []byte(token),
		limit:    rate.Limit(failuresPerMinute / 60),
		burst:    burst,
		attempts: make(map[string]*attemptInfo),
	}
}

func (a *authenticator) enabled() bool {
	return len(a.token) > 0
}

// checkLocked reports whether ip has used up its failure budget and, if so,
// how long until another attempt is allowed.
func (a *authenticator) checkLocked(ip string, now time.Time) (bool, time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	info, ok := a.attempts[ip]
	if !ok {
		return false, 0
	}
	tokens := info.lim.TokensAt(now)
	if tokens >= 1 {
		return false, 0
	}
	wait := time.Duration((1 - tokens) / float64(a.limit) * float64(time.Second))
	return true, wait
}

func (a *authenticator) recordFailure(ip string, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if now.Sub(a.lastGC) > limiterIdle {
		for k, info := range a.attempts {
			if now.Sub(info.lastSeen) > limiterIdle {
				delete(a.attempts, k)
			}
		}
		a.lastGC = now
	}

	info, ok := a.attempts[ip]
	if !ok {
		info = &attemptInfo{lim: rate.NewLimiter(a.limit, a.burst)}
		a.attempts[ip] = info
	}
	info.lastSeen = now
	info.lim.AllowN(now, 1)
}

// authorize returns the HTTP status that refuses r, or 0 when r may proceed.
// retryAfter is set for 429.
func (a *authenticator) authorize(r *http.Request, presented string) (status int, retryAfter time.Duration) {
	if !a.enabled() {
		return 0, 0
	}
	ip := clientIP(r)
	now := time.Now()
	if locked, wait := a.checkLocked(ip, now); locked {
		return http.StatusTooManyRequests, wait
	}
	if subtle.ConstantTimeCompare([]byte(presented), a.token) == 1 {
		return 0, 0
	}
	a.recordFailure(ip, now)
	return http.StatusUnauthorized, 0
}

// guard wraps HTTP API handlers with the token check. The token may come from
// the query string or an Authorization: Bearer header.
func (a *authenticator) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, retry := a.authorize(r, requestToken(r))
		if status != 0 {
			refuse(w, status, retry)
			return
		}
		next(w, r)
	}
}

func refuse(w http.ResponseWriter, status int, retryAfter time.Duration) {
	if status == http.StatusTooManyRequests {
		secs := int(math.Ceil(retryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeError(w, status, http.StatusText(status))
}

func requestToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
