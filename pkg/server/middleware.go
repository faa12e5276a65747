package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/nstogner/aichat/pkg/domain"
	"github.com/nstogner/aichat/pkg/store"
)

var errUnauthorized = errors.New("missing or invalid token")

type userKey struct{}

// userFrom returns the authenticated user. authMiddleware guarantees it is set
// for every /api route.
func userFrom(ctx context.Context) *domain.User {
	u, _ := ctx.Value(userKey{}).(*domain.User)
	return u
}

// bearerToken reads the token from the Authorization header, or from the
// token query parameter for websocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.errorResponse(w, http.StatusUnauthorized, errUnauthorized)
			return
		}
		u, err := s.users.GetUserByToken(r.Context(), token)
		if errors.Is(err, store.ErrNotFound) {
			s.errorResponse(w, http.StatusUnauthorized, errUnauthorized)
			return
		}
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, u)))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Limiter hands out one token bucket per user.
type Limiter struct {
	limit rate.Limit
	burst int

	mu    sync.RWMutex
	users map[string]*rate.Limiter
}

// NewLimiter allows each user perSecond turns per second with the given burst.
func NewLimiter(perSecond float64, burst int) *Limiter {
	return &Limiter{
		limit: rate.Limit(perSecond),
		burst: burst,
		users: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether userID may submit a turn now.
func (l *Limiter) Allow(userID string) bool {
	if l == nil {
		return true
	}
	return l.userLimiter(userID).Allow()
}

func (l *Limiter) userLimiter(userID string) *rate.Limiter {
	l.mu.RLock()
	limiter, ok := l.users[userID]
	l.mu.RUnlock()
	if ok {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, ok = l.users[userID]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(l.limit, l.burst)
	l.users[userID] = limiter
	return limiter
}
