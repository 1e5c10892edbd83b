package web

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mastodon/mastodon-sub071/domain"
	"github.com/mastodon/mastodon-sub071/signature"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// RateLimiter holds rate limiters for different IP addresses
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

// NewRateLimiter creates a new rate limiter
// r is requests per second, b is burst size
func NewRateLimiter(r rate.Limit, b int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    b,
	}
}

// getLimiter returns the rate limiter for a given IP address
func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[ip]
	if !exists {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[ip] = limiter
	}

	return limiter
}

// cleanupOldLimiters removes limiters that haven't been used recently
func (rl *RateLimiter) cleanupOldLimiters() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		// Reset the map to free memory from old IPs
		// This is a simple approach; in production you might track last-used times
		if len(rl.limiters) > 10000 {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		rl.mu.Unlock()
	}
}

// RateLimitMiddleware creates a Gin middleware for rate limiting
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	// Start cleanup goroutine
	go rl.cleanupOldLimiters()

	return func(c *gin.Context) {
		ip := c.ClientIP()
		limiter := rl.getLimiter(ip)

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded. Please try again later.",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// MaxBytesMiddleware limits the size of request bodies
func MaxBytesMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "Request body too large",
			})
			c.Abort()
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

const (
	ctxAccount  = "account"
	ctxToken    = "token"
	ctxProvider = "provider"
	ctxBody     = "body"
)

func bearerToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	// EventSource cannot set headers
	return c.Query("access_token")
}

// authenticate resolves the bearer token into the account it belongs to.
// It reports false when no valid token was sent.
func (s *Server) authenticate(c *gin.Context) (bool, error) {
	raw := bearerToken(c)
	if raw == "" {
		return false, nil
	}
	token, err := s.Store.FindAccessToken(c.Request.Context(), raw)
	if err != nil || token == nil {
		return false, err
	}
	acc, err := s.Store.FindAccountById(c.Request.Context(), token.AccountId)
	if err != nil || acc == nil || !acc.IsLocal() {
		return false, err
	}
	c.Set(ctxToken, token)
	c.Set(ctxAccount, acc)
	return true, nil
}

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := s.authenticate(c)
		if err != nil {
			log.Error().Err(err).Msg("Auth: token lookup failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "The access token is invalid"})
			return
		}
		c.Next()
	}
}

func (s *Server) optionalToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := s.authenticate(c); err != nil {
			log.Error().Err(err).Msg("Auth: token lookup failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
			return
		}
		c.Next()
	}
}

func currentAccount(c *gin.Context) *domain.Account {
	if v, ok := c.Get(ctxAccount); ok {
		return v.(*domain.Account)
	}
	return nil
}

func currentToken(c *gin.Context) *domain.AccessToken {
	if v, ok := c.Get(ctxToken); ok {
		return v.(*domain.AccessToken)
	}
	return nil
}

// providerAuth admits requests signed by a confirmed provider. The
// verified body is kept in the context since the request body is spent.
func (s *Server) providerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Unreadable body"})
			return
		}
		ctx := c.Request.Context()
		target := s.base() + c.Request.URL.RequestURI()

		keyID, err := s.Exchange.VerifyRequest(ctx, c.Request.Method, target, c.Request.Header, body, s.Providers.Resolve)
		if err != nil {
			if signature.IsVerificationError(err) {
				log.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("Provider: rejected request")
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Signature verification failed"})
				return
			}
			log.Error().Err(err).Msg("Provider: key lookup failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
			return
		}
		p, err := s.Providers.Find(ctx, keyID)
		if err != nil || p == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unknown provider"})
			return
		}

		c.Set(ctxProvider, p)
		c.Set(ctxBody, body)
		c.Next()
	}
}
