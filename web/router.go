package web

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mastodon/mastodon-sub071/activitypub"
	"github.com/mastodon/mastodon-sub071/audience"
	"github.com/mastodon/mastodon-sub071/domain"
	"github.com/mastodon/mastodon-sub071/metrics"
	"github.com/mastodon/mastodon-sub071/provider"
	"github.com/mastodon/mastodon-sub071/signature"
	"github.com/mastodon/mastodon-sub071/streaming"
	"github.com/mastodon/mastodon-sub071/util"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type Store interface {
	FindLocalAccountByUsername(ctx context.Context, username string) (*domain.Account, error)
	FindAccountById(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	FindAccountByAcct(ctx context.Context, acct, localDomain string) (*domain.Account, error)
	FindAccessToken(ctx context.Context, token string) (*domain.AccessToken, error)
	FindAccessTokenById(ctx context.Context, id uuid.UUID) (*domain.AccessToken, error)
	RevokeAccessToken(ctx context.Context, id uuid.UUID) error
	CreateStatus(ctx context.Context, st *domain.Status) error
	FindStatusById(ctx context.Context, id uuid.UUID) (*domain.Status, error)
	DeleteStatus(ctx context.Context, id uuid.UUID) error
	PublicStatuses(ctx context.Context, accountId uuid.UUID, limit, offset int) ([]*domain.Status, error)
	CountPublicStatuses(ctx context.Context, accountId uuid.UUID) (int, error)
	LocalTaggedStatuses(ctx context.Context, tag string, limit int) ([]*domain.Status, error)
	FindListById(ctx context.Context, id uuid.UUID) (*domain.List, error)
	FindProviderById(ctx context.Context, id uuid.UUID) (*domain.Provider, error)
}

// Dispatcher fans statuses out to local timelines and sessions.
type Dispatcher interface {
	Dispatch(ctx context.Context, st *domain.Status) error
	DispatchDelete(ctx context.Context, st *domain.Status) error
	Disconnect(ctx context.Context, tokenId uuid.UUID) error
}

// Server holds what the HTTP handlers need.
type Server struct {
	Conf       *util.AppConfig
	Store      Store
	Inbox      *activitypub.Inbox
	Outbox     *activitypub.Outbox
	Audience   *audience.Processor
	Dispatcher Dispatcher
	Hub        *streaming.Hub
	Providers  *provider.Registry
	Provider   *provider.Client
	Exchange   *signature.Exchange
	Metrics    *metrics.Metrics
}

func (s *Server) base() string {
	return s.Conf.BaseURL()
}

// Handler builds the gin engine with every route.
func (s *Server) Handler() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), requestLogger())
	// SSE must be flushed as written and signed bodies must stay as digested
	g.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPathsRegexs([]string{"^/api/v1/streaming", "^/api/fasp"})))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	g.GET("/metrics", gin.WrapH(s.Metrics.Handler()))

	g.GET("/.well-known/webfinger", s.handleWebfinger)

	// /users/:name.rss shares the segment with the actor document
	g.GET("/users/:actor", s.handleUser)
	g.GET("/tags/:tag", s.handleTagRSS)

	api := g.Group("/api/v1")
	api.POST("/statuses", s.requireToken(), MaxBytesMiddleware(64*1024), s.handleCreateStatus)
	api.DELETE("/statuses/:id", s.requireToken(), s.handleDeleteStatus)
	api.GET("/streaming/:channel", s.optionalToken(), s.handleStream)
	api.DELETE("/streaming/sessions/:token", s.requireToken(), s.handleEndSession)
	api.POST("/fasp/providers/:id/debug_callback", s.requireToken(), s.handleProviderDebug)
	g.POST("/oauth/revoke", s.requireToken(), s.handleRevoke)

	fasp := g.Group("/api/fasp", MaxBytesMiddleware(1*1024*1024), s.providerAuth())
	fasp.POST("/debug/v0/callback/responses", s.handleProviderCallback)

	if s.Conf.Conf.WithAp {
		// Stricter rate limit for ActivityPub endpoints: 5 req/sec per IP
		apLimiter := NewRateLimiter(rate.Limit(5), 10)

		// Max 1MB request body size for ActivityPub activities
		maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024)

		g.GET("/users/:actor/outbox", s.handleOutbox)
		g.GET("/statuses/:id", s.handleNote)
		g.POST("/inbox", RateLimitMiddleware(apLimiter), maxBodySize, s.handleInbox)
		g.POST("/users/:actor/inbox", RateLimitMiddleware(apLimiter), maxBodySize, s.handleInbox)
	}
	return g
}

// HTTPServer wraps Handler so the caller can ListenAndServe and Shutdown.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.Conf.Conf.Host, s.Conf.Conf.HttpPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		path := c.Request.URL.Path
		if strings.HasPrefix(path, "/metrics") {
			return
		}
		log.Debug().Str("method", c.Request.Method).Str("path", path).Int("status", c.Writer.Status()).Str("ip", c.ClientIP()).Msg("HTTP")
	}
}
