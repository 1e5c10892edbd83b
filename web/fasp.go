package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mastodon/mastodon-sub071/domain"
	"github.com/mastodon/mastodon-sub071/provider"
	"github.com/rs/zerolog/log"
)

// respondSigned writes a response signed with our key at the provider so
// it can verify who answered.
func (s *Server) respondSigned(c *gin.Context, p *domain.Provider, status int, body []byte) {
	key, err := provider.SigningKey(p)
	if err != nil {
		log.Error().Err(err).Str("provider", p.Name).Msg("Provider: no signing key")
		c.Status(http.StatusInternalServerError)
		return
	}
	headers, err := s.Exchange.SignResponse(status, nil, body, key)
	if err != nil {
		log.Error().Err(err).Str("provider", p.Name).Msg("Provider: signing response failed")
		c.Status(http.StatusInternalServerError)
		return
	}
	for k, v := range headers {
		c.Writer.Header()[k] = v
	}
	c.Data(status, headers.Get("Content-Type"), body)
}

// handleProviderCallback receives the echo a provider sends after a debug
// callback was requested.
func (s *Server) handleProviderCallback(c *gin.Context) {
	p := c.MustGet(ctxProvider).(*domain.Provider)
	body, _ := c.Get(ctxBody)
	log.Info().Str("provider", p.Name).Str("id", p.Id.String()).Bytes("body", body.([]byte)).Msg("Provider: debug callback received")
	s.respondSigned(c, p, http.StatusCreated, nil)
}

// handleProviderDebug asks a provider to call us back, which exercises
// signatures in both directions.
func (s *Server) handleProviderDebug(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
		return
	}
	ctx := c.Request.Context()
	p, err := s.Store.FindProviderById(ctx, id)
	if err != nil {
		log.Error().Err(err).Msg("Provider: lookup failed")
		c.Status(http.StatusInternalServerError)
		return
	}
	if p == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
		return
	}
	if err := s.Provider.Call(ctx, p, http.MethodPost, "/debug/v0/callback", nil, nil); err != nil {
		log.Warn().Err(err).Str("provider", p.Name).Msg("Provider: debug callback request failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
