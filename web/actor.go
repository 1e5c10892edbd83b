package web

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mastodon/mastodon-sub071/activitypub"
	"github.com/mastodon/mastodon-sub071/domain"
	"github.com/rs/zerolog/log"
)

const activityJSON = activitypub.ContentType + "; charset=utf-8"

func renderActivity(c *gin.Context, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Render: failed to marshal activity")
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(status, activityJSON, data)
}

func (s *Server) handleActor(c *gin.Context) {
	acc, err := s.Store.FindLocalAccountByUsername(c.Request.Context(), c.Param("actor"))
	if err != nil {
		log.Error().Err(err).Msg("Actor: lookup failed")
		c.Status(http.StatusInternalServerError)
		return
	}
	if acc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return
	}
	renderActivity(c, http.StatusOK, activitypub.RenderActor(s.base(), acc))
}

// handleNote serves a local status as a Create activity. Only statuses
// anyone may read are served unauthenticated.
func (s *Server) handleNote(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Invalid status ID"})
		return
	}
	ctx := c.Request.Context()
	st, err := s.Store.FindStatusById(ctx, id)
	if err != nil {
		log.Error().Err(err).Msg("Note: lookup failed")
		c.Status(http.StatusInternalServerError)
		return
	}
	if st == nil || !st.IsLocal() || (st.Visibility != domain.VisibilityPublic && st.Visibility != domain.VisibilityUnlisted) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Status not found"})
		return
	}

	activity, err := s.Outbox.CreateActivity(ctx, st)
	if err != nil {
		log.Error().Err(err).Msg("Note: render failed")
		c.Status(http.StatusInternalServerError)
		return
	}
	renderActivity(c, http.StatusOK, activity["object"])
}
