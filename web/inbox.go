package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mastodon/mastodon-sub071/activitypub"
	"github.com/rs/zerolog/log"
)

func inboxStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusAccepted
	case errors.Is(err, activitypub.ErrUnknownRecipient):
		return http.StatusNotFound
	case errors.Is(err, activitypub.ErrBadSignature):
		return http.StatusUnauthorized
	case errors.Is(err, activitypub.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, activitypub.ErrMalformed):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// handleInbox serves both the shared inbox and personal ones; the
// personal inbox owner is passed on as the delivered-to account.
func (s *Server) handleInbox(c *gin.Context) {
	username := c.Param("actor")
	body, err := c.GetRawData()
	if err != nil {
		log.Warn().Err(err).Msg("Inbox: failed to read body")
		c.Status(http.StatusBadRequest)
		return
	}

	err = s.Inbox.Receive(c.Request.Context(), c.Request, body, username)
	status := inboxStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("inbox", username).Msg("Inbox: failed to process activity")
	} else if err != nil {
		log.Info().Err(err).Str("inbox", username).Int("status", status).Msg("Inbox: rejected activity")
	}
	c.Status(status)
}
