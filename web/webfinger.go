package web

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mastodon/mastodon-sub071/activitypub"
	"github.com/rs/zerolog/log"
)

type webfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

type webfingerResponse struct {
	Subject string          `json:"subject"`
	Links   []webfingerLink `json:"links"`
}

func webfingerNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
}

func (s *Server) handleWebfinger(c *gin.Context) {
	resource := c.Query("resource")
	if !strings.HasPrefix(resource, "acct:") {
		webfingerNotFound(c)
		return
	}
	username, host, _ := strings.Cut(strings.TrimPrefix(resource, "acct:"), "@")
	if host != "" && !strings.EqualFold(host, s.Conf.Conf.SslDomain) {
		webfingerNotFound(c)
		return
	}

	acc, err := s.Store.FindLocalAccountByUsername(c.Request.Context(), username)
	if err != nil {
		log.Error().Err(err).Msg("Webfinger: lookup failed")
		c.Status(http.StatusInternalServerError)
		return
	}
	if acc == nil {
		webfingerNotFound(c)
		return
	}

	c.Header("Content-Type", "application/jrd+json; charset=utf-8")
	c.JSON(http.StatusOK, webfingerResponse{
		Subject: "acct:" + acc.Username + "@" + s.Conf.Conf.SslDomain,
		Links: []webfingerLink{{
			Rel:  "self",
			Type: activitypub.ContentType,
			Href: activitypub.ActorURI(s.base(), acc.Username),
		}},
	})
}
