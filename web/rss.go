package web

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"
	"github.com/mastodon/mastodon-sub071/activitypub"
	"github.com/mastodon/mastodon-sub071/domain"
	"github.com/rs/zerolog/log"
)

const (
	rssSuffix      = ".rss"
	rssFeedSize    = 20
	rssContentType = "application/rss+xml; charset=utf-8"
)

// handleUser serves /users/:name.rss as a feed and everything else as the
// ActivityPub actor.
func (s *Server) handleUser(c *gin.Context) {
	if username, ok := strings.CutSuffix(c.Param("actor"), rssSuffix); ok {
		s.handleAccountRSS(c, username)
		return
	}
	if !s.Conf.Conf.WithAp {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return
	}
	s.handleActor(c)
}

func (s *Server) handleAccountRSS(c *gin.Context, username string) {
	ctx := c.Request.Context()
	acc, err := s.Store.FindLocalAccountByUsername(ctx, username)
	if err != nil {
		log.Error().Err(err).Str("username", username).Msg("RSS: lookup failed")
		c.Status(http.StatusInternalServerError)
		return
	}
	if acc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return
	}

	statuses, err := s.Store.PublicStatuses(ctx, acc.Id, rssFeedSize, 0)
	if err != nil {
		log.Error().Err(err).Str("username", username).Msg("RSS: could not get statuses")
		c.Status(http.StatusInternalServerError)
		return
	}
	for _, st := range statuses {
		st.Account = acc
	}

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s (@%s@%s)", displayName(acc), acc.Username, s.Conf.Conf.SslDomain),
		Link:        &feeds.Link{Href: activitypub.ActorURI(s.base(), acc.Username)},
		Description: fmt.Sprintf("Public posts from @%s@%s", acc.Username, s.Conf.Conf.SslDomain),
		Author:      &feeds.Author{Name: displayName(acc)},
		Created:     acc.CreatedAt,
	}
	renderFeed(c, feed, statuses)
}

// handleTagRSS serves /tags/:tag.rss with local public posts using the tag.
func (s *Server) handleTagRSS(c *gin.Context) {
	tag, ok := strings.CutSuffix(c.Param("tag"), rssSuffix)
	if !ok || tag == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return
	}
	tag = strings.ToLower(tag)

	statuses, err := s.Store.LocalTaggedStatuses(c.Request.Context(), tag, rssFeedSize)
	if err != nil {
		log.Error().Err(err).Str("tag", tag).Msg("RSS: could not get tagged statuses")
		c.Status(http.StatusInternalServerError)
		return
	}

	feed := &feeds.Feed{
		Title:       "#" + tag,
		Link:        &feeds.Link{Href: fmt.Sprintf("%s/tags/%s", s.base(), tag)},
		Description: fmt.Sprintf("Public posts from %s tagged #%s", s.Conf.Conf.SslDomain, tag),
		Created:     time.Now(),
	}
	renderFeed(c, feed, statuses)
}

func renderFeed(c *gin.Context, feed *feeds.Feed, statuses []*domain.Status) {
	feed.Items = make([]*feeds.Item, 0, len(statuses))
	for _, st := range statuses {
		feed.Items = append(feed.Items, feedItem(st))
	}

	rss, err := feed.ToRss()
	if err != nil {
		log.Error().Err(err).Str("feed", feed.Title).Msg("RSS: render failed")
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, rssContentType, []byte(rss))
}

func feedItem(st *domain.Status) *feeds.Item {
	item := &feeds.Item{
		Id:          st.URI,
		Link:        &feeds.Link{Href: st.URI},
		Description: st.Text,
		Created:     st.CreatedAt,
	}
	if st.Account != nil {
		item.Author = &feeds.Author{Name: displayName(st.Account)}
	}
	return item
}

func displayName(acc *domain.Account) string {
	if acc.DisplayName != "" {
		return acc.DisplayName
	}
	return acc.Username
}
