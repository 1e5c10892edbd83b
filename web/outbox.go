package web

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mastodon/mastodon-sub071/activitypub"
	"github.com/rs/zerolog/log"
)

const outboxPageSize = 20

// handleOutbox returns an OrderedCollection of a user's public posts, or
// one page of it when ?page= is given.
func (s *Server) handleOutbox(c *gin.Context) {
	ctx := c.Request.Context()
	acc, err := s.Store.FindLocalAccountByUsername(ctx, c.Param("actor"))
	if err != nil {
		log.Error().Err(err).Msg("Outbox: lookup failed")
		c.Status(http.StatusInternalServerError)
		return
	}
	if acc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return
	}
	outboxURL := activitypub.OutboxURI(s.base(), acc.Username)

	page := ParsePageParam(c.Query("page"))
	if page == 0 {
		total, err := s.Store.CountPublicStatuses(ctx, acc.Id)
		if err != nil {
			log.Error().Err(err).Str("actor", acc.Username).Msg("Outbox: count failed")
			c.Status(http.StatusInternalServerError)
			return
		}
		renderActivity(c, http.StatusOK, map[string]any{
			"@context":   activitypub.ActivityStreams,
			"id":         outboxURL,
			"type":       "OrderedCollection",
			"totalItems": total,
			"first":      fmt.Sprintf("%s?page=1", outboxURL),
		})
		return
	}

	// one extra row tells whether there is a next page
	statuses, err := s.Store.PublicStatuses(ctx, acc.Id, outboxPageSize+1, (page-1)*outboxPageSize)
	if err != nil {
		log.Error().Err(err).Int("page", page).Msg("Outbox: page failed")
		c.Status(http.StatusInternalServerError)
		return
	}
	hasMore := len(statuses) > outboxPageSize
	if hasMore {
		statuses = statuses[:outboxPageSize]
	}

	items := make([]any, 0, len(statuses))
	for _, st := range statuses {
		st.Account = acc
		activity, err := s.Outbox.CreateActivity(ctx, st)
		if err != nil {
			log.Error().Err(err).Str("status", st.Id.String()).Msg("Outbox: render failed")
			c.Status(http.StatusInternalServerError)
			return
		}
		delete(activity, "@context")
		items = append(items, activity)
	}

	collectionPage := map[string]any{
		"@context":     activitypub.ActivityStreams,
		"id":           fmt.Sprintf("%s?page=%d", outboxURL, page),
		"type":         "OrderedCollectionPage",
		"partOf":       outboxURL,
		"orderedItems": items,
	}
	if hasMore {
		collectionPage["next"] = fmt.Sprintf("%s?page=%d", outboxURL, page+1)
	}
	if page > 1 {
		collectionPage["prev"] = fmt.Sprintf("%s?page=%d", outboxURL, page-1)
	}
	renderActivity(c, http.StatusOK, collectionPage)
}

// ParsePageParam extracts the page parameter from a query string
func ParsePageParam(pageStr string) int {
	if pageStr == "" {
		return 0
	}
	page, err := strconv.Atoi(pageStr)
	if err != nil || page < 0 {
		return 0
	}
	return page
}
