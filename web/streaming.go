package web

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mastodon/mastodon-sub071/domain"
	"github.com/mastodon/mastodon-sub071/fanout"
	"github.com/rs/zerolog/log"
)

const heartbeatInterval = 30 * time.Second

type streamError struct {
	status int
	msg    string
}

// streamChannels maps a client stream name to the hub channels it reads.
// Authenticated sessions also watch their token channel so revoking the
// token can end them.
func (s *Server) streamChannels(c *gin.Context) ([]string, *streamError) {
	acc := currentAccount(c)
	name := c.Param("channel")

	var channels []string
	switch name {
	case "public":
		channels = append(channels, fanout.ChannelPublic)
	case "public:local":
		channels = append(channels, fanout.ChannelPublicLocal)
	case "hashtag", "hashtag:local":
		tag := strings.TrimPrefix(strings.TrimSpace(c.Query("tag")), "#")
		if tag == "" {
			return nil, &streamError{http.StatusBadRequest, "tag is required"}
		}
		ch := fanout.HashtagChannel(tag)
		// unlisted tagged statuses only reach signed in viewers
		if acc != nil {
			ch += ":authorized"
		}
		if name == "hashtag:local" {
			ch += ":local"
		}
		channels = append(channels, ch)
	case "user":
		if acc == nil {
			return nil, &streamError{http.StatusUnauthorized, "This stream requires an access token"}
		}
		channels = append(channels, fanout.HomeChannel(acc.Id))
	case "list":
		if acc == nil {
			return nil, &streamError{http.StatusUnauthorized, "This stream requires an access token"}
		}
		listId, err := uuid.Parse(c.Query("list"))
		if err != nil {
			return nil, &streamError{http.StatusBadRequest, "list is required"}
		}
		list, err := s.Store.FindListById(c.Request.Context(), listId)
		if err != nil {
			log.Error().Err(err).Msg("Streaming: list lookup failed")
			return nil, &streamError{http.StatusInternalServerError, "Internal error"}
		}
		if list == nil || list.AccountId != acc.Id {
			return nil, &streamError{http.StatusNotFound, "Record not found"}
		}
		channels = append(channels, fanout.ListChannel(list.Id))
	default:
		return nil, &streamError{http.StatusNotFound, "Unknown stream"}
	}

	if token := currentToken(c); token != nil {
		channels = append(channels, fanout.AccessTokenChannel(token.Id))
	}
	return channels, nil
}

// handleStream relays hub events as server-sent events until the client
// goes away, the subscription drops, or a kill event arrives.
func (s *Server) handleStream(c *gin.Context) {
	channels, serr := s.streamChannels(c)
	if serr != nil {
		c.JSON(serr.status, gin.H{"error": serr.msg})
		return
	}

	ctx := c.Request.Context()
	sub, err := s.Hub.Subscribe(ctx, channels...)
	if err != nil {
		log.Error().Err(err).Msg("Streaming: subscribe failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Streaming unavailable"})
		return
	}
	defer sub.Close()

	defer s.Metrics.StreamOpened()()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-heartbeat.C:
			fmt.Fprint(w, ":thump\n\n")
			return true
		case msg, ok := <-sub.Messages():
			if !ok {
				return false
			}
			if msg.Event.Event == domain.EventKill {
				return false
			}
			c.SSEvent(msg.Event.Event, msg.Event.Payload)
			return true
		}
	})
}

// handleEndSession disconnects every stream opened with one of the
// caller's tokens without revoking it.
func (s *Server) handleEndSession(c *gin.Context) {
	id, err := uuid.Parse(c.Param("token"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
		return
	}
	ctx := c.Request.Context()
	token, err := s.Store.FindAccessTokenById(ctx, id)
	if err != nil {
		log.Error().Err(err).Msg("Streaming: token lookup failed")
		c.Status(http.StatusInternalServerError)
		return
	}
	if token == nil || token.AccountId != currentAccount(c).Id {
		c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
		return
	}
	if err := s.Dispatcher.Disconnect(ctx, token.Id); err != nil {
		log.Error().Err(err).Msg("Streaming: disconnect failed")
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusNoContent)
}
