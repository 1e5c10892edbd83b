package web

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mastodon/mastodon-sub071/activitypub"
	"github.com/mastodon/mastodon-sub071/domain"
	"github.com/mastodon/mastodon-sub071/fanout"
	"github.com/rs/zerolog/log"
)

var (
	mentionPattern = regexp.MustCompile(`(?:^|[^\w/])@([\w]+(?:@[\w.\-]+\w)?)`)
	hashtagPattern = regexp.MustCompile(`(?:^|[^\w/&])#(\w+)`)
)

type createStatusRequest struct {
	Status     string `json:"status" binding:"required"`
	Visibility string `json:"visibility"`
	InReplyTo  string `json:"in_reply_to_uri"`
}

func extractTags(text string) []string {
	var tags []string
	seen := make(map[string]bool)
	for _, m := range hashtagPattern.FindAllStringSubmatch(text, -1) {
		tag := strings.ToLower(m[1])
		if !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	return tags
}

func extractMentions(text string) []string {
	var accts []string
	for _, m := range mentionPattern.FindAllStringSubmatch(text, -1) {
		accts = append(accts, m[1])
	}
	return accts
}

func renderStatus(c *gin.Context, st *domain.Status) {
	data, err := fanout.RenderStatus(st)
	if err != nil {
		log.Error().Err(err).Msg("Statuses: render failed")
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}

// handleCreateStatus posts a status for the token owner: mentions are
// resolved among known accounts, the audience is finalized, and the
// status is fanned out locally and queued for remote inboxes.
func (s *Server) handleCreateStatus(c *gin.Context) {
	author := currentAccount(c)
	var req createStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Validation failed: status can't be blank"})
		return
	}
	visibility := domain.VisibilityPublic
	if req.Visibility != "" {
		v, err := domain.ParseVisibility(req.Visibility)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		visibility = v
	}
	ctx := c.Request.Context()

	mentions := domain.NewMentionSet(nil)
	var mentioned []*domain.Account
	for _, acct := range extractMentions(req.Status) {
		acc, err := s.Store.FindAccountByAcct(ctx, acct, s.Conf.Conf.SslDomain)
		if err != nil {
			log.Error().Err(err).Str("acct", acct).Msg("Statuses: mention lookup failed")
			c.Status(http.StatusInternalServerError)
			return
		}
		if acc != nil && acc.Id != author.Id && mentions.Add(domain.Mention{AccountId: acc.Id}) {
			mentioned = append(mentioned, acc)
		}
	}

	addr := activitypub.Addressing(author, visibility, mentioned)
	final, visibility := s.Audience.ProcessAudience(ctx, addr, mentions.Slice(), author, visibility, nil)

	id := uuid.New()
	st := &domain.Status{
		Id:         id,
		AccountId:  author.Id,
		Account:    author,
		URI:        activitypub.StatusURI(s.base(), id),
		Text:       req.Status,
		Visibility: visibility,
		Mentions:   final,
		Tags:       extractTags(req.Status),
		InReplyTo:  req.InReplyTo,
		CreatedAt:  time.Now().UTC(),
	}
	for i := range st.Mentions {
		st.Mentions[i].StatusId = st.Id
	}
	if err := s.Store.CreateStatus(ctx, st); err != nil {
		log.Error().Err(err).Msg("Statuses: failed to store status")
		c.Status(http.StatusInternalServerError)
		return
	}

	// the status exists now; delivery failures are for the logs
	if err := s.Dispatcher.Dispatch(ctx, st); err != nil {
		log.Error().Err(err).Str("status", st.Id.String()).Msg("Statuses: fan-out incomplete")
	}
	if s.Conf.Conf.WithAp {
		if err := s.Outbox.PublishStatus(ctx, st); err != nil {
			log.Error().Err(err).Str("status", st.Id.String()).Msg("Statuses: federation incomplete")
		}
	}
	renderStatus(c, st)
}

func (s *Server) handleDeleteStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
		return
	}
	ctx := c.Request.Context()
	st, err := s.Store.FindStatusById(ctx, id)
	if err != nil {
		log.Error().Err(err).Msg("Statuses: lookup failed")
		c.Status(http.StatusInternalServerError)
		return
	}
	if st == nil || st.AccountId != currentAccount(c).Id {
		c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
		return
	}

	if err := s.Store.DeleteStatus(ctx, st.Id); err != nil {
		log.Error().Err(err).Msg("Statuses: delete failed")
		c.Status(http.StatusInternalServerError)
		return
	}
	if err := s.Dispatcher.DispatchDelete(ctx, st); err != nil {
		log.Error().Err(err).Str("status", st.Id.String()).Msg("Statuses: delete fan-out incomplete")
	}
	if s.Conf.Conf.WithAp {
		if err := s.Outbox.PublishDelete(ctx, st); err != nil {
			log.Error().Err(err).Str("status", st.Id.String()).Msg("Statuses: delete federation incomplete")
		}
	}
	renderStatus(c, st)
}

type revokeRequest struct {
	Token string `form:"token" json:"token" binding:"required"`
}

// handleRevoke revokes one of the caller's tokens and disconnects every
// streaming session opened with it.
func (s *Server) handleRevoke(c *gin.Context) {
	var req revokeRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}
	ctx := c.Request.Context()
	token, err := s.Store.FindAccessToken(ctx, req.Token)
	if err != nil {
		log.Error().Err(err).Msg("Revoke: lookup failed")
		c.Status(http.StatusInternalServerError)
		return
	}
	// unknown tokens are not an error, as in RFC 7009
	if token == nil || token.AccountId != currentAccount(c).Id {
		c.JSON(http.StatusOK, gin.H{})
		return
	}

	if err := s.Store.RevokeAccessToken(ctx, token.Id); err != nil {
		log.Error().Err(err).Msg("Revoke: failed")
		c.Status(http.StatusInternalServerError)
		return
	}
	if err := s.Dispatcher.Disconnect(ctx, token.Id); err != nil {
		log.Error().Err(err).Str("token", token.Id.String()).Msg("Revoke: sessions not disconnected")
	}
	c.JSON(http.StatusOK, gin.H{})
}
