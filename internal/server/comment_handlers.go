package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/onespark/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/contact"
	"github.com/gin-gonic/gin"
)

type commentPayload struct {
	ContactMethod string `json:"contactMethod"`
	ContactValue  string `json:"contactValue"`
	Code          string `json:"code"`
	Text          string `json:"text"`
}

type realtimeEnvelope struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

type realtimeCommentPayload struct {
	Source    string        `json:"source"`
	Timestamp time.Time     `json:"timestamp"`
	Comment   comments.View `json:"comment"`
}

func (h *httpHandler) handleListComments(c *gin.Context) {
	views, err := h.comments.List(c.Request.Context())
	if err != nil {
		h.respondError(c, "list_comments", err)
		return
	}
	c.JSON(http.StatusOK, views)
}

// handlePostComment accepts a comment from a session holder or from a
// contact proving ownership with a one-time code in the same request.
func (h *httpHandler) handlePostComment(c *gin.Context) {
	var request commentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, "post_comment", errInvalidRequest)
		return
	}
	text, err := comments.ValidateText(request.Text)
	if err != nil {
		h.respondError(c, "post_comment", err)
		return
	}

	ctx := c.Request.Context()
	var identity contact.Identity
	if userKey := c.GetString(userKeyContextKey); userKey != "" {
		user, err := h.users.Get(ctx, userKey)
		if err != nil {
			h.respondError(c, "post_comment", err)
			return
		}
		identity = user.Identity()
	} else {
		identity, err = h.normalizer.Identity(request.ContactMethod, request.ContactValue)
		if err != nil {
			h.respondError(c, "post_comment", err)
			return
		}
		if strings.TrimSpace(request.Code) == "" {
			h.respondError(c, "post_comment", errInvalidAuthorization)
			return
		}
		if err := h.checkCode(ctx, identity, request.Code); err != nil {
			h.respondError(c, "post_comment", err)
			return
		}
	}

	view, err := h.comments.Post(ctx, identity, text)
	if err != nil {
		h.respondError(c, "post_comment", err)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordCommentPosted()
	}
	c.JSON(http.StatusCreated, view)
}

// handleCommentStream relays board events as server-sent events until the
// client disconnects. A heartbeat keeps idle proxies from closing the stream.
func (h *httpHandler) handleCommentStream(c *gin.Context) {
	ctx := c.Request.Context()
	events, cleanup := h.realtime.Subscribe(ctx)
	defer cleanup()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(realtimeEventReady, realtimeEnvelope{Source: realtimeSourceBackend, Timestamp: h.clock().UTC()})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event := <-events:
			c.SSEvent(event.Type, realtimeCommentPayload{
				Source:    realtimeSourceBackend,
				Timestamp: h.clock().UTC(),
				Comment:   event.Comment,
			})
			return true
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, realtimeEnvelope{Source: realtimeSourceBackend, Timestamp: h.clock().UTC()})
			return true
		}
	})
}
