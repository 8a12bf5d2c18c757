package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/onespark/backend/internal/orders"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type adminAuthPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type adminOrder struct {
	orders.Order
	UserDetails *users.User `json:"userDetails"`
}

func (h *httpHandler) handleAdminAuth(c *gin.Context) {
	var request adminAuthPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Username == "" || request.Password == "" {
		h.respondError(c, "admin_auth", errInvalidRequest)
		return
	}
	session, err := h.admin.Login(c.Request.Context(), request.Username, request.Password)
	if err != nil {
		h.respondError(c, "admin_auth", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authenticated": true,
		"token":         session.Token,
		"expiry":        session.ExpiresAt,
	})
}

// handleAdminOrders lists every order newest first with the buyer record attached.
func (h *httpHandler) handleAdminOrders(c *gin.Context) {
	ctx := c.Request.Context()
	all, err := h.orders.ListAll(ctx)
	if err != nil {
		h.respondError(c, "admin_orders", err)
		return
	}
	response := make([]adminOrder, 0, len(all))
	for _, order := range all {
		entry := adminOrder{Order: order}
		if order.User != "" {
			user, err := h.users.Get(ctx, order.User)
			switch {
			case err == nil:
				entry.UserDetails = &user
			case errors.Is(err, users.ErrUserNotFound):
			default:
				h.respondError(c, "admin_orders", err)
				return
			}
		}
		response = append(response, entry)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleAdminDeleteOrder(c *gin.Context) {
	orderID := strings.TrimSpace(c.Param("orderId"))
	if orderID == "" {
		h.respondError(c, "admin_delete_order", errInvalidRequest)
		return
	}
	removed, err := h.orders.RemoveOrder(c.Request.Context(), orderID)
	if err != nil {
		h.respondError(c, "admin_delete_order", err)
		return
	}
	h.logger.Info("admin removed order", zap.String("order_id", removed.ID), zap.String("user_key", removed.User))
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Order deleted successfully"})
}

func (h *httpHandler) handleAdminDeleteComment(c *gin.Context) {
	commentID := strings.TrimSpace(c.Param("commentId"))
	if commentID == "" {
		h.respondError(c, "admin_delete_comment", errInvalidRequest)
		return
	}
	if err := h.comments.Remove(c.Request.Context(), commentID); err != nil {
		h.respondError(c, "admin_delete_comment", err)
		return
	}
	h.logger.Info("admin removed comment", zap.String("comment_id", commentID))
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Comment deleted successfully"})
}
