package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/onespark/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/checkout"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/contact"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/orders"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/payments"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/pricing"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/users"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/verification"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errInvalidRequest       = errors.New("invalid request")
	errInvalidCode          = errors.New("invalid verification code")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

type errorClass struct {
	status  int
	code    string
	message string
}

// errorClasses is checked in order; the first sentinel matched decides the response.
var errorClasses = []struct {
	targets []error
	class   errorClass
}{
	{
		targets: []error{errRateLimited},
		class:   errorClass{http.StatusTooManyRequests, "rate_limited", "Too many requests. Please wait a few minutes and try again."},
	},
	{
		targets: []error{checkout.ErrSoldOut},
		class:   errorClass{http.StatusConflict, "sold_out", "All discounted spots have been claimed."},
	},
	{
		targets: []error{users.ErrFederatedConflict},
		class:   errorClass{http.StatusConflict, "account_conflict", "This email is already linked to a different Google account."},
	},
	{
		targets: []error{auth.ErrInvalidSession, errInvalidAuthorization},
		class:   errorClass{http.StatusUnauthorized, "unauthorized", "Invalid or expired session. Please sign in again."},
	},
	{
		targets: []error{auth.ErrInvalidCredentials},
		class:   errorClass{http.StatusUnauthorized, "invalid_credentials", "Invalid credentials."},
	},
	{
		targets: []error{auth.ErrInvalidAdminToken},
		class:   errorClass{http.StatusUnauthorized, "unauthorized", "Invalid or expired token."},
	},
	{
		targets: []error{auth.ErrInvalidGoogleToken},
		class:   errorClass{http.StatusUnauthorized, "invalid_id_token", "Google sign-in could not be verified."},
	},
	{
		targets: []error{errInvalidCode},
		class:   errorClass{http.StatusUnauthorized, "invalid_code", "The verification code is invalid or has expired."},
	},
	{
		targets: []error{payments.ErrInvalidSignature},
		class:   errorClass{http.StatusUnauthorized, "invalid_signature", "Webhook signature verification failed."},
	},
	{
		targets: []error{users.ErrUserNotFound},
		class:   errorClass{http.StatusNotFound, "user_not_found", "User not found."},
	},
	{
		targets: []error{orders.ErrOrderNotFound},
		class:   errorClass{http.StatusNotFound, "order_not_found", "Order not found."},
	},
	{
		targets: []error{comments.ErrCommentNotFound},
		class:   errorClass{http.StatusNotFound, "comment_not_found", "Comment not found."},
	},
	{
		targets: []error{
			errInvalidRequest,
			contact.ErrInvalidMethod,
			contact.ErrInvalidValue,
			contact.ErrInvalidKey,
			users.ErrInvalidIdentity,
			comments.ErrInvalidComment,
			checkout.ErrInvalidCheckout,
			checkout.ErrInvalidEvent,
			pricing.ErrUnknownTier,
			pricing.ErrTierUnavailable,
			payments.ErrInvalidRequest,
			verification.ErrUnsupportedMethod,
		},
		class: errorClass{http.StatusBadRequest, "invalid_request", ""},
	},
}

func classify(err error) errorClass {
	for _, candidate := range errorClasses {
		for _, target := range candidate.targets {
			if errors.Is(err, target) {
				class := candidate.class
				if class.message == "" {
					class.message = err.Error()
				}
				return class
			}
		}
	}
	return errorClass{http.StatusInternalServerError, "internal_error", "Something went wrong. Please try again."}
}

// respondError writes the error body and logs by severity: internal failures at
// Error, expired sessions at Info, other authentication failures at Warn.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	class := classify(err)
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.Int("status", class.status),
		zap.Error(err),
	}
	switch {
	case class.status >= http.StatusInternalServerError:
		h.logger.Error("request failed", fields...)
	case errors.Is(err, auth.ErrInvalidSession):
		h.logger.Info("request rejected", fields...)
	case class.status == http.StatusUnauthorized || class.status == http.StatusTooManyRequests:
		h.logger.Warn("request rejected", fields...)
	default:
		h.logger.Debug("request rejected", fields...)
	}
	c.AbortWithStatusJSON(class.status, gin.H{"error": class.code, "message": class.message})
}
