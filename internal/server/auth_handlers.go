package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/onespark/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/contact"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/orders"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	otpResultSent     = "sent"
	otpResultFailed   = "failed"
	otpResultLimited  = "limited"
	otpResultVerified = "verified"
	otpResultRejected = "rejected"
)

type contactPayload struct {
	ContactMethod string `json:"contactMethod"`
	ContactValue  string `json:"contactValue"`
}

type otpVerifyPayload struct {
	ContactMethod string `json:"contactMethod"`
	ContactValue  string `json:"contactValue"`
	Code          string `json:"code"`
}

type googleAuthPayload struct {
	IDToken string `json:"idToken"`
}

type sessionPayload struct {
	Token string `json:"token"`
}

type profilePayload struct {
	ContactMethod string            `json:"contactMethod"`
	ContactValue  string            `json:"contactValue"`
	Code          string            `json:"code"`
	Shipping      *contact.Shipping `json:"shipping"`
}

type signInResponse struct {
	Verified   bool           `json:"verified"`
	User       users.User     `json:"user"`
	Orders     []orders.Order `json:"orders"`
	Token      string         `json:"token"`
	ExpiresAt  time.Time      `json:"expiresAt"`
	NeedsPhone bool           `json:"needsPhone"`
}

type accountResponse struct {
	User       users.User     `json:"user"`
	Orders     []orders.Order `json:"orders"`
	NeedsPhone bool           `json:"needsPhone"`
}

type sessionResponse struct {
	Valid     bool       `json:"valid"`
	User      users.User `json:"user"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

func (h *httpHandler) handleOTPSend(c *gin.Context) {
	var request contactPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, "otp_send", errInvalidRequest)
		return
	}
	identity, err := h.normalizer.Identity(request.ContactMethod, request.ContactValue)
	if err != nil {
		h.respondError(c, "otp_send", err)
		return
	}
	ctx := c.Request.Context()
	if err := h.limiter.allow(ctx, identity.Key()); err != nil {
		if errors.Is(err, errRateLimited) {
			h.recordOTP(identity.Method, otpResultLimited)
		}
		h.respondError(c, "otp_send", err)
		return
	}
	if err := h.verifier.Send(ctx, identity); err != nil {
		h.recordOTP(identity.Method, otpResultFailed)
		h.respondError(c, "otp_send", err)
		return
	}
	h.recordOTP(identity.Method, otpResultSent)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *httpHandler) handleOTPVerify(c *gin.Context) {
	var request otpVerifyPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Code) == "" {
		h.respondError(c, "otp_verify", errInvalidRequest)
		return
	}
	identity, err := h.normalizer.Identity(request.ContactMethod, request.ContactValue)
	if err != nil {
		h.respondError(c, "otp_verify", err)
		return
	}
	ctx := c.Request.Context()
	if err := h.checkCode(ctx, identity, request.Code); err != nil {
		h.respondError(c, "otp_verify", err)
		return
	}
	user, err := h.users.Resolve(ctx, identity)
	if err != nil {
		h.respondError(c, "otp_verify", err)
		return
	}
	h.signIn(c, "otp_verify", user)
}

func (h *httpHandler) handleGoogleAuth(c *gin.Context) {
	var request googleAuthPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		h.respondError(c, "google_auth", errInvalidRequest)
		return
	}
	ctx := c.Request.Context()
	claims, err := h.google.Verify(ctx, request.IDToken)
	if err != nil {
		h.respondError(c, "google_auth", err)
		return
	}
	user, err := h.users.ResolveFederated(ctx, users.FederatedProfile{
		Subject: claims.Subject,
		Email:   claims.Email,
		Name:    claims.Name,
		Picture: claims.Picture,
	})
	if err != nil {
		h.respondError(c, "google_auth", err)
		return
	}
	h.signIn(c, "google_auth", user)
}

// handleSessionValidate checks a stored token from the body or the Authorization
// header and extends its lifetime.
func (h *httpHandler) handleSessionValidate(c *gin.Context) {
	var request sessionPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			h.respondError(c, "session_validate", errInvalidRequest)
			return
		}
	}
	token := strings.TrimSpace(request.Token)
	if token == "" {
		token = auth.BearerToken(c.GetHeader("Authorization"))
	}
	if token == "" {
		h.respondError(c, "session_validate", errInvalidRequest)
		return
	}
	ctx := c.Request.Context()
	session, err := h.sessions.Validate(ctx, token)
	if err != nil {
		h.respondError(c, "session_validate", err)
		return
	}
	user, err := h.sessionUser(ctx, session.Subject)
	if err != nil {
		h.respondError(c, "session_validate", err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{Valid: true, User: user, ExpiresAt: session.ExpiresAt})
}

func (h *httpHandler) handleMe(c *gin.Context) {
	ctx := c.Request.Context()
	user, err := h.users.Get(ctx, c.GetString(userKeyContextKey))
	if err != nil {
		h.respondError(c, "me", err)
		return
	}
	list, err := h.orders.ListOrders(ctx, user.Key())
	if err != nil {
		h.respondError(c, "me", err)
		return
	}
	c.JSON(http.StatusOK, accountResponse{User: user, Orders: list, NeedsPhone: user.NeedsPhone()})
}

// handleProfileUpdate links a second verified contact to the signed-in user
// and stores a shipping profile. A new contact needs its own verification code.
func (h *httpHandler) handleProfileUpdate(c *gin.Context) {
	var request profilePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, "profile_update", errInvalidRequest)
		return
	}
	hasContact := strings.TrimSpace(request.ContactMethod) != "" || strings.TrimSpace(request.ContactValue) != ""
	hasShipping := request.Shipping != nil && !request.Shipping.Trimmed().IsZero()
	if !hasContact && !hasShipping {
		h.respondError(c, "profile_update", errInvalidRequest)
		return
	}
	var identity contact.Identity
	if hasContact {
		var err error
		identity, err = h.normalizer.Identity(request.ContactMethod, request.ContactValue)
		if err != nil {
			h.respondError(c, "profile_update", err)
			return
		}
		if strings.TrimSpace(request.Code) == "" {
			h.respondError(c, "profile_update", errInvalidRequest)
			return
		}
	}

	ctx := c.Request.Context()
	userKey := c.GetString(userKeyContextKey)
	user, err := h.users.Get(ctx, userKey)
	if err != nil {
		h.respondError(c, "profile_update", err)
		return
	}
	if hasContact {
		if err := h.checkCode(ctx, identity, request.Code); err != nil {
			h.respondError(c, "profile_update", err)
			return
		}
		if user, err = h.users.Merge(ctx, userKey, identity); err != nil {
			h.respondError(c, "profile_update", err)
			return
		}
	}
	if hasShipping {
		if user, err = h.users.UpdateShipping(ctx, userKey, *request.Shipping); err != nil {
			h.respondError(c, "profile_update", err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user": user, "needsPhone": user.NeedsPhone()})
}

// checkCode verifies a one-time code and maps a rejected code to errInvalidCode.
func (h *httpHandler) checkCode(ctx context.Context, identity contact.Identity, code string) error {
	verified, err := h.verifier.Check(ctx, identity, code)
	if err != nil {
		h.recordOTP(identity.Method, otpResultFailed)
		return err
	}
	if !verified {
		h.recordOTP(identity.Method, otpResultRejected)
		return errInvalidCode
	}
	h.recordOTP(identity.Method, otpResultVerified)
	return nil
}

func (h *httpHandler) signIn(c *gin.Context, operation string, user users.User) {
	ctx := c.Request.Context()
	session, err := h.sessions.Issue(ctx, user.Key())
	if err != nil {
		h.respondError(c, operation, err)
		return
	}
	list, err := h.orders.ListOrders(ctx, user.Key())
	if err != nil {
		h.respondError(c, operation, err)
		return
	}
	h.logger.Info("user signed in", zap.String("operation", operation), zap.String("user_key", user.Key()))
	c.JSON(http.StatusOK, signInResponse{
		Verified:   true,
		User:       user,
		Orders:     list,
		Token:      session.Token,
		ExpiresAt:  session.ExpiresAt,
		NeedsPhone: user.NeedsPhone(),
	})
}

// sessionUser loads the record behind a session subject. A token whose user
// record is gone still identifies the contact encoded in its key.
func (h *httpHandler) sessionUser(ctx context.Context, userKey string) (users.User, error) {
	user, err := h.users.Get(ctx, userKey)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, users.ErrUserNotFound) {
		return users.User{}, err
	}
	identity, parseErr := contact.ParseKey(userKey)
	if parseErr != nil {
		return users.User{}, err
	}
	return users.User{ContactMethod: identity.Method, ContactValue: identity.Value}, nil
}

func (h *httpHandler) recordOTP(method contact.Method, result string) {
	if h.metrics != nil {
		h.metrics.RecordOTP(string(method), result)
	}
}
