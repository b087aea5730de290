package handler

import (
	"context"
	"net/http"

	"github.com/eaglebank/user-accounts/shared/cqrs"
	"github.com/eaglebank/user-accounts/shared/middleware"
	"github.com/eaglebank/user-accounts/shared/models"
	"github.com/gin-gonic/gin"
)

// WebhookSecretHeader carries the shared secret the identity provider signs
// its notifications with.
const WebhookSecretHeader = "X-Webhook-Secret"

type KYCUpdateApplier interface {
	ApplyExternalKYCUpdate(context.Context, cqrs.ApplyKYCUpdateCommand) (*models.KYCUpdateResult, error)
}

type KYCWebhookRequest struct {
	IdentityAccessKey string `json:"identityAccessKey" validate:"required"`
	Status            string `json:"status" validate:"required"`
}

// KYCWebhookHandler receives status-change notifications from the identity
// provider. It answers 200 with {"success": false} for an unknown key so the
// provider does not retry.
type KYCWebhookHandler struct {
	kyc KYCUpdateApplier
}

func NewKYCWebhookHandler(kyc KYCUpdateApplier) *KYCWebhookHandler {
	return &KYCWebhookHandler{kyc: kyc}
}

func (h *KYCWebhookHandler) RegisterRoutes(v1 *gin.RouterGroup, secret string) {
	v1.POST("/webhooks/kyc", middleware.RequireSharedSecret(WebhookSecretHeader, secret), h.ApplyKYCUpdate)
}

func (h *KYCWebhookHandler) ApplyKYCUpdate(c *gin.Context) {
	var req KYCWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RespondWithError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if validationErrors := middleware.ValidateRequest(req); validationErrors != nil {
		middleware.RespondWithValidationError(c, validationErrors)
		return
	}

	result, err := h.kyc.ApplyExternalKYCUpdate(c.Request.Context(), cqrs.ApplyKYCUpdateCommand{
		IdentityAccessKey: req.IdentityAccessKey,
		Status:            req.Status,
	})
	if err != nil {
		respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
