package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/eaglebank/user-accounts/shared/apperr"
	"github.com/eaglebank/user-accounts/shared/cqrs"
	"github.com/eaglebank/user-accounts/shared/middleware"
	"github.com/eaglebank/user-accounts/shared/models"
	"github.com/eaglebank/user-accounts/shared/utils"
	"github.com/gin-gonic/gin"
)

const dateLayout = "2006-01-02"

// UserCommander defines the write-side operations used by UserHandler.
type UserCommander interface {
	UpdateProfile(context.Context, cqrs.UpdateProfileCommand) (*models.UserView, error)
	AddPhoneNumber(context.Context, cqrs.AddPhoneNumberCommand) (*models.PhoneNumber, error)
	RemovePhoneNumber(context.Context, cqrs.RemovePhoneNumberCommand) error
	VerifyUser(context.Context, cqrs.VerifyUserCommand) (*models.UserView, error)
	ResetPassword(context.Context, cqrs.ResetPasswordCommand) error
}

// UserQuerier defines the read-side operations used by UserHandler.
type UserQuerier interface {
	GetUser(context.Context, cqrs.GetUserQuery) (*models.UserView, error)
	ListPhoneNumbers(context.Context, cqrs.ListPhoneNumbersQuery) ([]models.PhoneNumber, error)
	GetUserBalance(ctx context.Context, userID, currency string) (*models.Balance, error)
	GetTransactions(context.Context, cqrs.ListTransactionsQuery) (*models.TransactionListView, error)
	GetTransactionsTotal(context.Context, cqrs.TransactionTotalsQuery) (*models.TransactionTotals, error)
}

// UserHandler routes requests to the command or query service as appropriate.
type UserHandler struct {
	commands UserCommander
	queries  UserQuerier
}

type UpdateProfileRequest struct {
	Email       *string `json:"email" validate:"omitempty,email"`
	PhoneNumber *string `json:"phoneNumber" validate:"omitempty,min=6,max=20"`
	FirstName   *string `json:"firstName" validate:"omitempty,min=1,max=100"`
	LastName    *string `json:"lastName" validate:"omitempty,min=1,max=100"`
	Country     *string `json:"country" validate:"omitempty,iso3166_1_alpha2"`
	BirthDate   *string `json:"birthDate" validate:"omitempty,datetime=2006-01-02"`
}

type AddPhoneNumberRequest struct {
	PhoneNumber   string `json:"phoneNumber" validate:"required,min=6,max=20"`
	PhoneOperator string `json:"phoneOperator" validate:"required,max=50"`
}

type VerifyUserRequest struct {
	IdentityAccessKey string `json:"identityAccessKey" validate:"required"`
	FirstName         string `json:"firstName" validate:"required,max=100"`
	LastName          string `json:"lastName" validate:"required,max=100"`
	Country           string `json:"country" validate:"required,iso3166_1_alpha2"`
	BirthDate         string `json:"birthDate" validate:"required,datetime=2006-01-02"`
}

type ResetPasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=8,max=72"`
}

func NewUserHandler(commands UserCommander, queries UserQuerier) *UserHandler {
	return &UserHandler{commands: commands, queries: queries}
}

// RegisterRoutes mounts the handler on an authenticated /v1 group.
func (h *UserHandler) RegisterRoutes(v1 *gin.RouterGroup) {
	users := v1.Group("/users")
	current := users.Group("/current")
	current.GET("", h.GetCurrentUser)
	current.PUT("", h.UpdateProfile)
	current.GET("/balance", h.GetBalance)
	current.GET("/transactions", h.GetTransactions)
	current.GET("/transactions/totals", h.GetTransactionsTotal)
	current.GET("/phonenumbers", h.ListPhoneNumbers)
	current.POST("/phonenumbers", h.AddPhoneNumber)
	current.DELETE("/phonenumbers/:phoneNumberId", h.RemovePhoneNumber)
	current.POST("/verify", h.VerifyUser)
	current.POST("/password", h.ResetPassword)
	users.GET("/:userId", h.GetUser)
}

func (h *UserHandler) GetCurrentUser(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)
	view, err := h.queries.GetUser(c.Request.Context(), cqrs.GetUserQuery{UserID: userID})
	if err != nil {
		respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *UserHandler) GetUser(c *gin.Context) {
	view, err := h.queries.GetUser(c.Request.Context(), cqrs.GetUserQuery{UserID: c.Param("userId")})
	if err != nil {
		respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *UserHandler) UpdateProfile(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	var req UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RespondWithError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if validationErrors := middleware.ValidateRequest(req); validationErrors != nil {
		middleware.RespondWithValidationError(c, validationErrors)
		return
	}

	cmd := cqrs.UpdateProfileCommand{
		UserID:      userID,
		Email:       req.Email,
		PhoneNumber: req.PhoneNumber,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		Country:     req.Country,
	}
	if req.BirthDate != nil {
		// Already validated against dateLayout.
		d, _ := time.Parse(dateLayout, *req.BirthDate)
		cmd.BirthDate = &d
	}

	view, err := h.commands.UpdateProfile(c.Request.Context(), cmd)
	if err != nil {
		respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *UserHandler) GetBalance(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)
	balance, err := h.queries.GetUserBalance(c.Request.Context(), userID, c.Query("currency"))
	if err != nil {
		respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

func (h *UserHandler) GetTransactions(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	skip := 0
	if raw := c.Query("skip"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			middleware.RespondWithFieldErrors(c, http.StatusBadRequest, map[string]string{"skip": "Must be a non-negative integer"})
			return
		}
		skip = n
	}

	result, err := h.queries.GetTransactions(c.Request.Context(), cqrs.ListTransactionsQuery{UserID: userID, Skip: skip})
	if err != nil {
		respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *UserHandler) GetTransactionsTotal(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	filters := map[string]string{}
	for key, values := range c.Request.URL.Query() {
		if len(values) > 0 {
			filters[key] = values[0]
		}
	}

	totals, err := h.queries.GetTransactionsTotal(c.Request.Context(), cqrs.TransactionTotalsQuery{UserID: userID, Filters: filters})
	if err != nil {
		respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, totals)
}

func (h *UserHandler) ListPhoneNumbers(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)
	phones, err := h.queries.ListPhoneNumbers(c.Request.Context(), cqrs.ListPhoneNumbersQuery{UserID: userID})
	if err != nil {
		respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, phones)
}

func (h *UserHandler) AddPhoneNumber(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	var req AddPhoneNumberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RespondWithError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if validationErrors := middleware.ValidateRequest(req); validationErrors != nil {
		middleware.RespondWithValidationError(c, validationErrors)
		return
	}

	phone, err := h.commands.AddPhoneNumber(c.Request.Context(), cqrs.AddPhoneNumberCommand{
		UserID:        userID,
		PhoneNumber:   req.PhoneNumber,
		PhoneOperator: req.PhoneOperator,
	})
	if err != nil {
		respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, phone)
}

func (h *UserHandler) RemovePhoneNumber(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	phoneNumberID := c.Param("phoneNumberId")
	if !utils.ValidatePhoneNumberID(phoneNumberID) {
		middleware.RespondWithFieldErrors(c, http.StatusBadRequest, map[string]string{"phoneNumberId": "Invalid phone number ID"})
		return
	}

	err := h.commands.RemovePhoneNumber(c.Request.Context(), cqrs.RemovePhoneNumberCommand{
		UserID:        userID,
		PhoneNumberID: phoneNumberID,
	})
	if err != nil {
		respondWithServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *UserHandler) VerifyUser(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	var req VerifyUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RespondWithError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if validationErrors := middleware.ValidateRequest(req); validationErrors != nil {
		middleware.RespondWithValidationError(c, validationErrors)
		return
	}
	birthDate, _ := time.Parse(dateLayout, req.BirthDate)

	view, err := h.commands.VerifyUser(c.Request.Context(), cqrs.VerifyUserCommand{
		UserID:            userID,
		IdentityAccessKey: req.IdentityAccessKey,
		FirstName:         req.FirstName,
		LastName:          req.LastName,
		Country:           req.Country,
		BirthDate:         birthDate,
	})
	if err != nil {
		respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *UserHandler) ResetPassword(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	var req ResetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RespondWithError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if validationErrors := middleware.ValidateRequest(req); validationErrors != nil {
		middleware.RespondWithValidationError(c, validationErrors)
		return
	}

	err := h.commands.ResetPassword(c.Request.Context(), cqrs.ResetPasswordCommand{
		UserID:          userID,
		CurrentPassword: req.CurrentPassword,
		NewPassword:     req.NewPassword,
	})
	if err != nil {
		respondWithServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// respondWithServiceError turns a service failure into the HTTP answer.
// Field-level failures are keyed by the offending request field.
func respondWithServiceError(c *gin.Context, err error) {
	var conflict *apperr.ValidationConflictError
	var upstream *apperr.UpstreamError
	code := apperr.HTTPStatus(err)

	switch {
	case errors.As(err, &conflict):
		middleware.RespondWithFieldErrors(c, code, conflict.Fields)
	case errors.Is(err, apperr.ErrDuplicatePhoneNumber),
		errors.Is(err, apperr.ErrPhoneNumberLimitExceeded):
		middleware.RespondWithFieldErrors(c, code, map[string]string{"phoneNumber": capitalize(err.Error())})
	case errors.Is(err, apperr.ErrPhoneNumberNotFound):
		middleware.RespondWithFieldErrors(c, code, map[string]string{"phoneNumberId": capitalize(err.Error())})
	case errors.Is(err, apperr.ErrIncorrectCurrentPassword):
		middleware.RespondWithFieldErrors(c, code, map[string]string{"currentPassword": capitalize(err.Error())})
	case errors.As(err, &upstream) && json.Valid(upstream.Payload):
		c.Data(code, "application/json; charset=utf-8", upstream.Payload)
	case errors.As(err, &upstream):
		middleware.RespondWithError(c, code, "Ledger request failed")
	case errors.Is(err, apperr.ErrUserNotFound):
		middleware.RespondWithError(c, code, "User not found")
	case errors.Is(err, apperr.ErrUpstreamTimeout):
		middleware.RespondWithError(c, code, "Ledger did not respond in time")
	case errors.Is(err, apperr.ErrInvalidFilter):
		middleware.RespondWithError(c, code, err.Error())
	default:
		middleware.RespondWithError(c, code, "Internal server error")
	}
}

func capitalize(s string) string {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
