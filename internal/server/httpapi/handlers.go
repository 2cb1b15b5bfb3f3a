package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/dmitrijs2005/paykeeper/internal/common"
	"github.com/dmitrijs2005/paykeeper/internal/server/models"
	"github.com/dmitrijs2005/paykeeper/internal/server/services"
	"github.com/gin-gonic/gin"
)

// IntentService is the lifecycle API the handlers call.
type IntentService interface {
	CreateIntent(ctx context.Context, p models.Principal, in services.CreateIntentInput) (*services.CreateIntentResult, error)
	AdvanceIntent(ctx context.Context, recordID, token string, caller models.Principal) (*models.IntentView, error)
	GetIntentStatus(ctx context.Context, recordID string, caller models.Principal) (*models.IntentView, error)
	ListIntents(ctx context.Context, caller models.Principal, page models.Page) (*models.IntentPage, error)
	ReceiptURL(ctx context.Context, recordID string, caller models.Principal) (string, error)
}

type createIntentRequest struct {
	Amount          models.Amount          `json:"amount"`
	Currency        string                 `json:"currency"`
	Method          string                 `json:"method"`
	MerchantID      string                 `json:"merchantId"`
	MerchantOrderID string                 `json:"merchantOrderId"`
	Description     string                 `json:"description"`
	Payload         *models.PaymentPayload `json:"payload"`
}

type advanceIntentRequest struct {
	Token string `json:"token"`
}

type receiptResponse struct {
	URL string `json:"url"`
}

// IntentHandler serves the /api/v1/intents routes.
type IntentHandler struct {
	svc IntentService
}

func NewIntentHandler(svc IntentService) *IntentHandler {
	return &IntentHandler{svc: svc}
}

func (h *IntentHandler) Create(c *gin.Context) {
	p, ok := principalFrom(c)
	if !ok {
		writeError(c, common.ErrorUnauthorized)
		return
	}

	var req createIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if !errors.Is(err, common.ErrValidation) {
			err = common.NewValidationError("body", "is not valid JSON")
		}
		writeError(c, err)
		return
	}

	res, err := h.svc.CreateIntent(c.Request.Context(), p, services.CreateIntentInput{
		Amount:          req.Amount,
		Currency:        req.Currency,
		Method:          req.Method,
		MerchantID:      req.MerchantID,
		MerchantOrderID: req.MerchantOrderID,
		Description:     req.Description,
		Payload:         req.Payload,
	})
	req.Payload.Wipe()
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, res)
}

func (h *IntentHandler) Advance(c *gin.Context) {
	p, ok := principalFrom(c)
	if !ok {
		writeError(c, common.ErrorUnauthorized)
		return
	}

	var req advanceIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		writeError(c, common.ErrMalformedToken)
		return
	}

	view, err := h.svc.AdvanceIntent(c.Request.Context(), c.Param("id"), req.Token, p)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, view)
}

func (h *IntentHandler) Get(c *gin.Context) {
	p, ok := principalFrom(c)
	if !ok {
		writeError(c, common.ErrorUnauthorized)
		return
	}

	view, err := h.svc.GetIntentStatus(c.Request.Context(), c.Param("id"), p)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *IntentHandler) List(c *gin.Context) {
	p, ok := principalFrom(c)
	if !ok {
		writeError(c, common.ErrorUnauthorized)
		return
	}

	page := models.Page{
		Number: queryInt(c, "page"),
		Limit:  queryInt(c, "limit"),
	}
	res, err := h.svc.ListIntents(c.Request.Context(), p, page)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *IntentHandler) Receipt(c *gin.Context) {
	p, ok := principalFrom(c)
	if !ok {
		writeError(c, common.ErrorUnauthorized)
		return
	}

	url, err := h.svc.ReceiptURL(c.Request.Context(), c.Param("id"), p)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, receiptResponse{URL: url})
}

// queryInt returns 0 for a missing or non-numeric value; the page
// defaults take over from there.
func queryInt(c *gin.Context, name string) int {
	n, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return 0
	}
	return n
}
