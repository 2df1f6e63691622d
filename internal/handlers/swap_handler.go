package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"cirx-backend/internal/models"
	"cirx-backend/internal/services"
	"cirx-backend/internal/validation"
)

// SwapHandler serves the public swap API.
type SwapHandler struct {
	swaps *services.SwapService
}

func NewSwapHandler(swaps *services.SwapService) *SwapHandler {
	return &SwapHandler{swaps: swaps}
}

// transactionResponse is the public view of a swap. Internal claim and
// retry bookkeeping stays out of it.
type transactionResponse struct {
	ID                   string `json:"id"`
	PaymentTxID          string `json:"payment_tx_id"`
	PaymentChain         string `json:"payment_chain"`
	PaymentToken         string `json:"payment_token"`
	AmountPaid           string `json:"amount_paid"`
	CirxRecipientAddress string `json:"cirx_recipient_address"`
	CirxAmount           string `json:"cirx_amount"`
	CirxTransferTxID     string `json:"cirx_transfer_tx_id,omitempty"`
	SwapType             string `json:"swap_type"`
	DiscountPercent      string `json:"discount_percent"`
	Status               string `json:"status"`
	FailureReason        string `json:"failure_reason,omitempty"`
	CreatedAt            string `json:"created_at"`
	CompletedAt          string `json:"completed_at,omitempty"`
}

func toTransactionResponse(tx *models.Transaction) transactionResponse {
	resp := transactionResponse{
		ID:                   tx.ID,
		PaymentTxID:          tx.PaymentTxID,
		PaymentChain:         tx.PaymentChain,
		PaymentToken:         tx.PaymentToken,
		AmountPaid:           tx.AmountPaid.String(),
		CirxRecipientAddress: tx.CirxRecipientAddress,
		CirxAmount:           tx.CirxAmount.String(),
		CirxTransferTxID:     tx.CirxTransferTxID,
		SwapType:             tx.SwapType,
		DiscountPercent:      tx.DiscountPercent.String(),
		Status:               string(tx.SwapStatus),
		FailureReason:        tx.FailureReason,
		CreatedAt:            tx.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
	if tx.CompletedAt != nil {
		resp.CompletedAt = tx.CompletedAt.UTC().Format("2006-01-02T15:04:05Z")
	}
	return resp
}

// InitiateSwap handles POST /api/v1/transactions.
func (h *SwapHandler) InitiateSwap(c *gin.Context) {
	var req validation.SwapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "Request body is required",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid request body: " + err.Error(),
		})
		return
	}

	tx, err := h.swaps.InitiateSwap(c.Request.Context(), &req)
	if err != nil {
		var ferr validation.FieldErrors
		switch {
		case errors.Is(err, validation.ErrBodyRequired):
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "Request body is required",
			})
		case errors.As(err, &ferr):
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "Validation failed",
				"errors":  ferr,
			})
		case errors.Is(err, services.ErrDuplicatePayment):
			c.JSON(http.StatusConflict, gin.H{
				"success": false,
				"error":   "A swap for this payment transaction already exists",
			})
		default:
			logrus.WithError(err).Error("❌ Failed to initiate swap")
			c.JSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"error":   "Failed to initiate swap",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":     true,
		"transaction": toTransactionResponse(tx),
	})
}

// GetTransaction handles GET /api/v1/transactions/:id.
func (h *SwapHandler) GetTransaction(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid transaction id",
		})
		return
	}

	tx, err := h.swaps.GetTransaction(c.Request.Context(), id.String())
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error":   "Transaction not found",
			})
			return
		}
		logrus.WithError(err).Error("❌ Failed to load transaction")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Failed to load transaction",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"transaction": toTransactionResponse(tx),
	})
}

// GetTransactionStatus handles GET /api/v1/transactions/:id/status.
// Lighter than GetTransaction, meant for polling clients.
func (h *SwapHandler) GetTransactionStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid transaction id",
		})
		return
	}

	tx, err := h.swaps.GetTransaction(c.Request.Context(), id.String())
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error":   "Transaction not found",
			})
			return
		}
		logrus.WithError(err).Error("❌ Failed to load transaction status")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Failed to load transaction status",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":             true,
		"transaction_id":      tx.ID,
		"status":              string(tx.SwapStatus),
		"cirx_transfer_tx_id": tx.CirxTransferTxID,
		"failure_reason":      tx.FailureReason,
	})
}

// GetByPaymentTx handles GET /api/v1/transactions/by-payment/:txid.
// Lets a client recover its swap id from the payment hash it already has.
func (h *SwapHandler) GetByPaymentTx(c *gin.Context) {
	txid := c.Param("txid")
	tx, err := h.swaps.GetByPaymentTxID(c.Request.Context(), txid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error":   "No swap found for this payment transaction",
			})
			return
		}
		logrus.WithError(err).Error("❌ Failed to look up swap by payment tx")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Failed to look up swap",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"transaction": toTransactionResponse(tx),
	})
}

// GetQuote handles GET /api/v1/quote?token=ETH&amount=1.5.
// The quote is indicative; the binding quote is locked at swap creation.
func (h *SwapHandler) GetQuote(c *gin.Context) {
	token := c.Query("token")
	amountStr := c.Query("amount")
	if token == "" || amountStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "token and amount query parameters are required",
		})
		return
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil || amount.LessThanOrEqual(decimal.Zero) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "amount must be a positive decimal",
		})
		return
	}

	quote, err := h.swaps.Quote(token, amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"quote":   quote,
	})
}
