package handlers

import (
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"cirx-backend/internal/models"
	"cirx-backend/internal/repository"
	"cirx-backend/internal/services"
)

// AdminSwapHandler covers the manual operations an operator needs:
// reopening failed swaps and managing treasury wallets.
type AdminSwapHandler struct {
	repo    repository.TransactionRepository
	wallets repository.WalletRepository
	signer  *services.WalletSigner
}

func NewAdminSwapHandler(repo repository.TransactionRepository, wallets repository.WalletRepository, signer *services.WalletSigner) *AdminSwapHandler {
	return &AdminSwapHandler{repo: repo, wallets: wallets, signer: signer}
}

// ReopenFailed handles POST /api/v1/admin/transactions/:id/reopen. It
// returns a failed swap to the state machine with a fresh retry budget.
func (h *AdminSwapHandler) ReopenFailed(c *gin.Context) {
	id := c.Param("id")

	tx, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "Transaction not found",
		})
		return
	}

	if !tx.IsFailed() {
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"error":   "Only failed transactions can be reopened",
			"status":  string(tx.SwapStatus),
		})
		return
	}

	if err := h.repo.ReopenFailed(c.Request.Context(), id); err != nil {
		logrus.WithError(err).WithField("transaction_id", id).Error("❌ Failed to reopen transaction")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Failed to reopen transaction",
		})
		return
	}

	admin, _ := c.Get("admin_username")
	logrus.WithFields(logrus.Fields{
		"transaction_id": id,
		"from_status":    string(tx.SwapStatus),
		"admin":          admin,
	}).Info("🔧 Transaction reopened for retry")

	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"transaction_id": id,
		"message":        "Transaction reopened, the worker will pick it up on the next tick",
	})
}

// ListByStatus handles GET /api/v1/admin/transactions. It lists swaps in
// one status, oldest first, so an operator can eyeball a failure queue.
func (h *AdminSwapHandler) ListByStatus(c *gin.Context) {
	status := models.SwapStatus(c.Query("status"))
	if status == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "status query parameter is required",
		})
		return
	}

	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "limit must be between 1 and 1000",
			})
			return
		}
		limit = n
	}

	txs, err := h.repo.FindByStatus(c.Request.Context(), status, limit)
	if err != nil {
		logrus.WithError(err).WithField("status", status).Error("❌ Failed to list transactions")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Failed to list transactions",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"count":        len(txs),
		"transactions": txs,
	})
}

// RegisterWalletRequest 注册金库钱包请求
type RegisterWalletRequest struct {
	Chain      string `json:"chain" binding:"required"`
	Address    string `json:"address" binding:"required"`
	PrivateKey string `json:"private_key" binding:"required"` // hex, sealed before storage
}

// RegisterWallet handles POST /api/v1/admin/wallets. The private key is
// sealed immediately; the plaintext never reaches the database.
func (h *AdminSwapHandler) RegisterWallet(c *gin.Context) {
	var req RegisterWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid request body: " + err.Error(),
		})
		return
	}

	keyBytes, err := hex.DecodeString(strings.TrimPrefix(req.PrivateKey, "0x"))
	req.PrivateKey = ""
	if err != nil || len(keyBytes) != 32 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "private_key must be 32 bytes of hex",
		})
		return
	}

	sealed, err := h.signer.SealKey(keyBytes)
	for i := range keyBytes {
		keyBytes[i] = 0
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Failed to seal private key",
		})
		return
	}

	wallet := &models.ProjectWallet{
		ID:        uuid.New().String(),
		Chain:     req.Chain,
		Address:   req.Address,
		SealedKey: sealed,
		IsActive:  true,
	}
	if err := h.wallets.Create(c.Request.Context(), wallet); err != nil {
		logrus.WithError(err).Error("❌ Failed to register wallet")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Failed to register wallet",
		})
		return
	}

	logrus.WithFields(logrus.Fields{
		"chain":   wallet.Chain,
		"address": wallet.Address,
	}).Info("✅ Treasury wallet registered")

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"wallet":  wallet,
	})
}

// ListWallets handles GET /api/v1/admin/wallets. Sealed keys are
// excluded by the model's json tags.
func (h *AdminSwapHandler) ListWallets(c *gin.Context) {
	wallets, err := h.wallets.List(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Error("❌ Failed to list wallets")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Failed to list wallets",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"wallets": wallets,
	})
}

// DeactivateWallet handles POST /api/v1/admin/wallets/:id/deactivate.
func (h *AdminSwapHandler) DeactivateWallet(c *gin.Context) {
	id := c.Param("id")
	if err := h.wallets.Deactivate(c.Request.Context(), id); err != nil {
		logrus.WithError(err).WithField("wallet_id", id).Error("❌ Failed to deactivate wallet")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Failed to deactivate wallet",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"wallet_id": id,
		"message":   "Wallet deactivated",
	})
}
