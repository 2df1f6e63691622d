package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"cirx-backend/internal/models"
)

// WalletRepository defines the interface for project wallet data access
type WalletRepository interface {
	Create(ctx context.Context, wallet *models.ProjectWallet) error
	GetByID(ctx context.Context, id string) (*models.ProjectWallet, error)
	GetActiveByChain(ctx context.Context, chain string) (*models.ProjectWallet, error)
	List(ctx context.Context) ([]*models.ProjectWallet, error)
	TouchLastUsed(ctx context.Context, id string) error
	Deactivate(ctx context.Context, id string) error
}

type walletRepository struct {
	db *gorm.DB
}

// NewWalletRepository creates a new WalletRepository instance
func NewWalletRepository(db *gorm.DB) WalletRepository {
	return &walletRepository{db: db}
}

func (r *walletRepository) Create(ctx context.Context, wallet *models.ProjectWallet) error {
	return r.db.WithContext(ctx).Create(wallet).Error
}

func (r *walletRepository) GetByID(ctx context.Context, id string) (*models.ProjectWallet, error) {
	var wallet models.ProjectWallet
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&wallet).Error; err != nil {
		return nil, err
	}
	return &wallet, nil
}

// GetActiveByChain returns the least recently used active wallet for a
// chain, so treasury load spreads when several wallets exist.
func (r *walletRepository) GetActiveByChain(ctx context.Context, chain string) (*models.ProjectWallet, error) {
	var wallet models.ProjectWallet
	err := r.db.WithContext(ctx).
		Where("chain = ? AND is_active = ?", chain, true).
		Order("last_used_at ASC NULLS FIRST").
		First(&wallet).Error
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

func (r *walletRepository) List(ctx context.Context) ([]*models.ProjectWallet, error) {
	var wallets []*models.ProjectWallet
	err := r.db.WithContext(ctx).
		Order("chain ASC, created_at ASC").
		Find(&wallets).Error
	if err != nil {
		return nil, err
	}
	return wallets, nil
}

func (r *walletRepository) TouchLastUsed(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Model(&models.ProjectWallet{}).
		Where("id = ?", id).
		Update("last_used_at", time.Now()).Error
}

func (r *walletRepository) Deactivate(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Model(&models.ProjectWallet{}).
		Where("id = ?", id).
		Update("is_active", false).Error
}
