package models

import (
	"time"
)

// ProjectWallet holds a treasury wallet whose private key is stored
// sealed (secretbox). Plaintext keys never leave the signer.
type ProjectWallet struct {
	ID        string `json:"id" gorm:"primaryKey"` // UUID
	Chain     string `json:"chain" gorm:"not null;index"`
	Address   string `json:"address" gorm:"uniqueIndex;not null"`
	SealedKey []byte `json:"-" gorm:"type:bytea;not null"` // nonce || ciphertext
	IsActive  bool   `json:"is_active" gorm:"default:true;index"`

	LastUsedAt *time.Time `json:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (ProjectWallet) TableName() string {
	return "project_wallets"
}
