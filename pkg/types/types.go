package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Transfer groups one or more uploaded files behind a single shareable,
// time-limited link.
type Transfer struct {
	ID        uuid.UUID    `json:"id" gorm:"primaryKey"`
	Name      string       `json:"name"`
	ExpiresAt time.Time    `json:"expires_at" gorm:"index;not null"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	Files     []FileRecord `json:"files" gorm:"foreignKey:TransferID"`
}

// BeforeCreate generates a UUID for the transfer ID
func (t *Transfer) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

// Expired reports whether the transfer has passed its expiry.
func (t *Transfer) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// FileRecord is one file within a transfer. Its ID is the upload session id;
// the same key names the offset record and the raw blob. Complete gates the
// download path and flips exactly once, when the upload reaches its declared
// size.
type FileRecord struct {
	ID           string    `json:"id" gorm:"primaryKey"`
	TransferID   uuid.UUID `json:"transfer_id" gorm:"type:uuid;not null;index"`
	Name         string    `json:"name" gorm:"not null"`
	ContentType  string    `json:"content_type"`
	DeclaredSize int64     `json:"declared_size"`
	FinalSize    int64     `json:"final_size"`
	Complete     bool      `json:"complete" gorm:"default:false"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CreateTransferRequest is the request body for creating a transfer
type CreateTransferRequest struct {
	Name      string `json:"name" binding:"max=255"`
	ExpiresIn string `json:"expires_in"` // Go duration string, e.g. "72h"
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}
