package database

import "time"

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// AuditLog is one recorded sign or verify call.
type AuditLog struct {
	ID        uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType string `gorm:"not null;index" json:"event_type"`
	Account   string `gorm:"index" json:"account"`
	// Identities is how many identities took part.
	Identities int `json:"identities"`
	// Fingerprints is a comma-separated list of SHA256 fingerprints.
	Fingerprints string    `gorm:"type:text" json:"fingerprints"`
	Success      bool      `gorm:"index" json:"success"`
	Reason       string    `json:"reason"`
	Details      string    `gorm:"type:text" json:"details"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
