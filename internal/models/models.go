package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Customer is the slice of the customer subsystem the automation engine
// reads: contact points for message recipients and tag targets.
type Customer struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	BusinessID uint           `gorm:"index;not null" json:"business_id"`
	Name       string         `json:"name"`
	Phone      string         `gorm:"index" json:"phone"`
	Email      string         `gorm:"index" json:"email"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`

	Tags []CustomerTagLink `gorm:"foreignKey:CustomerID" json:"tags,omitempty"`
}

// CustomerTag 客户标签
type CustomerTag struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	BusinessID uint      `gorm:"index;not null" json:"business_id"`
	Name       string    `gorm:"not null" json:"name"`
	CreatedAt  time.Time `json:"created_at"`

	Links []CustomerTagLink `gorm:"foreignKey:TagID" json:"links,omitempty"`
}

// CustomerTagLink joins a customer to a tag; deleted on rollback when the
// link was created by an automation action.
type CustomerTagLink struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	BusinessID uint      `gorm:"index;not null" json:"business_id"`
	CustomerID uint      `gorm:"index" json:"customer_id"`
	TagID      uint      `gorm:"index" json:"tag_id"`
	CreatedAt  time.Time `json:"created_at"`

	Customer Customer    `gorm:"foreignKey:CustomerID" json:"customer,omitempty"`
	Tag      CustomerTag `gorm:"foreignKey:TagID" json:"tag,omitempty"`
}

// Outbox event statuses.
const (
	OutboxStatusPending   = "pending"
	OutboxStatusProcessed = "processed"
)

// OutboxEvent is the integration subsystem's event record consumed by the
// automation engine and produced again on message sends.
type OutboxEvent struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	BusinessID   uint           `gorm:"index;not null" json:"business_id"`
	EventType    string         `gorm:"index;not null" json:"event_type"` // dotted, e.g. invoice.overdue
	TargetAppKey string         `json:"target_app_key"`
	Payload      datatypes.JSON `json:"payload"`
	Status       string         `gorm:"default:'pending';index" json:"status"` // pending, processed
	ProcessedAt  *time.Time     `json:"processed_at"`
	CreatedAt    time.Time      `json:"created_at"`
}

// OutboundMessage records a message handed to a provider by send_message.
type OutboundMessage struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	BusinessID uint      `gorm:"index;not null" json:"business_id"`
	RuleRunID  uint      `gorm:"index" json:"rule_run_id"`
	Provider   string    `json:"provider"`
	Recipient  string    `json:"recipient"`
	Content    string    `gorm:"type:text" json:"content"`
	Status     string    `gorm:"default:'queued'" json:"status"` // queued, sent, failed
	ProviderID string    `json:"provider_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// App installation statuses.
const (
	AppStatusConnected    = "connected"
	AppStatusDisconnected = "disconnected"
)

// AppInstallation tracks a business's connection to a channel app; WhatsApp
// family providers require a connected installation before sending.
type AppInstallation struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	BusinessID uint      `gorm:"index;not null" json:"business_id"`
	AppKey     string    `gorm:"index;not null" json:"app_key"`
	Status     string    `gorm:"default:'disconnected'" json:"status"` // connected, disconnected
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
