package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EventStatus tracks a payment event through reconciliation.
type EventStatus string

// Payment event lifecycle. Status only moves forward.
const (
	StatusPending   EventStatus = "pending"
	StatusConfirmed EventStatus = "confirmed"
	StatusApplying  EventStatus = "applying"
	StatusApplied   EventStatus = "applied"
	StatusFailed    EventStatus = "failed"
	StatusOrphaned  EventStatus = "orphaned"
)

// Terminal reports whether no further automatic processing happens for the status.
func (s EventStatus) Terminal() bool {
	switch s {
	case StatusApplied, StatusFailed, StatusOrphaned:
		return true
	default:
		return false
	}
}

// Sighting sources.
const (
	SourceRPC     = "rpc"
	SourceWebhook = "webhook"
)

// MaxReferenceLength bounds the stored reference column.
const MaxReferenceLength = 128

// PaymentEvent is the canonical record of one on-chain escrow payment.
type PaymentEvent struct {
	ID            uuid.UUID   `gorm:"type:uuid;primaryKey"`
	Network       string      `gorm:"size:32;not null;uniqueIndex:idx_payment_events_network_tx,priority:1"`
	TxHash        string      `gorm:"size:66;not null;uniqueIndex:idx_payment_events_network_tx,priority:2"`
	LogIndex      uint        `gorm:"not null"`
	Payer         string      `gorm:"size:42"`
	Payee         string      `gorm:"size:42"`
	GrossAmount   string      `gorm:"size:80;not null"`
	Fee           string      `gorm:"size:80;not null"`
	TokenAddress  string      `gorm:"size:42"`
	TokenSymbol   string      `gorm:"size:16"`
	TokenDecimals uint8       `gorm:"not null"`
	BlockNumber   uint64      `gorm:"index"`
	BlockTime     time.Time   `gorm:"not null"`
	Reference     string      `gorm:"size:128;index"` // MaxReferenceLength
	Source        string      `gorm:"size:16"`
	Status        EventStatus `gorm:"size:16;index;not null"`
	Attempts      int         `gorm:"not null;default:0"`
	LastError     string      `gorm:"type:text"`
	Discrepancy   string      `gorm:"size:81"`
	StatusReason  string      `gorm:"size:64"`
	CreatedAt     time.Time
	UpdatedAt     time.Time `gorm:"index"`
	AppliedAt     *time.Time
}

// WatcherCheckpoint stores the last block whose sightings were durably handed off.
type WatcherCheckpoint struct {
	Network     string `gorm:"primaryKey;size:32"`
	BlockNumber uint64 `gorm:"not null"`
	UpdatedAt   time.Time
}

// RejectedSighting retains sightings that failed normalisation.
type RejectedSighting struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Network     string    `gorm:"size:32;not null;uniqueIndex:idx_rejected_sightings_key,priority:1"`
	TxHash      string    `gorm:"size:66;not null;uniqueIndex:idx_rejected_sightings_key,priority:2"`
	LogIndex    uint      `gorm:"not null;uniqueIndex:idx_rejected_sightings_key,priority:3"`
	BlockNumber uint64
	Source      string `gorm:"size:16"`
	Reason      string `gorm:"type:text"`
	Payload     string `gorm:"type:text"`
	CreatedAt   time.Time
}

// AnomalyKind classifies conditions surfaced for operator review.
type AnomalyKind string

// Anomaly kinds recorded by the engine.
const (
	AnomalyDuplicatePayment   AnomalyKind = "duplicate_payment"
	AnomalyAmountMismatch     AnomalyKind = "amount_mismatch"
	AnomalyTargetMismatch     AnomalyKind = "target_mismatch"
	AnomalyAmbiguousMilestone AnomalyKind = "ambiguous_milestone"
	AnomalyRetriesExhausted   AnomalyKind = "retries_exhausted"
	AnomalyOrphanedReference  AnomalyKind = "orphaned_reference"
	AnomalyMultiplePaymentLog AnomalyKind = "multiple_payment_logs"
)

// Anomaly is an append-only record keyed by (kind, network, tx hash). Off-ramp
// settlements use the provider name as network and the provider reference as hash.
type Anomaly struct {
	ID         uuid.UUID   `gorm:"type:uuid;primaryKey"`
	Kind       AnomalyKind `gorm:"size:32;not null;uniqueIndex:idx_anomalies_key,priority:1"`
	Network    string      `gorm:"size:32;not null;uniqueIndex:idx_anomalies_key,priority:2"`
	TxHash     string      `gorm:"size:128;not null;uniqueIndex:idx_anomalies_key,priority:3"`
	TargetKind string      `gorm:"size:16"`
	TargetID   *uuid.UUID  `gorm:"type:uuid;index"`
	Details    string      `gorm:"type:text"`
	CreatedAt  time.Time   `gorm:"index"`
}

// TargetStatus is the business status of an invoice, proposal or payment link.
type TargetStatus string

// Settlement target statuses. Only TargetPaid is written by this service.
const (
	TargetDraft     TargetStatus = "draft"
	TargetSent      TargetStatus = "sent"
	TargetPaid      TargetStatus = "paid"
	TargetExpired   TargetStatus = "expired"
	TargetCancelled TargetStatus = "cancelled"
)

// Payment channels recorded as proof of payment.
const (
	ChannelOnChain = "onchain"
	ChannelOffRamp = "offramp"
)

// SettlementTarget is the shared shape of invoices, proposals and payment links.
// Expected network, token and payee are optional constraints set by the UI flow.
type SettlementTarget struct {
	ID                 uuid.UUID    `gorm:"type:uuid;primaryKey"`
	AmountDue          string       `gorm:"size:80;not null"`
	Network            string       `gorm:"size:32"`
	TokenAddress       string       `gorm:"size:42"`
	PayeeAddress       string       `gorm:"size:42"`
	Status             TargetStatus `gorm:"size:16;not null"`
	Description        string       `gorm:"type:text"`
	ContractID         *uuid.UUID   `gorm:"type:uuid"`
	MilestoneID        *uuid.UUID   `gorm:"type:uuid"`
	PaidAt             *time.Time
	PaidAmount         string `gorm:"size:80"`
	PaidFee            string `gorm:"size:80"`
	PaymentChannel     string `gorm:"size:16"`
	PaymentNetwork     string `gorm:"size:32"`
	PaymentTxHash      string `gorm:"size:128"`
	PaymentDiscrepancy string `gorm:"size:81"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Invoice rows live in the invoices table.
type Invoice struct {
	SettlementTarget
}

// TableName implements gorm's tabler interface.
func (Invoice) TableName() string { return "invoices" }

// Proposal rows live in the proposals table.
type Proposal struct {
	SettlementTarget
}

// TableName implements gorm's tabler interface.
func (Proposal) TableName() string { return "proposals" }

// PaymentLink rows live in the payment_links table.
type PaymentLink struct {
	SettlementTarget
}

// TableName implements gorm's tabler interface.
func (PaymentLink) TableName() string { return "payment_links" }

// MilestoneStatus is the payment status of a contract milestone.
type MilestoneStatus string

// Milestone payment statuses.
const (
	MilestoneUnpaid MilestoneStatus = "unpaid"
	MilestonePaid   MilestoneStatus = "paid"
)

// Milestone is a contract deliverable that becomes paid alongside its target.
type Milestone struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey"`
	ContractID       uuid.UUID       `gorm:"type:uuid;index;not null"`
	Title            string          `gorm:"size:255;not null"`
	Amount           string          `gorm:"size:80"`
	PaymentStatus    MilestoneStatus `gorm:"size:16;not null"`
	PaidAt           *time.Time
	PaymentReference string `gorm:"size:160"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&PaymentEvent{},
		&WatcherCheckpoint{},
		&RejectedSighting{},
		&Anomaly{},
		&Invoice{},
		&Proposal{},
		&PaymentLink{},
		&Milestone{},
	)
}
