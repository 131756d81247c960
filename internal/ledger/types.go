// Package ledger defines the canonical transaction data model and its
// durable stores.
package ledger

import (
	"time"
)

// SourceType identifies where a raw message came from.
type SourceType string

const (
	SourceMail   SourceType = "mail"
	SourceSMS    SourceType = "sms"
	SourceManual SourceType = "manual"
)

// MessageState is the processing state of a raw message.
type MessageState string

const (
	// StateUnprocessed marks a fetched message not yet resolved.
	StateUnprocessed MessageState = "unprocessed"
	// StateCommitted marks a message that produced a transaction.
	StateCommitted MessageState = "committed"
	// StateRejected marks a message that was processed without producing
	// a transaction (no extraction match, validation failure, duplicate).
	StateRejected MessageState = "rejected"
)

// Severity grades a flagged transaction.
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// PaymentChannel is the canonical payment rail for a transaction.
type PaymentChannel string

const (
	ChannelUPI          PaymentChannel = "upi"
	ChannelCard         PaymentChannel = "card"
	ChannelBankTransfer PaymentChannel = "bank_transfer"
	ChannelNetbanking   PaymentChannel = "netbanking"
	ChannelUnknown      PaymentChannel = "unknown"
)

// RawMessage is one unprocessed unit fetched from an external source.
// Identity is (SourceType, ExternalID); the stores enforce uniqueness on it.
type RawMessage struct {
	SourceType SourceType
	ExternalID string
	RawPayload string
	FetchedAt  time.Time
	State      MessageState
}

// Transaction is the canonical, persisted financial record.
//
// Transactions are soft-deleted only: DeletedAt is set and the row is
// retained for audit.
type Transaction struct {
	ID                 string
	OwnerRef           string
	Amount             float64
	Currency           string
	MerchantRaw        string
	MerchantNormalized string
	Category           string
	ClassifyConfidence float64
	PaymentChannel     PaymentChannel
	Timestamp          time.Time
	SourceType         SourceType
	SourceExternalID   string
	Note               string

	AnomalyFlag     bool
	AnomalyScore    float64
	AnomalySeverity Severity
	ModelVersion    int64

	Indexed       bool
	UserConfirmed bool

	CreatedAt time.Time
	DeletedAt *time.Time
}

// Deleted reports whether the transaction has been soft-deleted.
func (t *Transaction) Deleted() bool {
	return t.DeletedAt != nil
}

// Decision is a user's verdict on a flagged transaction.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// FeedbackEvent records a user decision on a flagged transaction.
// Events are append-only and drive anomaly model evolution.
type FeedbackEvent struct {
	ID            string
	TransactionID string
	Decision      Decision
	OccurredAt    time.Time
}

// TransactionQuery filters transaction listings. Zero values mean
// "no constraint".
type TransactionQuery struct {
	Merchant       string // normalized merchant name
	Category       string
	MinAmount      *float64
	MaxAmount      *float64
	From           time.Time
	To             time.Time
	IncludeDeleted bool
	Limit          int
}
