package billing

import (
	"time"

	"github.com/pdfmill/pdfmill/spec"
)

// Payment is the ledger row for a settled charge. ChargeID is the processor's
// charge identifier and doubles as the dedup key for webhook redeliveries.
type Payment struct {
	ChargeID      string           `json:"chargeId" gorm:"primaryKey"`
	UserID        string           `json:"userId" gorm:"index"`
	PlanID        string           `json:"planId"`
	BillingType   spec.BillingType `json:"billingType"`
	Amount        int64            `json:"amount"` // in the smallest currency unit
	Currency      string           `json:"currency"`
	PaymentMethod string           `json:"paymentMethod"`
	BillingName   string           `json:"billingName"`
	BillingEmail  string           `json:"billingEmail"`
	ReceiptURL    string           `json:"receiptUrl"`
	Status        string           `json:"status"`
	CycleStart    time.Time        `json:"cycleStart"`
	CycleEnd      *time.Time       `json:"cycleEnd"`
	CreatedAt     time.Time        `json:"createdAt"`
}
