package usage

import (
	"time"

	"github.com/pdfmill/pdfmill/spec"
)

// Entry is the per-user, per-operation invocation counter. Count only moves
// up between resets, and only through the conditional increment in Manager.
type Entry struct {
	UserID    string       `json:"-" gorm:"primaryKey"`
	Service   spec.Service `json:"service" gorm:"primaryKey"`
	Count     int64        `json:"count" gorm:"not null;default:0"`
	LastReset time.Time    `json:"lastReset"`
}

// TableName overrides the table name ("entries" says nothing)
func (Entry) TableName() string {
	return "usage_entries"
}
