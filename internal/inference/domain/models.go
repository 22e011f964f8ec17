// Package domain contains persistence models for billable inference calls.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrAccountNotFound  = errors.New("account_not_found")
	ErrBudgetExhausted  = errors.New("budget_exhausted")
	ErrCompletionFailed = errors.New("completion_failed")
)

// InferenceCall records one completed invocation of the paid inference API.
// UsageReported transitions false -> true exactly once, when the call has
// been metered with the billing provider.
type InferenceCall struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	AccountID     snowflake.ID `gorm:"not null;index"`
	Model         string       `gorm:"type:text"`
	Cost          float64      `gorm:"not null"`
	UsageReported bool         `gorm:"not null;default:false;index"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InferenceCall) TableName() string { return "inference_calls" }
