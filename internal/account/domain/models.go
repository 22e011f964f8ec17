// Package domain contains the account model whose tier mirrors the owning
// subscription. The mirror is maintained by two writers (provisioning and the
// webhook state machine) and checked by reconciliation, not by a foreign key.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/billingsync/internal/subscription/domain"
)

// Account is a billable user of the inference API.
type Account struct {
	ID        snowflake.ID            `gorm:"primaryKey"`
	Email     string                  `gorm:"type:text;not null;uniqueIndex"`
	Tier      subscriptiondomain.Tier `gorm:"type:text;not null;default:'trial'"`
	CreatedAt time.Time               `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time               `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }
