package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Condition is the threshold comparison an alert applies.
type Condition string

const (
	ConditionAbove Condition = "above"
	ConditionBelow Condition = "below"
)

// ParseCondition normalises user input into a Condition.
func ParseCondition(raw string) (Condition, error) {
	switch Condition(strings.ToLower(strings.TrimSpace(raw))) {
	case ConditionAbove:
		return ConditionAbove, nil
	case ConditionBelow:
		return ConditionBelow, nil
	default:
		return "", fmt.Errorf("condition must be %q or %q, got %q", ConditionAbove, ConditionBelow, raw)
	}
}

// Crossed reports whether price satisfies the condition against threshold.
// Equality never satisfies either condition.
func (c Condition) Crossed(price, threshold decimal.Decimal) bool {
	switch c {
	case ConditionAbove:
		return price.GreaterThan(threshold)
	case ConditionBelow:
		return price.LessThan(threshold)
	default:
		return false
	}
}

// AlertRecord is a user-defined price threshold on one coin.
// Triggered is terminal: nothing in this module resets it.
type AlertRecord struct {
	ID          string
	OwnerID     string
	AssetID     string
	Threshold   decimal.Decimal
	Condition   Condition
	Triggered   bool
	TriggeredAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewAlert carries the caller-supplied fields of an alert to create.
type NewAlert struct {
	OwnerID   string
	AssetID   string
	Threshold decimal.Decimal
	Condition Condition
}

// Validate checks the fields required to create an alert.
func (n NewAlert) Validate() error {
	if strings.TrimSpace(n.OwnerID) == "" {
		return fmt.Errorf("owner id is required")
	}
	if strings.TrimSpace(n.AssetID) == "" {
		return fmt.Errorf("coin id is required")
	}
	if !n.Threshold.IsPositive() {
		return fmt.Errorf("threshold must be greater than zero")
	}
	if _, err := ParseCondition(string(n.Condition)); err != nil {
		return err
	}
	return nil
}
