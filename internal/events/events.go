package events

import "strconv"

const (
	EventBalanceLow = "balance.low"
)

// LowBalancePayload is emitted when a movement leaves a customer at or below the threshold.
type LowBalancePayload struct {
	CustomerID   string
	MovementID   string
	BalanceMinor int64
	Threshold    int64
	Currency     string
}

func (p LowBalancePayload) ToMap() map[string]any {
	return map[string]any{
		"customer_id":   p.CustomerID,
		"movement_id":   p.MovementID,
		"balance_minor": strconv.FormatInt(p.BalanceMinor, 10),
		"threshold":     strconv.FormatInt(p.Threshold, 10),
		"currency":      p.Currency,
	}
}

func LowBalanceDedupeKey(customerID, movementID string) string {
	return "low_balance:" + customerID + ":" + movementID
}
