package api

// CreateConfigRequest asks for a new tunnel config. A plan, when given,
// supplies quota and duration for fields left zero.
type CreateConfigRequest struct {
	ServerID     int64  `json:"server_id"`
	OwnerID      int64  `json:"owner_id"`
	PlanID       *int64 `json:"plan_id,omitempty"`
	QuotaBytes   int64  `json:"quota_bytes,omitempty"`
	DurationDays int    `json:"duration_days,omitempty"`
	IsTest       bool   `json:"is_test,omitempty"`
}
