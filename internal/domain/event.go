package domain

import "time"

// Event types published to live subscribers
const (
	EventScoresUpdated    = "scores_updated"
	EventNewTopScore      = "new_top_score"
	EventPlayerDiscovered = "player_discovered"
	EventScanCompleted    = "scan_completed"
)

// Event is a significant state change
type Event struct {
	Type      string    `json:"type"`
	ItemID    string    `json:"item_id,omitempty"`
	PlayerID  string    `json:"player_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTopScore describes a rank-1 change on an item
type NewTopScore struct {
	ItemID           string `json:"item_id"`
	ItemLabel        string `json:"item_label"`
	PlayerID         string `json:"player_id"`
	Username         string `json:"username"`
	PreviousPlayerID string `json:"previous_player_id"`
	Score            int64  `json:"score"`
}

// ScanProgress is the read-only progress view of the scan coordinator
type ScanProgress struct {
	Processed       int       `json:"processed"`
	Total           int       `json:"total"`
	Percentage      float64   `json:"percentage"`
	Running         bool      `json:"running"`
	Phase           string    `json:"phase,omitempty"`
	ItemsReconciled int64     `json:"items_reconciled"`
	Errors          int64     `json:"errors"`
	RunErrors       int64     `json:"run_errors"`
	LastError       string    `json:"last_error,omitempty"`
	LastRunAt       time.Time `json:"last_run_at,omitempty"`
	LastDuration    string    `json:"last_duration,omitempty"`
}
