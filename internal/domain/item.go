package domain

import "time"

// Item is one trackable upstream content unit
type Item struct {
	ID     string  `json:"id"`
	Label  string  `json:"label"`
	Weight float64 `json:"weight"`
}

// ItemMetadata is optional descriptive data fetched alongside scores
type ItemMetadata struct {
	ID            string  `json:"id"`
	Label         string  `json:"label"`
	Artist        string  `json:"artist,omitempty"`
	Creator       string  `json:"creator,omitempty"`
	Difficulty    float64 `json:"difficulty,omitempty"`
	LengthSeconds int     `json:"length_seconds,omitempty"`
	Status        string  `json:"status,omitempty"`
}

// UpstreamPlayer is the compact player payload embedded in upstream results
type UpstreamPlayer struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	CountryCode string `json:"country_code"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// UpstreamScore is one entry of an item's upstream score list, in upstream order
type UpstreamScore struct {
	Player      UpstreamPlayer `json:"player"`
	Item        *Item          `json:"item,omitempty"`
	Score       int64          `json:"score"`
	Accuracy    float64        `json:"accuracy"`
	Mods        []string       `json:"mods"`
	Performance float64        `json:"performance"`
	MaxCombo    int            `json:"max_combo"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Score is a stored score row, unique by (ItemID, PlayerID)
type Score struct {
	ItemID      string    `json:"item_id"`
	PlayerID    string    `json:"player_id"`
	Username    string    `json:"username,omitempty"`
	Rank        int       `json:"rank"`
	Score       int64     `json:"score"`
	Accuracy    float64   `json:"accuracy"`
	Mods        []string  `json:"mods"`
	Performance float64   `json:"performance"`
	MaxCombo    int       `json:"max_combo"`
	PlayedAt    time.Time `json:"played_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ItemRecord is the stored form of an item and its optional metadata
type ItemRecord struct {
	Item
	Metadata     *ItemMetadata `json:"metadata,omitempty"`
	ReconciledAt time.Time     `json:"reconciled_at"`
}

// Replacement describes the score set an atomic replace displaced
type Replacement struct {
	PreviousTop     string
	PreviousPlayers []string
}

// ReconcileResult is returned by a single item reconciliation
type ReconcileResult struct {
	Matched int `json:"matched"`
	Total   int `json:"total"`
}

// Match is a group/match listing entry
type Match struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
