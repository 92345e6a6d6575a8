package web

import (
	"time"
)

// StatusResponse describes the current recording run
type StatusResponse struct {
	RunID        string    `json:"runId"`
	Segment      string    `json:"segment"`
	StartedAt    time.Time `json:"startedAt"`
	Transactions int64     `json:"transactions"`
	Matches      int64     `json:"matches"`
	Rules        int       `json:"rules"`
}

// RuleRow represents a Sigma rule file for the web API
type RuleRow struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Level    string `json:"level"`
	Filename string `json:"filename"`
	Enabled  bool   `json:"enabled"`
}
