// Package models contains data structures used by the repository layer.
package models

import "time"

type TaskStats struct {
	Kind          string  `json:"kind"`
	Status        string  `json:"status"`
	Count         int     `json:"count"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	MaxDurationMs int     `json:"max_duration_ms"`
	MinDurationMs int     `json:"min_duration_ms"`
}

type RecentTask struct {
	TaskID      string     `json:"task_id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  *int       `json:"duration_ms,omitempty"`
	Error       string     `json:"error,omitempty"`
}
