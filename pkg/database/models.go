package database

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// Table names.
const (
	TableSystems     = "systems"
	TableRuns        = "runs"
	TableFeedback    = "feedback"
	TableAttachments = "attachments"
	TableRunStats    = "run_stats_hourly"
	TableStatHours   = "run_stats_hours"
)

// The types below only describe the schema for migration. Rows are read
// and written through the Adapter.

type systemTable struct {
	ID          string `gorm:"column:id;primaryKey;type:varchar(64)"`
	Name        string `gorm:"column:name;type:varchar(255);not null;uniqueIndex:idx_systems_name"`
	Description string `gorm:"column:description;type:text"`
	APIKey      string `gorm:"column:api_key;type:varchar(128);not null;uniqueIndex:idx_systems_api_key"`
	Status      string `gorm:"column:status;type:varchar(16);not null;default:active;index:idx_systems_status"`
	CreatedAt   string `gorm:"column:created_at;type:varchar(32);not null"`
	UpdatedAt   string `gorm:"column:updated_at;type:varchar(32);not null"`
}

func (systemTable) TableName() string { return TableSystems }

type runTable struct {
	ID               string `gorm:"column:id;primaryKey;type:varchar(255)"`
	TraceID          string `gorm:"column:trace_id;type:varchar(255);index:idx_runs_trace_id"`
	Name             string `gorm:"column:name;type:text"`
	RunType          string `gorm:"column:run_type;type:varchar(64);index:idx_runs_run_type"`
	System           string `gorm:"column:system;type:varchar(255);index:idx_runs_system"`
	ThreadID         string `gorm:"column:thread_id;type:varchar(255);index:idx_runs_thread_id"`
	UserID           string `gorm:"column:user_id;type:varchar(255);index:idx_runs_user_id"`
	StartTime        string `gorm:"column:start_time;type:varchar(32);index:idx_runs_start_time"`
	EndTime          string `gorm:"column:end_time;type:varchar(32)"`
	Inputs           string `gorm:"column:inputs;type:text"`
	Outputs          string `gorm:"column:outputs;type:text"`
	Events           string `gorm:"column:events;type:text"`
	Error            string `gorm:"column:error;type:text"`
	Extra            string `gorm:"column:extra;type:text"`
	Serialized       string `gorm:"column:serialized;type:text"`
	TotalTokens      int64  `gorm:"column:total_tokens;not null;default:0"`
	ModelName        string `gorm:"column:model_name;type:varchar(255);index:idx_runs_model_name"`
	TimeToFirstToken int64  `gorm:"column:time_to_first_token;not null;default:0"`
	Tags             string `gorm:"column:tags;type:text"`
	CreatedAt        string `gorm:"column:created_at;type:varchar(32);not null"`
	UpdatedAt        string `gorm:"column:updated_at;type:varchar(32);not null"`
}

func (runTable) TableName() string { return TableRuns }

type feedbackTable struct {
	ID         string   `gorm:"column:id;primaryKey;type:varchar(64)"`
	TraceID    string   `gorm:"column:trace_id;type:varchar(255);not null;index:idx_feedback_trace_id"`
	RunID      string   `gorm:"column:run_id;type:varchar(255);not null;index:idx_feedback_run_id"`
	FeedbackID string   `gorm:"column:feedback_id;type:varchar(255)"`
	Score      *float64 `gorm:"column:score"`
	Comment    string   `gorm:"column:comment;type:text"`
	Metadata   string   `gorm:"column:metadata;type:text"`
	CreatedAt  string   `gorm:"column:created_at;type:varchar(32);not null"`
}

func (feedbackTable) TableName() string { return TableFeedback }

type attachmentTable struct {
	ID          string `gorm:"column:id;primaryKey;type:varchar(64)"`
	RunID       string `gorm:"column:run_id;type:varchar(255);not null;index:idx_attachments_run_id"`
	Filename    string `gorm:"column:filename;type:text;not null"`
	ContentType string `gorm:"column:content_type;type:varchar(255)"`
	FileSize    int64  `gorm:"column:file_size"`
	StoragePath string `gorm:"column:storage_path;type:text"`
	CreatedAt   string `gorm:"column:created_at;type:varchar(32);not null"`
}

func (attachmentTable) TableName() string { return TableAttachments }

// runStatsTable keys on (stat_hour, model_name, system). A run without a
// system is stored under the empty system name so the key never holds NULL.
type runStatsTable struct {
	StatHour        string  `gorm:"column:stat_hour;primaryKey;type:varchar(32);index:idx_run_stats_hourly_time"`
	ModelName       string  `gorm:"column:model_name;primaryKey;type:varchar(255)"`
	System          string  `gorm:"column:system;primaryKey;type:varchar(255)"`
	TotalRuns       int64   `gorm:"column:total_runs;not null;default:0"`
	SuccessfulRuns  int64   `gorm:"column:successful_runs;not null;default:0"`
	FailedRuns      int64   `gorm:"column:failed_runs;not null;default:0"`
	ErrorRate       float64 `gorm:"column:error_rate"`
	TotalDurationMS int64   `gorm:"column:total_duration_ms"`
	AvgDurationMS   int64   `gorm:"column:avg_duration_ms"`
	P95DurationMS   int64   `gorm:"column:p95_duration_ms"`
	P99DurationMS   int64   `gorm:"column:p99_duration_ms"`
	TotalTokensSum  int64   `gorm:"column:total_tokens_sum"`
	AvgTokensPerRun float64 `gorm:"column:avg_tokens_per_run"`
	AvgTTFTMS       int64   `gorm:"column:avg_ttft_ms"`
	P95TTFTMS       int64   `gorm:"column:p95_ttft_ms"`
	DistinctUsers   int64   `gorm:"column:distinct_users"`
}

func (runStatsTable) TableName() string { return TableRunStats }

// statHourTable records every hour bucket that has been computed, including
// hours that produced no rows.
type statHourTable struct {
	StatHour   string `gorm:"column:stat_hour;primaryKey;type:varchar(32)"`
	ComputedAt string `gorm:"column:computed_at;type:varchar(32);not null"`
}

func (statHourTable) TableName() string { return TableStatHours }

func migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(
		&systemTable{},
		&runTable{},
		&feedbackTable{},
		&attachmentTable{},
		&runStatsTable{},
		&statHourTable{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}
