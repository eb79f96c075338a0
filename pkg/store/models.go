package store

import (
	"encoding/json"
	"errors"
	"strings"
)

// System status values.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// System is a tenant authenticated by its API key.
type System struct {
	ID          string `db:"id" json:"id"`
	Name        string `db:"name" json:"name"`
	Description string `db:"description" json:"description,omitempty"`
	APIKey      string `db:"api_key" json:"api_key"`
	Status      string `db:"status" json:"status"`
	CreatedAt   string `db:"created_at" json:"created_at"`
	UpdatedAt   string `db:"updated_at" json:"updated_at"`
}

// SystemUpdate carries the mutable system attributes. Nil fields are left
// untouched.
type SystemUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty"`
}

// SystemStats summarises the data recorded for one system.
type SystemStats struct {
	TotalRuns        int64  `db:"total_runs" json:"total_runs"`
	TotalTraces      int64  `db:"total_traces" json:"total_traces"`
	TotalTokens      int64  `db:"total_tokens" json:"total_tokens"`
	TotalFeedback    int64  `db:"-" json:"total_feedback"`
	TotalAttachments int64  `db:"-" json:"total_attachments"`
	FirstRunTime     string `db:"first_run_time" json:"first_run_time,omitempty"`
	LastRunTime      string `db:"last_run_time" json:"last_run_time,omitempty"`
}

// MigrationResult reports how many systems a migration created.
type MigrationResult struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

// Run is one persisted execution step. JSON payload columns hold the
// producer's document as text.
type Run struct {
	ID               string `db:"id" json:"id"`
	TraceID          string `db:"trace_id" json:"trace_id,omitempty"`
	Name             string `db:"name" json:"name,omitempty"`
	RunType          string `db:"run_type" json:"run_type,omitempty"`
	System           string `db:"system" json:"system,omitempty"`
	ThreadID         string `db:"thread_id" json:"thread_id,omitempty"`
	UserID           string `db:"user_id" json:"user_id,omitempty"`
	StartTime        string `db:"start_time" json:"start_time,omitempty"`
	EndTime          string `db:"end_time" json:"end_time,omitempty"`
	Inputs           string `db:"inputs" json:"inputs,omitempty"`
	Outputs          string `db:"outputs" json:"outputs,omitempty"`
	Events           string `db:"events" json:"events,omitempty"`
	Error            string `db:"error" json:"error,omitempty"`
	Extra            string `db:"extra" json:"extra,omitempty"`
	Serialized       string `db:"serialized" json:"serialized,omitempty"`
	TotalTokens      int64  `db:"total_tokens" json:"total_tokens"`
	ModelName        string `db:"model_name" json:"model_name,omitempty"`
	TimeToFirstToken int64  `db:"time_to_first_token" json:"time_to_first_token"`
	Tags             string `db:"tags" json:"tags,omitempty"`
	CreatedAt        string `db:"created_at" json:"created_at"`
	UpdatedAt        string `db:"updated_at" json:"updated_at"`
}

// RunPayload is a create or partial update of a run as sent by producers.
// A nil field is absent; JSON payload fields keep the producer's raw
// document. System is never read from the payload: it is the system of the
// submitting caller.
type RunPayload struct {
	ID          string          `json:"id,omitempty"`
	TraceID     *string         `json:"trace_id,omitempty"`
	Name        *string         `json:"name,omitempty"`
	RunType     *string         `json:"run_type,omitempty"`
	System      *string         `json:"-"`
	ModelName   *string         `json:"model_name,omitempty"`
	ThreadID    *string         `json:"thread_id,omitempty"`
	StartTime   json.RawMessage `json:"start_time,omitempty"`
	EndTime     json.RawMessage `json:"end_time,omitempty"`
	Inputs      json.RawMessage `json:"inputs,omitempty"`
	Outputs     json.RawMessage `json:"outputs,omitempty"`
	Events      json.RawMessage `json:"events,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	Extra       json.RawMessage `json:"extra,omitempty"`
	Serialized  json.RawMessage `json:"serialized,omitempty"`
	TotalTokens *int64          `json:"total_tokens,omitempty"`
	Tags        *Tags           `json:"tags,omitempty"`
}

// Tags is a run's tag list. It decodes from a JSON array of strings or
// from a comma-separated string.
type Tags []string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Tags) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*t = list

		return nil
	}

	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return errors.New("tags must be an array of strings or a comma-separated string")
	}

	out := Tags{}

	for _, tag := range strings.Split(joined, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			out = append(out, tag)
		}
	}

	*t = out

	return nil
}

// RunFilter narrows run searches. Empty fields do not filter.
type RunFilter struct {
	RunType         string
	System          string
	ModelName       string
	ThreadID        string
	UserID          string
	Tag             string
	StartTimeAfter  string
	StartTimeBefore string
}

// Feedback is a scored annotation of one run.
type Feedback struct {
	ID         string   `db:"id" json:"id"`
	TraceID    string   `db:"trace_id" json:"trace_id"`
	RunID      string   `db:"run_id" json:"run_id"`
	FeedbackID string   `db:"feedback_id" json:"feedback_id,omitempty"`
	Score      *float64 `db:"score" json:"score,omitempty"`
	Comment    string   `db:"comment" json:"comment,omitempty"`
	Metadata   string   `db:"metadata" json:"metadata,omitempty"`
	CreatedAt  string   `db:"created_at" json:"created_at"`
}

// FeedbackPayload is a feedback submission.
type FeedbackPayload struct {
	TraceID    string          `json:"trace_id"`
	FeedbackID string          `json:"feedback_id,omitempty"`
	Score      *float64        `json:"score,omitempty"`
	Comment    string          `json:"comment,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// Attachment records a binary artifact stored for a run.
type Attachment struct {
	ID          string `db:"id" json:"id"`
	RunID       string `db:"run_id" json:"run_id"`
	Filename    string `db:"filename" json:"filename"`
	ContentType string `db:"content_type" json:"content_type,omitempty"`
	FileSize    int64  `db:"file_size" json:"file_size"`
	StoragePath string `db:"storage_path" json:"storage_path"`
	CreatedAt   string `db:"created_at" json:"created_at"`
}

// TraceOverview aggregates the runs sharing a trace id.
type TraceOverview struct {
	TraceID          string   `db:"trace_id" json:"trace_id"`
	TotalRuns        int64    `db:"total_runs" json:"total_runs"`
	TotalFeedback    int64    `db:"-" json:"total_feedback"`
	TotalAttachments int64    `db:"-" json:"total_attachments"`
	FirstRunTime     string   `db:"first_run_time" json:"first_run_time,omitempty"`
	LastRunTime      string   `db:"last_run_time" json:"last_run_time,omitempty"`
	RunTypes         []string `db:"-" json:"run_types"`
	Systems          []string `db:"-" json:"systems"`
	TotalTokensSum   int64    `db:"total_tokens_sum" json:"total_tokens_sum"`
	UserID           string   `db:"user_id" json:"user_id,omitempty"`

	RunTypesAgg string `db:"run_types" json:"-"`
	SystemsAgg  string `db:"systems" json:"-"`
}

// ThreadOverview aggregates the runs and traces sharing a thread id.
type ThreadOverview struct {
	ThreadID         string   `db:"thread_id" json:"thread_id"`
	TotalRuns        int64    `db:"total_runs" json:"total_runs"`
	TotalTraces      int64    `db:"total_traces" json:"total_traces"`
	TotalFeedback    int64    `db:"-" json:"total_feedback"`
	TotalAttachments int64    `db:"-" json:"total_attachments"`
	FirstRunTime     string   `db:"first_run_time" json:"first_run_time,omitempty"`
	LastRunTime      string   `db:"last_run_time" json:"last_run_time,omitempty"`
	RunTypes         []string `db:"-" json:"run_types"`
	Systems          []string `db:"-" json:"systems"`
	TotalTokensSum   int64    `db:"total_tokens_sum" json:"total_tokens_sum"`

	RunTypesAgg string `db:"run_types" json:"-"`
	SystemsAgg  string `db:"systems" json:"-"`
}

// TraceFilter narrows trace listings.
type TraceFilter struct {
	System    string
	ThreadID  string
	UserID    string
	RunType   string
	ModelName string
}

// ThreadFilter narrows thread listings. ThreadID matches as a substring.
type ThreadFilter struct {
	System   string
	ThreadID string
}

// RunDetail is a run with its children.
type RunDetail struct {
	Run
	Feedback    []Feedback   `json:"feedback"`
	Attachments []Attachment `json:"attachments"`
}

// TraceSummary is the reconstruction of one trace.
type TraceSummary struct {
	Overview TraceOverview `json:"overview"`
	Runs     []RunDetail   `json:"runs"`
}

// HourlyStats is one roll-up row keyed by (hour, model, system).
type HourlyStats struct {
	StatHour        string  `db:"stat_hour" json:"stat_hour"`
	ModelName       string  `db:"model_name" json:"model_name"`
	System          string  `db:"system" json:"system,omitempty"`
	TotalRuns       int64   `db:"total_runs" json:"total_runs"`
	SuccessfulRuns  int64   `db:"successful_runs" json:"successful_runs"`
	FailedRuns      int64   `db:"failed_runs" json:"failed_runs"`
	ErrorRate       float64 `db:"error_rate" json:"error_rate"`
	TotalDurationMS int64   `db:"total_duration_ms" json:"total_duration_ms"`
	AvgDurationMS   int64   `db:"avg_duration_ms" json:"avg_duration_ms"`
	P95DurationMS   int64   `db:"p95_duration_ms" json:"p95_duration_ms"`
	P99DurationMS   int64   `db:"p99_duration_ms" json:"p99_duration_ms"`
	TotalTokensSum  int64   `db:"total_tokens_sum" json:"total_tokens_sum"`
	AvgTokensPerRun float64 `db:"avg_tokens_per_run" json:"avg_tokens_per_run"`
	AvgTTFTMS       int64   `db:"avg_ttft_ms" json:"avg_ttft_ms"`
	P95TTFTMS       int64   `db:"p95_ttft_ms" json:"p95_ttft_ms"`
	DistinctUsers   int64   `db:"distinct_users" json:"distinct_users"`
}

// StatsFilter narrows hourly statistics queries.
type StatsFilter struct {
	ModelName string
	System    string
}

// TraceStats summarises the runs of one trace.
type TraceStats struct {
	TraceID              string         `json:"trace_id"`
	TotalRuns            int            `json:"total_runs"`
	TotalFeedback        int            `json:"total_feedback"`
	TotalAttachments     int            `json:"total_attachments"`
	AverageFeedbackScore *float64       `json:"average_feedback_score"`
	RunTypes             map[string]int `json:"run_types"`
	Duration             TraceDuration  `json:"duration"`
}

// TraceDuration is the creation span of a trace's runs.
type TraceDuration struct {
	FirstRun  string  `json:"first_run"`
	LastRun   string  `json:"last_run"`
	SpanHours float64 `json:"span_hours"`
}
