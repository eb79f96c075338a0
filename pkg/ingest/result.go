package ingest

// Result messages.
const (
	MessageCompleted           = "Processing completed"
	MessageCompletedWithErrors = "Processing completed with errors"
	messageFailedPrefix        = "Processing failed: "
)

// Counts tallies the operations applied by one submission.
type Counts struct {
	RunsCreated       int `json:"runs_created"`
	RunsUpdated       int `json:"runs_updated"`
	FieldsUpdated     int `json:"fields_updated"`
	FeedbackCreated   int `json:"feedback_created"`
	AttachmentsStored int `json:"attachments_stored"`
}

// Result is the aggregate outcome of a submission. Success is false when
// any part failed or processing was aborted.
type Result struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Data    *Counts  `json:"data,omitempty"`
	Errors  []string `json:"errors,omitempty"`

	// Aborted is set when processing stopped before every part was
	// handled.
	Aborted bool `json:"-"`
}

func newResult() *Result {
	return &Result{
		Success: true,
		Message: MessageCompleted,
		Data:    &Counts{},
		Errors:  make([]string, 0),
	}
}

func (r *Result) abort(reason string) {
	r.Success = false
	r.Aborted = true
	r.Message = messageFailedPrefix + reason
}
