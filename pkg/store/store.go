// Package store implements the record repositories. Every repository is
// written against database.Adapter and never inspects the active engine.
package store

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/tracekeeper/pkg/database"
)

// ErrNotFound is returned when a looked up record does not exist.
var ErrNotFound = errors.New("record not found")

// timeLayout renders audit timestamps so that they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Store bundles the repositories sharing one adapter.
type Store struct {
	Systems     *SystemRepository
	Runs        *RunRepository
	Feedback    *FeedbackRepository
	Attachments *AttachmentRepository
	Traces      *TraceRepository
	Stats       *StatsRepository
}

// New builds every repository on top of a.
func New(log logrus.FieldLogger, a database.Adapter) *Store {
	log = log.WithField("component", "store")

	systems := NewSystemRepository(a)

	return &Store{
		Systems:     systems,
		Runs:        NewRunRepository(a, systems),
		Feedback:    NewFeedbackRepository(a),
		Attachments: NewAttachmentRepository(a),
		Traces:      NewTraceRepository(log, a),
		Stats:       NewStatsRepository(log, a),
	}
}

// nowFunc is swapped in tests.
var nowFunc = time.Now

func now() string {
	return nowFunc().UTC().Format(timeLayout)
}

func newID() string {
	return uuid.NewString()
}

// NewAPIKey returns a fresh "sk-" prefixed key.
func NewAPIKey() string {
	return "sk-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// nullable maps the empty string to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}

	return s
}

// jsonText returns raw as column text, or NULL when raw is absent or the
// JSON null literal.
func jsonText(raw json.RawMessage) any {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil
	}

	return s
}

func notFound(err error) error {
	if errors.Is(err, database.ErrNoRows) {
		return ErrNotFound
	}

	return err
}

func splitAgg(s string) []string {
	out := make([]string, 0, 4)

	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}
