package extract_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ethpandaops/tracekeeper/pkg/extract"
)

func TestTotalTokens(t *testing.T) {
	tests := []struct {
		name    string
		outputs any
		want    int64
	}{
		{name: "nil", outputs: nil, want: 0},
		{name: "empty string", outputs: "", want: 0},
		{name: "malformed json", outputs: `{"generations": [[`, want: 0},
		{name: "json array", outputs: `[1,2,3]`, want: 0},
		{
			name:    "llm output usage preferred",
			outputs: `{"llmOutput":{"tokenUsage":{"totalTokens":120}},"generations":[[{"message":{"usage_metadata":{"total_tokens":7}}}]]}`,
			want:    120,
		},
		{
			name:    "single generation",
			outputs: `{"generations":[[{"message":{"usage_metadata":{"total_tokens":42}}}]]}`,
			want:    42,
		},
		{
			name: "summed across generations and candidates",
			outputs: `{"generations":[
				[{"message":{"usage_metadata":{"total_tokens":10}}},{"message":{"usage_metadata":{"total_tokens":5}}}],
				[{"message":{"kwargs":{"usage_metadata":{"total_tokens":3}}}}]
			]}`,
			want: 18,
		},
		{
			name:    "negative usage ignored",
			outputs: `{"generations":[[{"message":{"usage_metadata":{"total_tokens":-9}}}]]}`,
			want:    0,
		},
		{
			name: "sum saturates instead of wrapping",
			outputs: `{"generations":[[
				{"message":{"usage_metadata":{"total_tokens":9e18}}},
				{"message":{"usage_metadata":{"total_tokens":9e18}}}
			]]}`,
			want: math.MaxInt64,
		},
		{
			name:    "out of range usage saturates",
			outputs: `{"llmOutput":{"tokenUsage":{"totalTokens":1e30}}}`,
			want:    math.MaxInt64,
		},
		{
			name: "decoded map",
			outputs: map[string]any{
				"llmOutput": map[string]any{
					"tokenUsage": map[string]any{"totalTokens": float64(77)},
				},
			},
			want: 77,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extract.TotalTokens(tt.outputs)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, extract.TotalTokens(tt.outputs), "must be idempotent")
			assert.GreaterOrEqual(t, got, int64(0))
		})
	}
}

func TestModelName(t *testing.T) {
	tests := []struct {
		name    string
		outputs string
		want    string
	}{
		{name: "empty", outputs: "", want: ""},
		{name: "no generations", outputs: `{"foo":1}`, want: ""},
		{
			name:    "generation_info",
			outputs: `{"generations":[[{"generation_info":{"model_name":"gpt-4o"}}]]}`,
			want:    "gpt-4o",
		},
		{
			name:    "generationInfo",
			outputs: `{"generations":[[{"generationInfo":{"model_name":"claude"}}]]}`,
			want:    "claude",
		},
		{
			name:    "response_metadata fallback",
			outputs: `{"generations":[[{"generation_info":{},"message":{"response_metadata":{"model_name":"llama"}}}]]}`,
			want:    "llama",
		},
		{
			name:    "responseMetadata under kwargs",
			outputs: `{"generations":[[{"message":{"kwargs":{"responseMetadata":{"model_name":"mistral"}}}}]]}`,
			want:    "mistral",
		},
		{
			name:    "only first candidate is consulted",
			outputs: `{"generations":[[{"text":"x"},{"generation_info":{"model_name":"other"}}]]}`,
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extract.ModelName(tt.outputs))
		})
	}
}

func TestTimeToFirstToken(t *testing.T) {
	tests := []struct {
		name   string
		events string
		want   int64
	}{
		{name: "empty", events: "", want: 0},
		{name: "not an array", events: `{"time":1}`, want: 0},
		{name: "single event", events: `[{"name":"start","time":"2024-01-01T00:00:00Z"}]`, want: 0},
		{
			name:   "rfc3339",
			events: `[{"name":"start","time":"2024-01-01T00:00:00.000Z"},{"name":"new_token","time":"2024-01-01T00:00:00.350Z"}]`,
			want:   350,
		},
		{
			name:   "epoch millis",
			events: `[{"time":1700000000000},{"time":1700000000125},{"time":1700000009999}]`,
			want:   125,
		},
		{
			name:   "unparseable time",
			events: `[{"time":"yesterday"},{"time":"today"}]`,
			want:   0,
		},
		{
			name:   "out of order",
			events: `[{"time":200},{"time":100}]`,
			want:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extract.TimeToFirstToken(tt.events))
		})
	}
}

func TestThreadAndUserID(t *testing.T) {
	extra := `{"metadata":{"thread_id":"th-1","user_id":"u-9"}}`

	assert.Equal(t, "th-1", extract.ThreadID(extra))
	assert.Equal(t, "u-9", extract.UserID(extra))
	assert.Equal(t, "", extract.ThreadID(`{"metadata":{}}`))
	assert.Equal(t, "", extract.UserID("not json"))
	assert.Equal(t, "", extract.ThreadID(nil))
	assert.Equal(t, "12", extract.UserID(`{"metadata":{"user_id":12}}`))
}

func TestEpochMillis(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want int64
		ok   bool
	}{
		{name: "number", in: float64(1700000000000), want: 1700000000000, ok: true},
		{name: "numeric string", in: "1700000000000", want: 1700000000000, ok: true},
		{name: "rfc3339", in: "2024-01-01T00:00:01Z", want: 1704067201000, ok: true},
		{name: "empty", in: "", ok: false},
		{name: "garbage", in: "soon", ok: false},
		{name: "bool", in: true, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extract.EpochMillis(tt.in)
			assert.Equal(t, tt.ok, ok)

			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
