package blobstore

import (
	"context"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/tracekeeper/pkg/config"
)

func TestS3_ObjectKey(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		key    string
		want   string
	}{
		{name: "no prefix", prefix: "", key: "run/abc-file", want: "run/abc-file"},
		{name: "prefix", prefix: "tracekeeper/attachments", key: "run/abc-file", want: "tracekeeper/attachments/run/abc-file"},
		{name: "slashes trimmed", prefix: "/attachments/", key: "run/abc-file", want: "attachments/run/abc-file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &S3{cfg: &config.S3StorageConfig{Prefix: tt.prefix}}
			assert.Equal(t, tt.want, s.objectKey(tt.key))
		})
	}
}

func TestS3_RejectsUnsafeKeysWithoutRequests(t *testing.T) {
	s := NewS3(logrus.New(), &config.S3StorageConfig{Bucket: "b"})

	_, _, err := s.Put(context.Background(), "../x", "", strings.NewReader("x"))
	require.Error(t, err)

	_, err = s.Open(context.Background(), "/x")
	require.Error(t, err)
}
