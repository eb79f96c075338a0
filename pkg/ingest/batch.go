package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// BatchRequest is the JSON body of a batch submission.
type BatchRequest struct {
	Post  []json.RawMessage `json:"post"`
	Patch []json.RawMessage `json:"patch"`
}

// FromBatch repackages a batch submission as text parts so that it runs
// through the same pipeline as multipart bodies. Posts precede patches. A
// post without an id is named after a generated one; a patch without an
// id yields a part name the grammar rejects.
func FromBatch(req *BatchRequest) []Part {
	parts := make([]Part, 0, len(req.Post)+len(req.Patch))

	for _, item := range req.Post {
		id := itemID(item)
		if id == "" {
			id = uuid.NewString()
		}

		parts = append(parts, TextPart("post."+id, string(item)))
	}

	for _, item := range req.Patch {
		parts = append(parts, TextPart("patch."+itemID(item), string(item)))
	}

	return parts
}

func itemID(item json.RawMessage) string {
	var head struct {
		ID string `json:"id"`
	}

	if err := sonic.Unmarshal(item, &head); err != nil {
		return ""
	}

	return head.ID
}

// ParseMultipart reads every part of mr in body order. Parts carrying a
// filename become binary parts, all others text parts. Content is buffered
// in memory; callers bound the body size.
func ParseMultipart(mr *multipart.Reader) ([]Part, error) {
	parts := make([]Part, 0, 8)

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return parts, nil
		}

		if err != nil {
			return nil, fmt.Errorf("reading multipart body: %w", err)
		}

		name := p.FormName()
		filename := p.FileName()
		contentType := p.Header.Get("Content-Type")

		data, err := io.ReadAll(p)
		_ = p.Close()

		if err != nil {
			return nil, fmt.Errorf("reading part %s: %w", name, err)
		}

		if filename != "" {
			parts = append(parts, BytesPart(name, filename, contentType, data))

			continue
		}

		parts = append(parts, TextPart(name, string(data)))
	}
}
