package ingest

import (
	"bytes"
	"io"
)

// FilePart is the binary payload of a part.
type FilePart struct {
	Filename    string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// Part is one named entry of a submission. Exactly one of Text and Binary
// is set.
type Part struct {
	Name   string
	Text   *string
	Binary *FilePart
}

// TextPart builds a text part.
func TextPart(name, text string) Part {
	return Part{Name: name, Text: &text}
}

// BytesPart builds a binary part backed by data.
func BytesPart(name, filename, contentType string, data []byte) Part {
	return Part{
		Name: name,
		Binary: &FilePart{
			Filename:    filename,
			ContentType: contentType,
			Size:        int64(len(data)),
			Open: func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(data)), nil
			},
		},
	}
}
