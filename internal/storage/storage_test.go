package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetContentType(t *testing.T) {
	tests := []struct {
		filePath string
		wantType string
	}{
		{"transcripts/abc/en.json", "application/json"},
		{"transcripts/abc/en.txt", "text/plain; charset=utf-8"},
		{"audio.wav", "audio/wav"},
		{"unknown.xyz", "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.filePath, func(t *testing.T) {
			assert.Equal(t, tt.wantType, getContentType(tt.filePath))
		})
	}
}

func TestObjectNames(t *testing.T) {
	assert.Equal(t, "transcripts/dQw4w9WgXcQ/en.json", ObjectName("dQw4w9WgXcQ", "en"))
	assert.Equal(t, "transcripts/dQw4w9WgXcQ/pt-br.txt", TextObjectName("dQw4w9WgXcQ", "pt-BR"))
	assert.Equal(t, "transcripts/a_b/any.json", ObjectName("a/b", ""))
	assert.Equal(t, "transcripts/___x/en.json", ObjectName("../x", "en"))
}
