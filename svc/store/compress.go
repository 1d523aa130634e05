package store

import (
	"bytes"

	"github.com/andybalholm/brotli"
	"github.com/pkg/errors"
)

const (
	// Bodies under this size are stored as-is; the brotli overhead isn't
	// worth it for tiny pastes.
	compressThreshold = 1024

	brotliQuality = 6
	brotliWindow  = 22
)

const (
	EncodingIdentity = "identity"
	EncodingBrotli   = "br"
)

// Compress conditionally compresses a paste body and returns the bytes to
// store with their content-encoding token. Alternate-backend bodies are
// never compressed; that backend applies its own encoding.
func Compress(content []byte, alt bool) ([]byte, string, error) {
	if alt || len(content) < compressThreshold {
		return content, EncodingIdentity, nil
	}
	var buf bytes.Buffer
	w := brotli.NewWriterOptions(&buf, brotli.WriterOptions{
		Quality: brotliQuality,
		LGWin:   brotliWindow,
	})
	if _, err := w.Write(content); err != nil {
		return nil, "", errors.Wrap(err, "brotli write")
	}
	if err := w.Close(); err != nil {
		return nil, "", errors.Wrap(err, "brotli close")
	}
	return buf.Bytes(), EncodingBrotli, nil
}
