package store

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
)

func TestCompressSmallContentIsIdentity(t *testing.T) {
	content := []byte("hello")
	got, encoding, err := Compress(content, false)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if encoding != EncodingIdentity {
		t.Errorf("encoding = %q, want identity", encoding)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("small content was modified: %q", got)
	}
}

func TestCompressLargeContentRoundTrips(t *testing.T) {
	content := []byte(strings.Repeat("all work and no play makes jack a dull boy\n", 100))
	got, encoding, err := Compress(content, false)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if encoding != EncodingBrotli {
		t.Fatalf("encoding = %q, want br", encoding)
	}
	if len(got) >= len(content) {
		t.Errorf("compressed output (%d) not smaller than input (%d)", len(got), len(content))
	}
	decompressed, err := io.ReadAll(brotli.NewReader(bytes.NewReader(got)))
	if err != nil {
		t.Fatalf("decompress failed: %v", err)
	}
	if !bytes.Equal(decompressed, content) {
		t.Error("round trip did not reproduce the original content")
	}
}

func TestCompressThresholdBoundary(t *testing.T) {
	under := bytes.Repeat([]byte("a"), compressThreshold-1)
	if _, encoding, _ := Compress(under, false); encoding != EncodingIdentity {
		t.Errorf("content under threshold should be identity, got %q", encoding)
	}
	at := bytes.Repeat([]byte("a"), compressThreshold)
	if _, encoding, _ := Compress(at, false); encoding != EncodingBrotli {
		t.Errorf("content at threshold should be brotli, got %q", encoding)
	}
}

func TestCompressAltBackendNeverCompresses(t *testing.T) {
	content := []byte(strings.Repeat("x", 64*1024))
	got, encoding, err := Compress(content, true)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if encoding != EncodingIdentity {
		t.Errorf("alt-backend encoding = %q, want identity", encoding)
	}
	if !bytes.Equal(got, content) {
		t.Error("alt-backend content was modified")
	}
}
