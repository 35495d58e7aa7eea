package util_test

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/downfa11-org/go-journal/util"
)

func TestParseCompression(t *testing.T) {
	tests := []struct {
		input       string
		want        util.CompressionCodec
		expectError bool
	}{
		{"gzip", util.CompressionGzip, false},
		{"snappy", util.CompressionSnappy, false},
		{"lz4", util.CompressionLZ4, false},
		{"none", util.CompressionNone, false},
		{"", util.CompressionNone, false},
		{"zstd", util.CompressionNone, true},
	}

	for _, tt := range tests {
		got, err := util.ParseCompression(tt.input)
		if tt.expectError {
			if err == nil {
				t.Errorf("expected error for %q", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("unexpected error for %q: %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("ParseCompression(%q) = %v; want %v", tt.input, got, tt.want)
		}
	}
}

// TestCompressDecompressRoundtrip verifies roundtrip compression/decompression
func TestCompressDecompressRoundtrip(t *testing.T) {
	testCases := [][]byte{
		nil,
		[]byte("a"),
		[]byte("Hello, World!"),
		make([]byte, 1000),
		bytes.Repeat([]byte("journal"), 4096),
	}
	codecs := []util.CompressionCodec{util.CompressionNone, util.CompressionGzip, util.CompressionSnappy, util.CompressionLZ4}

	for _, tc := range testCases {
		tc := tc
		for _, codec := range codecs {
			codec := codec
			t.Run(fmt.Sprintf("%s_%dB", codec, len(tc)), func(t *testing.T) {
				compressed, err := util.Compress(tc, codec)
				if err != nil {
					t.Fatalf("compression failed: %v", err)
				}

				decompressed, err := util.Decompress(compressed, codec)
				if err != nil {
					t.Fatalf("decompression failed: %v", err)
				}

				if !bytes.Equal(decompressed, tc) {
					t.Fatalf("roundtrip failed: original=%d decompressed=%d", len(tc), len(decompressed))
				}
			})
		}
	}
}

func TestDecompressGarbage(t *testing.T) {
	for _, codec := range []util.CompressionCodec{util.CompressionGzip, util.CompressionSnappy, util.CompressionLZ4} {
		if _, err := util.Decompress([]byte("definitely not compressed"), codec); err == nil {
			t.Errorf("expected error decompressing garbage with %s", codec)
		}
	}
	if _, err := util.Compress([]byte("x"), util.CompressionCodec(42)); err == nil {
		t.Errorf("expected error for unknown codec")
	}
}

// TestConcurrentCompression tests thread safety of compression functions
func TestConcurrentCompression(t *testing.T) {
	testData := []byte("Hello, concurrent compression")
	codecs := []util.CompressionCodec{util.CompressionGzip, util.CompressionSnappy, util.CompressionLZ4, util.CompressionNone}

	var wg sync.WaitGroup
	errCh := make(chan error, 100)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			codec := codecs[id%len(codecs)]

			c, err := util.Compress(testData, codec)
			if err != nil {
				errCh <- fmt.Errorf("compress failed (id=%d codec=%s): %v", id, codec, err)
				return
			}

			d, err := util.Decompress(c, codec)
			if err != nil {
				errCh <- fmt.Errorf("decompress failed (id=%d codec=%s): %v", id, codec, err)
				return
			}

			if !bytes.Equal(d, testData) {
				errCh <- fmt.Errorf("data mismatch (id=%d codec=%s)", id, codec)
			}
		}(i)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Error(err)
	}
}
