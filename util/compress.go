package util

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
)

// CompressionCodec identifies a payload compression on the wire. Values are persisted
// in snapshot frames and must not be renumbered.
type CompressionCodec uint8

const (
	CompressionNone CompressionCodec = iota
	CompressionGzip
	CompressionSnappy
	CompressionLZ4
)

// ParseCompression maps a config value to its codec.
func ParseCompression(compressionType string) (CompressionCodec, error) {
	switch compressionType {
	case "none", "":
		return CompressionNone, nil
	case "gzip":
		return CompressionGzip, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return CompressionNone, fmt.Errorf("unsupported compression type: %s", compressionType)
	}
}

func (c CompressionCodec) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// Compress compresses data with the given codec.
func Compress(data []byte, codec CompressionCodec) ([]byte, error) {
	switch codec {
	case CompressionGzip:
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(data); err != nil {
			return nil, err
		}
		if err := gw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	case CompressionSnappy:
		return snappy.Encode(nil, data), nil

	case CompressionLZ4:
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	case CompressionNone:
		return data, nil

	default:
		return nil, fmt.Errorf("unsupported compression codec: %s", codec)
	}
}

// Decompress reverses Compress.
func Decompress(data []byte, codec CompressionCodec) ([]byte, error) {
	switch codec {
	case CompressionGzip:
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := gr.Close(); err != nil {
				Error("failed to close gzip reader: %v", err)
			}
		}()
		return io.ReadAll(gr)

	case CompressionSnappy:
		return snappy.Decode(nil, data)

	case CompressionLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))

	case CompressionNone:
		return data, nil

	default:
		return nil, fmt.Errorf("unsupported compression codec: %s", codec)
	}
}
