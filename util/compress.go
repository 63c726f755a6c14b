package util

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/pierrec/lz4/v4"
	snappy "github.com/segmentio/kafka-go/compress/snappy/go-xerial-snappy"
)

type codec struct {
	encode func([]byte) ([]byte, error)
	decode func([]byte) ([]byte, error)
}

var codecs = map[string]codec{
	"none":   {encode: passthrough, decode: passthrough},
	"gzip":   {encode: gzipEncode, decode: gzipDecode},
	"snappy": {encode: snappyEncode, decode: snappy.Decode},
	"lz4":    {encode: lz4Encode, decode: lz4Decode},
}

// CompressionTypes lists the supported codec names.
func CompressionTypes() []string {
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupCodec(compressionType string) (codec, error) {
	name := strings.ToLower(strings.TrimSpace(compressionType))
	if name == "" {
		name = "none"
	}
	c, ok := codecs[name]
	if !ok {
		return codec{}, fmt.Errorf("unsupported compression type: %s", compressionType)
	}
	return c, nil
}

// CompressMessage compresses data with the named codec ("" and "none" pass through).
func CompressMessage(data []byte, compressionType string) ([]byte, error) {
	c, err := lookupCodec(compressionType)
	if err != nil {
		return nil, err
	}
	return c.encode(data)
}

// DecompressMessage reverses CompressMessage.
func DecompressMessage(data []byte, compressionType string) ([]byte, error) {
	c, err := lookupCodec(compressionType)
	if err != nil {
		return nil, err
	}
	return c.decode(data)
}

func passthrough(data []byte) ([]byte, error) { return data, nil }

func snappyEncode(data []byte) ([]byte, error) { return snappy.Encode(data), nil }

func gzipEncode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecode(data []byte) ([]byte, error) {
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
}

func lz4Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lz4Decode(data []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
}
