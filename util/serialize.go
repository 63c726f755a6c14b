package util

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize bounds a single length-prefixed frame read from a broker.
const maxFrameSize = 64 << 20

// EncodeMessage serializes topic and payload into bytes.
func EncodeMessage(topic string, payload string) []byte {
	data := make([]byte, 2+len(topic)+len(payload))
	binary.BigEndian.PutUint16(data[:2], uint16(len(topic)))
	copy(data[2:], topic)
	copy(data[2+len(topic):], payload)
	return data
}

// DecodeMessage deserializes bytes into topic and payload.
func DecodeMessage(data []byte) (string, string, error) {
	if len(data) < 2 {
		return "", "", fmt.Errorf("data too short")
	}
	topicLen := int(binary.BigEndian.Uint16(data[:2]))
	if topicLen+2 > len(data) {
		return "", "", fmt.Errorf("invalid topic length")
	}
	return string(data[2 : 2+topicLen]), string(data[2+topicLen:]), nil
}

// WriteWithLength writes data with a 4-byte length prefix in a single write.
func WriteWithLength(w io.Writer, data []byte) error {
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadWithLength reads data with a 4-byte length prefix.
func ReadWithLength(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return buf, nil
}
