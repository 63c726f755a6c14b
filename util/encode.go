package util

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/downfa11-org/posttimes/pkg/types"
)

// BatchMagic prefixes every cursus batch frame.
const BatchMagic uint16 = 0xBA7C

type frameWriter struct {
	buf bytes.Buffer
	err error
}

func (w *frameWriter) put(v any) {
	if w.err != nil {
		return
	}
	if err := binary.Write(&w.buf, binary.BigEndian, v); err != nil {
		w.err = fmt.Errorf("encode value failed: %w", err)
	}
}

func (w *frameWriter) short(field, s string) {
	if len(s) > 0xFFFF {
		if w.err == nil {
			w.err = fmt.Errorf("%s too long: %d bytes", field, len(s))
		}
		return
	}
	w.put(uint16(len(s)))
	if w.err == nil {
		w.buf.WriteString(s)
	}
}

// EncodeBatchMessages builds a cursus batch frame for one topic partition.
func EncodeBatchMessages(topic string, partition int, acks string, recs []types.BatchRecord) ([]byte, error) {
	if len(acks) > 0xFF {
		return nil, fmt.Errorf("acks value too long: %d bytes", len(acks))
	}

	w := &frameWriter{}
	w.put(BatchMagic)
	w.short("topic", topic)
	w.put(int32(partition))
	w.put(uint8(len(acks)))
	w.buf.WriteString(acks)

	var seqStart, seqEnd uint64
	if len(recs) > 0 {
		seqStart = recs[0].SeqNum
		seqEnd = recs[len(recs)-1].SeqNum
	}
	w.put(seqStart)
	w.put(seqEnd)
	w.put(int32(len(recs)))

	for _, r := range recs {
		w.put(r.Offset)
		w.put(r.SeqNum)
		w.short("producerID", r.ProducerID)
		w.short("key", r.Key)
		w.put(r.Epoch)
		w.put(uint32(len(r.Payload)))
		if w.err == nil {
			w.buf.WriteString(r.Payload)
		}
	}

	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}

type frameReader struct {
	r *bytes.Reader
}

func (fr frameReader) get(field string, v any) error {
	if err := binary.Read(fr.r, binary.BigEndian, v); err != nil {
		return fmt.Errorf("failed to read %s: %w", field, err)
	}
	return nil
}

func (fr frameReader) bytes(field string, n int) ([]byte, error) {
	if n > fr.r.Len() {
		return nil, fmt.Errorf("failed to read %s: need %d bytes, have %d", field, n, fr.r.Len())
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(fr.r, b); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", field, err)
	}
	return b, nil
}

func (fr frameReader) short(field string) (string, error) {
	var n uint16
	if err := fr.get(field+" length", &n); err != nil {
		return "", err
	}
	b, err := fr.bytes(field, int(n))
	return string(b), err
}

// DecodeBatchMessages decodes a frame produced by EncodeBatchMessages.
func DecodeBatchMessages(data []byte) (*types.Batch, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("data too short")
	}
	fr := frameReader{r: bytes.NewReader(data)}

	var magic uint16
	if err := fr.get("magic number", &magic); err != nil {
		return nil, err
	}
	if magic != BatchMagic {
		return nil, fmt.Errorf("invalid magic number: %x", magic)
	}

	topic, err := fr.short("topic")
	if err != nil {
		return nil, err
	}
	var partition int32
	if err := fr.get("partition", &partition); err != nil {
		return nil, err
	}
	var acksLen uint8
	if err := fr.get("acks length", &acksLen); err != nil {
		return nil, err
	}
	acks, err := fr.bytes("acks", int(acksLen))
	if err != nil {
		return nil, err
	}

	var seqStart, seqEnd uint64
	if err := fr.get("batch start", &seqStart); err != nil {
		return nil, err
	}
	if err := fr.get("batch end", &seqEnd); err != nil {
		return nil, err
	}
	var count int32
	if err := fr.get("message count", &count); err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, fmt.Errorf("invalid message count: %d", count)
	}

	batch := &types.Batch{
		Topic:     topic,
		Partition: int(partition),
		Acks:      string(acks),
		Records:   make([]types.BatchRecord, 0, min(int(count), 1024)),
	}

	for i := 0; i < int(count); i++ {
		var r types.BatchRecord
		if err := fr.get(fmt.Sprintf("message[%d] offset", i), &r.Offset); err != nil {
			return nil, err
		}
		if err := fr.get(fmt.Sprintf("message[%d] seqNum", i), &r.SeqNum); err != nil {
			return nil, err
		}
		if r.ProducerID, err = fr.short(fmt.Sprintf("message[%d] producerID", i)); err != nil {
			return nil, err
		}
		if r.Key, err = fr.short(fmt.Sprintf("message[%d] key", i)); err != nil {
			return nil, err
		}
		if err := fr.get(fmt.Sprintf("message[%d] epoch", i), &r.Epoch); err != nil {
			return nil, err
		}
		var payloadLen uint32
		if err := fr.get(fmt.Sprintf("message[%d] payload length", i), &payloadLen); err != nil {
			return nil, err
		}
		payload, err := fr.bytes(fmt.Sprintf("message[%d] payload", i), int(payloadLen))
		if err != nil {
			return nil, err
		}
		r.Payload = string(payload)
		batch.Records = append(batch.Records, r)
	}

	return batch, nil
}
