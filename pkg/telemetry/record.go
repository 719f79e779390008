// Copyright 2025 Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry defines the record type producers hand to the channel
// and the codecs that turn an ordered batch of records into one transmission
// payload.
package telemetry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/LeeDigitalWorks/relay/pkg/compression"
	"github.com/LeeDigitalWorks/relay/pkg/utils"
)

// Record is a single telemetry item. The pipeline never looks inside it;
// the configured Codec decides how it is written.
type Record any

// Raw is a record that is already encoded in the codec's wire format. It is
// copied into the payload byte for byte.
type Raw []byte

var ErrEmptyBatch = errors.New("telemetry: empty batch")

// Payload is an encoded, possibly compressed batch ready to persist.
type Payload struct {
	Data    []byte
	Records int
	// Skipped counts records the codec could not encode. They are left
	// out of Data.
	Skipped         int
	ContentType     string
	ContentEncoding string
}

// Serializer encodes record batches with a codec and then compresses the
// result when that makes it smaller.
type Serializer struct {
	codec Codec
	algo  compression.Algorithm
}

// NewSerializer returns a serializer. A nil codec means JSON lines.
func NewSerializer(codec Codec, algo compression.Algorithm) *Serializer {
	if codec == nil {
		codec = JSONLines
	}
	return &Serializer{codec: codec, algo: algo}
}

func (s *Serializer) Codec() Codec { return s.codec }

func (s *Serializer) Compression() compression.Algorithm { return s.algo }

// Serialize encodes records in order. An empty batch is ErrEmptyBatch so
// callers never persist an empty transmission. A record the codec rejects
// is skipped; the call fails only when no record could be encoded.
func (s *Serializer) Serialize(records []Record) (*Payload, error) {
	if len(records) == 0 {
		return nil, ErrEmptyBatch
	}

	buf := utils.SyncPoolGetBuffer()
	defer utils.SyncPoolPutBuffer(buf)

	var firstErr error
	skipped := 0
	for i, r := range records {
		mark := buf.Len()
		if err := s.codec.Append(buf, r); err != nil {
			buf.Truncate(mark)
			skipped++
			if firstErr == nil {
				firstErr = fmt.Errorf("encode record %d: %w", i, err)
			}
		}
	}
	if skipped == len(records) {
		return nil, firstErr
	}

	// buf goes back to the pool, so the payload needs its own copy
	encoded := append([]byte(nil), buf.Bytes()...)

	data, used, err := compression.CompressIfBeneficial(s.algo, encoded)
	if err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}

	return &Payload{
		Data:            data,
		Records:         len(records) - skipped,
		Skipped:         skipped,
		ContentType:     s.codec.ContentType(),
		ContentEncoding: used.ContentEncoding(),
	}, nil
}

// Deserialize reverses Serialize, returning each record's encoded bytes.
func Deserialize(data []byte, contentType, contentEncoding string) ([]Raw, error) {
	algo, err := compression.FromContentEncoding(contentEncoding)
	if err != nil {
		return nil, err
	}
	plain, err := compression.Decompress(algo, data)
	if err != nil {
		return nil, err
	}
	codec, err := CodecForContentType(contentType)
	if err != nil {
		return nil, err
	}
	return codec.Split(plain)
}

var (
	codecsMu sync.RWMutex
	codecs   = map[string]Codec{}
)

// RegisterCodec makes a codec selectable by name and content type.
func RegisterCodec(c Codec) {
	codecsMu.Lock()
	defer codecsMu.Unlock()
	codecs[c.Name()] = c
}

// CodecByName looks up a registered codec ("json", "msgpack", "cbor").
func CodecByName(name string) (Codec, error) {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	if name == "" {
		return JSONLines, nil
	}
	c, ok := codecs[name]
	if !ok {
		return nil, fmt.Errorf("telemetry: unknown codec %q", name)
	}
	return c, nil
}

// CodecForContentType finds the codec that produced a payload.
func CodecForContentType(contentType string) (Codec, error) {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	for _, c := range codecs {
		if c.ContentType() == contentType {
			return c, nil
		}
	}
	return nil, fmt.Errorf("telemetry: no codec for content type %q", contentType)
}
