// Copyright 2025 Relay Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec writes records into a batch payload and splits a payload back into
// per-record encodings.
type Codec interface {
	Name() string
	ContentType() string
	Append(buf *bytes.Buffer, r Record) error
	Split(payload []byte) ([]Raw, error)
}

var (
	JSONLines Codec = jsonLinesCodec{}
	Msgpack   Codec = msgpackCodec{}
	CBOR      Codec = cborSeqCodec{}
)

func init() {
	RegisterCodec(JSONLines)
	RegisterCodec(Msgpack)
	RegisterCodec(CBOR)
}

// jsonLinesCodec writes one JSON document per line.
type jsonLinesCodec struct{}

func (jsonLinesCodec) Name() string        { return "json" }
func (jsonLinesCodec) ContentType() string { return "application/x-json-stream" }

func (jsonLinesCodec) Append(buf *bytes.Buffer, r Record) error {
	var data []byte
	switch v := r.(type) {
	case Raw:
		data = bytes.TrimSpace(v)
		if !json.Valid(data) {
			return errors.New("raw record is not valid JSON")
		}
		if bytes.IndexByte(data, '\n') >= 0 {
			var compact bytes.Buffer
			if err := json.Compact(&compact, data); err != nil {
				return err
			}
			data = compact.Bytes()
		}
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return err
		}
	}
	buf.Write(data)
	buf.WriteByte('\n')
	return nil
}

func (jsonLinesCodec) Split(payload []byte) ([]Raw, error) {
	var out []Raw
	for _, line := range bytes.Split(payload, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		out = append(out, Raw(append([]byte(nil), line...)))
	}
	return out, nil
}

// msgpackCodec writes a stream of concatenated MessagePack values.
type msgpackCodec struct{}

func (msgpackCodec) Name() string        { return "msgpack" }
func (msgpackCodec) ContentType() string { return "application/x-msgpack-stream" }

func (msgpackCodec) Append(buf *bytes.Buffer, r Record) error {
	if raw, ok := r.(Raw); ok {
		buf.Write(raw)
		return nil
	}
	enc := msgpack.NewEncoder(buf)
	enc.SetCustomStructTag("json")
	return enc.Encode(r)
}

func (msgpackCodec) Split(payload []byte) ([]Raw, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	var out []Raw
	for {
		raw, err := dec.DecodeRaw()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("msgpack split: %w", err)
		}
		out = append(out, Raw(raw))
	}
}

// cborSeqCodec writes an RFC 8742 CBOR sequence using core deterministic
// encoding.
type cborSeqCodec struct{}

var cborEncMode = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic("telemetry: CBOR encoder initialization failed: " + err.Error())
	}
	return em
}()

func (cborSeqCodec) Name() string        { return "cbor" }
func (cborSeqCodec) ContentType() string { return "application/cbor-seq" }

func (cborSeqCodec) Append(buf *bytes.Buffer, r Record) error {
	if raw, ok := r.(Raw); ok {
		buf.Write(raw)
		return nil
	}
	data, err := cborEncMode.Marshal(r)
	if err != nil {
		return err
	}
	buf.Write(data)
	return nil
}

func (cborSeqCodec) Split(payload []byte) ([]Raw, error) {
	dec := cbor.NewDecoder(bytes.NewReader(payload))
	var out []Raw
	for {
		var raw cbor.RawMessage
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("cbor split: %w", err)
		}
		out = append(out, Raw(raw))
	}
}
