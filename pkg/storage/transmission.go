// Copyright 2025 Relay Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/LeeDigitalWorks/relay/pkg/utils"

	"github.com/fxamacker/cbor/v2"
)

// ID identifies a transmission. IDs sort lexically in creation order:
// zero-padded unix nanos, a per-process sequence, then a random suffix that
// keeps IDs minted by different processes apart.
type ID string

var idSequence atomic.Uint32

func newID(now time.Time) ID {
	suffix := make([]byte, 4)
	rand.Read(suffix)
	return ID(fmt.Sprintf("%020d-%08x-%s", now.UnixNano(), idSequence.Add(1), hex.EncodeToString(suffix)))
}

// Transmission is one persisted batch plus its delivery metadata.
type Transmission struct {
	ID              ID
	CreatedAt       time.Time
	Attempts        int
	NextAttemptAt   time.Time
	Endpoint        string
	ContentType     string
	ContentEncoding string
	Records         int
	Payload         []byte
}

// Blob layout:
//
//	magic "RLYT" | version u8 | header length u32 | CBOR header | payload | crc32 u32
//
// The CRC (IEEE, big endian) covers header and payload.
const (
	blobVersion    = 1
	blobPrefixSize = 4 + 1 + 4
	blobCRCSize    = 4
	maxHeaderSize  = 64 * 1024
)

var blobMagic = [4]byte{'R', 'L', 'Y', 'T'}

type blobHeader struct {
	ID              string    `cbor:"1,keyasint"`
	CreatedAt       time.Time `cbor:"2,keyasint"`
	Attempts        int       `cbor:"3,keyasint"`
	NextAttemptAt   time.Time `cbor:"4,keyasint"`
	Endpoint        string    `cbor:"5,keyasint,omitempty"`
	ContentType     string    `cbor:"6,keyasint,omitempty"`
	ContentEncoding string    `cbor:"7,keyasint,omitempty"`
	Records         int       `cbor:"8,keyasint,omitempty"`
}

var headerEncMode = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeUnixMicro
	em, err := opts.EncMode()
	if err != nil {
		panic("storage: CBOR encoder initialization failed: " + err.Error())
	}
	return em
}()

func encodeBlob(t *Transmission) ([]byte, error) {
	hdr, err := headerEncMode.Marshal(blobHeader{
		ID:              string(t.ID),
		CreatedAt:       t.CreatedAt,
		Attempts:        t.Attempts,
		NextAttemptAt:   t.NextAttemptAt,
		Endpoint:        t.Endpoint,
		ContentType:     t.ContentType,
		ContentEncoding: t.ContentEncoding,
		Records:         t.Records,
	})
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	if len(hdr) > maxHeaderSize {
		return nil, fmt.Errorf("header too large: %d bytes", len(hdr))
	}

	buf := make([]byte, 0, blobPrefixSize+len(hdr)+len(t.Payload)+blobCRCSize)
	buf = append(buf, blobMagic[:]...)
	buf = append(buf, blobVersion)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(hdr)))
	buf = append(buf, hdr...)
	buf = append(buf, t.Payload...)

	h := utils.Crc32PoolGetHasher()
	defer utils.Crc32PoolPutHasher(h)
	h.Write(buf[blobPrefixSize:])
	buf = binary.BigEndian.AppendUint32(buf, h.Sum32())
	return buf, nil
}

func decodeBlob(data []byte) (*Transmission, error) {
	if len(data) < blobPrefixSize+blobCRCSize {
		return nil, fmt.Errorf("%w: short blob (%d bytes)", ErrCorrupt, len(data))
	}
	if [4]byte(data[:4]) != blobMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if data[4] != blobVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, data[4])
	}
	hlen := int(binary.BigEndian.Uint32(data[5:9]))
	body := data[blobPrefixSize : len(data)-blobCRCSize]
	if hlen > len(body) || hlen > maxHeaderSize {
		return nil, fmt.Errorf("%w: header length %d out of range", ErrCorrupt, hlen)
	}

	h := utils.Crc32PoolGetHasher()
	defer utils.Crc32PoolPutHasher(h)
	h.Write(body)
	if want := binary.BigEndian.Uint32(data[len(data)-blobCRCSize:]); h.Sum32() != want {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	var hdr blobHeader
	if err := cbor.Unmarshal(body[:hlen], &hdr); err != nil {
		return nil, fmt.Errorf("%w: decode header: %v", ErrCorrupt, err)
	}

	return &Transmission{
		ID:              ID(hdr.ID),
		CreatedAt:       hdr.CreatedAt,
		Attempts:        hdr.Attempts,
		NextAttemptAt:   hdr.NextAttemptAt,
		Endpoint:        hdr.Endpoint,
		ContentType:     hdr.ContentType,
		ContentEncoding: hdr.ContentEncoding,
		Records:         hdr.Records,
		Payload:         append([]byte(nil), body[hlen:]...),
	}, nil
}
