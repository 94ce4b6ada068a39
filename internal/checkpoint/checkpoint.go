// Package checkpoint snapshots and restores the engine's keyed state.
//
// A checkpoint is one consistent cut of the window aggregates, the live
// pattern instances, the dedup id set and the watermark. It is encoded as
// an opaque blob (JSON, zstd-compressed, framed with a checksum) and kept
// in a pluggable Store. Blobs that fail their checksum or cannot be decoded
// are reported as corruption.
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/ajitpratap0/streamcore/internal/dedup"
	"github.com/ajitpratap0/streamcore/internal/pattern"
	"github.com/ajitpratap0/streamcore/internal/window"
	"github.com/ajitpratap0/streamcore/pkg/compression"
	"github.com/ajitpratap0/streamcore/pkg/errors"
	"github.com/ajitpratap0/streamcore/pkg/json"
)

// State is everything a checkpoint captures
type State struct {
	Watermark time.Time        `json:"watermark"`
	Windows   window.Snapshot  `json:"windows"`
	Patterns  pattern.Snapshot `json:"patterns"`
	Dedup     dedup.Snapshot   `json:"dedup"`
}

// Checkpoint is a stored, immutable cut
type Checkpoint struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	State     State     `json:"state"`
}

// Info describes a stored checkpoint without decoding it
type Info struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

const idPrefix = "ckpt-"

// NewID returns an id that sorts lexically in creation order
func NewID(t time.Time) string {
	return fmt.Sprintf("%s%020d", idPrefix, t.UnixNano())
}

// ParseID recovers the creation time encoded in an id
func ParseID(id string) (time.Time, error) {
	if !strings.HasPrefix(id, idPrefix) {
		return time.Time{}, errors.Newf(errors.ErrorTypeValidation, "not a checkpoint id: %q", id)
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(id, idPrefix), 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrap(err, errors.ErrorTypeValidation, "malformed checkpoint id")
	}
	return time.Unix(0, n).UTC(), nil
}

// blob layout: magic(4) | version(1) | xxhash64 of body(8) | zstd(json)
var magic = [4]byte{'S', 'C', 'K', 'P'}

const (
	codecVersion = 1
	headerSize   = 4 + 1 + 8
)

// Codec encodes checkpoints to blobs and back
type Codec struct {
	compressor compression.Compressor
}

// NewCodec creates the zstd-backed codec
func NewCodec() (*Codec, error) {
	c, err := compression.NewCompressor(&compression.Config{Algorithm: compression.Zstd, Level: compression.Default})
	if err != nil {
		return nil, err
	}
	return &Codec{compressor: c}, nil
}

// Encode serializes cp
func (c *Codec) Encode(cp *Checkpoint) ([]byte, error) {
	raw, err := json.Marshal(cp)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCheckpoint, "failed to marshal checkpoint")
	}
	body, err := c.compressor.Compress(raw)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCheckpoint, "failed to compress checkpoint")
	}

	blob := make([]byte, headerSize, headerSize+len(body))
	copy(blob, magic[:])
	blob[4] = codecVersion
	binary.BigEndian.PutUint64(blob[5:headerSize], xxhash.Sum64(body))
	return append(blob, body...), nil
}

// Decode parses a blob. Any failure is a corruption error.
func (c *Codec) Decode(blob []byte) (*Checkpoint, error) {
	if len(blob) < headerSize || [4]byte(blob[:4]) != magic {
		return nil, errors.New(errors.ErrorTypeCorruption, "checkpoint blob has no valid header")
	}
	if blob[4] != codecVersion {
		return nil, errors.Newf(errors.ErrorTypeCorruption, "unsupported checkpoint version %d", blob[4])
	}
	body := blob[headerSize:]
	if binary.BigEndian.Uint64(blob[5:headerSize]) != xxhash.Sum64(body) {
		return nil, errors.New(errors.ErrorTypeCorruption, "checkpoint checksum mismatch")
	}
	raw, err := c.compressor.Decompress(body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCorruption, "failed to decompress checkpoint")
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCorruption, "failed to unmarshal checkpoint")
	}
	return &cp, nil
}
