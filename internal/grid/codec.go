package grid

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// Frame layout:
//
//	magic "TG" | format version | kind | compression | uint32 body size |
//	blake3-256 of the uncompressed body | body
//
// The body is deterministic CBOR, so equal grids produce equal frames.
const (
	frameVersion    = 1
	frameHeaderSize = 2 + 1 + 1 + 1 + 4 + 32

	// Bodies smaller than this are sent uncompressed.
	compressThreshold = 256
	// Hard upper bound on a decoded body.
	maxBodySize = 64 << 20
	// An LZ4 block cannot expand by more than this factor.
	maxLZ4Ratio = 255
	// Decode buffers are preallocated up to this multiple of the input.
	zstdPreallocRatio = 64
)

var frameMagic = [2]byte{'T', 'G'}

// FrameKind identifies the payload of a frame.
type FrameKind uint8

const (
	KindSnapshot FrameKind = 1
	KindDelta    FrameKind = 2
)

// Compression identifies the body compression of a frame. These values
// are protocol constants.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder

	errIncompressible = errors.New("incompressible")
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("grid: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{MaxArrayElements: 1 << 20}.DecMode()
	if err != nil {
		panic("grid: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("grid: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBodySize))
	if err != nil {
		panic("grid: zstd decoder initialization failed: " + err.Error())
	}
}

// opWire is the tagged-union encoding of an Operation: exactly one field
// is set.
type opWire struct {
	SetCells         *SetCells         `cbor:"set_cells,omitempty"`
	ScrollUp         *ScrollUp         `cbor:"scroll_up,omitempty"`
	ScrollDown       *ScrollDown       `cbor:"scroll_down,omitempty"`
	ClearRegion      *ClearRegion      `cbor:"clear_region,omitempty"`
	Resize           *Resize           `cbor:"resize,omitempty"`
	CursorMove       *CursorMove       `cbor:"cursor_move,omitempty"`
	CursorVisibility *CursorVisibility `cbor:"cursor_visibility,omitempty"`
	SetTitle         *SetTitle         `cbor:"set_title,omitempty"`
	FullSnapshot     *FullSnapshot     `cbor:"full_snapshot,omitempty"`
}

type deltaWire struct {
	SessionID   string   `cbor:"session_id"`
	BaseVersion uint64   `cbor:"base_version"`
	NewVersion  uint64   `cbor:"new_version"`
	Ops         []opWire `cbor:"ops"`
}

func encodeOp(op Operation) (opWire, error) {
	var w opWire
	switch v := op.(type) {
	case SetCells:
		w.SetCells = &v
	case ScrollUp:
		w.ScrollUp = &v
	case ScrollDown:
		w.ScrollDown = &v
	case ClearRegion:
		w.ClearRegion = &v
	case Resize:
		w.Resize = &v
	case CursorMove:
		w.CursorMove = &v
	case CursorVisibility:
		w.CursorVisibility = &v
	case SetTitle:
		w.SetTitle = &v
	case FullSnapshot:
		w.FullSnapshot = &v
	default:
		return opWire{}, fmt.Errorf("grid: cannot encode operation %T", op)
	}
	return w, nil
}

func decodeOp(w opWire) (Operation, error) {
	var ops []Operation
	if w.SetCells != nil {
		ops = append(ops, *w.SetCells)
	}
	if w.ScrollUp != nil {
		ops = append(ops, *w.ScrollUp)
	}
	if w.ScrollDown != nil {
		ops = append(ops, *w.ScrollDown)
	}
	if w.ClearRegion != nil {
		ops = append(ops, *w.ClearRegion)
	}
	if w.Resize != nil {
		ops = append(ops, *w.Resize)
	}
	if w.CursorMove != nil {
		ops = append(ops, *w.CursorMove)
	}
	if w.CursorVisibility != nil {
		ops = append(ops, *w.CursorVisibility)
	}
	if w.SetTitle != nil {
		ops = append(ops, *w.SetTitle)
	}
	if w.FullSnapshot != nil {
		ops = append(ops, *w.FullSnapshot)
	}
	if len(ops) != 1 {
		return nil, fmt.Errorf("%w: operation has %d variants set", ErrInvalidFrame, len(ops))
	}
	return ops[0], nil
}

// EncodeSnapshot encodes s as a zstd-compressed frame.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	body, err := encMode.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("grid: encode snapshot: %w", err)
	}
	return buildFrame(KindSnapshot, CompressionZstd, body)
}

// EncodeDelta encodes d as an lz4-compressed frame.
func EncodeDelta(d Delta) ([]byte, error) {
	wire := deltaWire{SessionID: d.SessionID, BaseVersion: d.BaseVersion, NewVersion: d.NewVersion}
	wire.Ops = make([]opWire, 0, len(d.Ops))
	for _, op := range d.Ops {
		w, err := encodeOp(op)
		if err != nil {
			return nil, err
		}
		wire.Ops = append(wire.Ops, w)
	}
	body, err := encMode.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("grid: encode delta: %w", err)
	}
	return buildFrame(KindDelta, CompressionLZ4, body)
}

// Frame is a decoded frame. Exactly one of Snapshot and Delta is set,
// according to Kind.
type Frame struct {
	Kind     FrameKind
	Snapshot *Snapshot
	Delta    *Delta
}

// DecodeFrame validates and decodes a frame produced by EncodeSnapshot or
// EncodeDelta.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < frameHeaderSize || data[0] != frameMagic[0] || data[1] != frameMagic[1] {
		return Frame{}, fmt.Errorf("%w: bad header", ErrInvalidFrame)
	}
	if data[2] != frameVersion {
		return Frame{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidFrame, data[2])
	}
	kind := FrameKind(data[3])
	compression := Compression(data[4])
	size := int(binary.BigEndian.Uint32(data[5:9]))
	if size > maxBodySize {
		return Frame{}, fmt.Errorf("%w: body of %d bytes exceeds limit", ErrInvalidFrame, size)
	}
	var digest [32]byte
	copy(digest[:], data[9:frameHeaderSize])

	body, err := decompress(data[frameHeaderSize:], compression, size)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if sum := blake3.Sum256(body); !bytes.Equal(sum[:], digest[:]) {
		return Frame{}, fmt.Errorf("%w: digest mismatch", ErrInvalidFrame)
	}

	switch kind {
	case KindSnapshot:
		var s Snapshot
		if err := decMode.Unmarshal(body, &s); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		if !s.valid() {
			return Frame{}, fmt.Errorf("%w: snapshot dimensions do not match cells", ErrInvalidFrame)
		}
		return Frame{Kind: kind, Snapshot: &s}, nil
	case KindDelta:
		var wire deltaWire
		if err := decMode.Unmarshal(body, &wire); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		d := Delta{SessionID: wire.SessionID, BaseVersion: wire.BaseVersion, NewVersion: wire.NewVersion}
		for _, w := range wire.Ops {
			op, err := decodeOp(w)
			if err != nil {
				return Frame{}, err
			}
			d.Ops = append(d.Ops, op)
		}
		return Frame{Kind: kind, Delta: &d}, nil
	default:
		return Frame{}, fmt.Errorf("%w: unknown kind %d", ErrInvalidFrame, kind)
	}
}

func buildFrame(kind FrameKind, compression Compression, body []byte) ([]byte, error) {
	if len(body) > maxBodySize {
		return nil, fmt.Errorf("grid: body of %d bytes exceeds limit", len(body))
	}
	payload := body
	if len(body) < compressThreshold {
		compression = CompressionNone
	} else {
		compressed, err := compress(body, compression)
		switch {
		case errors.Is(err, errIncompressible):
			compression = CompressionNone
		case err != nil:
			return nil, err
		default:
			payload = compressed
		}
	}

	sum := blake3.Sum256(body)
	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(payload))
	frame[0], frame[1] = frameMagic[0], frameMagic[1]
	frame[2] = frameVersion
	frame[3] = byte(kind)
	frame[4] = byte(compression)
	binary.BigEndian.PutUint32(frame[5:9], uint32(len(body)))
	copy(frame[9:frameHeaderSize], sum[:])
	return append(frame, payload...), nil
}

func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(data) {
			return nil, errIncompressible
		}
		return dst[:n], nil
	case CompressionZstd:
		out := zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return nil, errIncompressible
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression %s", c)
	}
}

func decompress(data []byte, c Compression, size int) ([]byte, error) {
	switch c {
	case CompressionNone:
		if len(data) != size {
			return nil, fmt.Errorf("body is %d bytes, header says %d", len(data), size)
		}
		return data, nil
	case CompressionLZ4:
		if size > len(data)*maxLZ4Ratio {
			return nil, fmt.Errorf("lz4 decompress: %d bytes cannot expand to %d", len(data), size)
		}
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(data, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return dst, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, min(size, len(data)*zstdPreallocRatio)))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression %s", c)
	}
}
