// Package payload encodes, compresses and fingerprints batches of
// directory records for submission.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/haasonsaas/dirsync/pkg/protocol"
)

// MaxDecodedSize bounds the decompressed size of a single payload.
const MaxDecodedSize = 256 << 20

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode

	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func init() {
	var err error
	// Deterministic encoding keeps payload hashes stable across runs.
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("payload: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("payload: CBOR decoder initialization failed: " + err.Error())
	}
}

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedSize))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// Raw is one encoded record inside a payload.
type Raw []byte

// Encode serializes records as an array in the given encoding and
// optionally compresses the result.
func Encode[T any](records []T, encoding, compression string) ([]byte, error) {
	if records == nil {
		records = []T{}
	}
	var (
		data []byte
		err  error
	)
	switch normalizeEncoding(encoding) {
	case protocol.EncodingJSON:
		data, err = json.Marshal(records)
	case protocol.EncodingCBOR:
		data, err = cborEnc.Marshal(records)
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
	if err != nil {
		return nil, fmt.Errorf("encode records: %w", err)
	}
	return compress(data, compression)
}

// Split decompresses data and returns its records still encoded.
func Split(data []byte, encoding, compression string) ([]Raw, error) {
	plain, err := decompress(data, compression)
	if err != nil {
		return nil, err
	}
	switch normalizeEncoding(encoding) {
	case protocol.EncodingJSON:
		var items []json.RawMessage
		if err := json.Unmarshal(plain, &items); err != nil {
			return nil, fmt.Errorf("payload is not a JSON array: %w", err)
		}
		out := make([]Raw, len(items))
		for i, item := range items {
			out[i] = Raw(item)
		}
		return out, nil
	case protocol.EncodingCBOR:
		var items []cbor.RawMessage
		if err := cborDec.Unmarshal(plain, &items); err != nil {
			return nil, fmt.Errorf("payload is not a CBOR array: %w", err)
		}
		out := make([]Raw, len(items))
		for i, item := range items {
			out[i] = Raw(item)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}

// Decode unmarshals a single record.
func (r Raw) Decode(encoding string, v any) error {
	switch normalizeEncoding(encoding) {
	case protocol.EncodingJSON:
		return json.Unmarshal(r, v)
	case protocol.EncodingCBOR:
		return cborDec.Unmarshal(r, v)
	default:
		return fmt.Errorf("unsupported encoding %q", encoding)
	}
}

// ValidFormat reports whether encoding and compression are supported.
func ValidFormat(encoding, compression string) error {
	switch normalizeEncoding(encoding) {
	case protocol.EncodingJSON, protocol.EncodingCBOR:
	default:
		return fmt.Errorf("unsupported encoding %q", encoding)
	}
	switch normalizeCompression(compression) {
	case protocol.CompressionNone, protocol.CompressionZstd:
	default:
		return fmt.Errorf("unsupported compression %q", compression)
	}
	return nil
}

func compress(data []byte, compression string) ([]byte, error) {
	switch normalizeCompression(compression) {
	case protocol.CompressionNone:
		return data, nil
	case protocol.CompressionZstd:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", compression)
	}
}

func decompress(data []byte, compression string) ([]byte, error) {
	switch normalizeCompression(compression) {
	case protocol.CompressionNone:
		return data, nil
	case protocol.CompressionZstd:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		if len(out) > MaxDecodedSize {
			return nil, errors.New("decoded payload exceeds size limit")
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", compression)
	}
}

func normalizeEncoding(encoding string) string {
	if encoding == "" {
		return protocol.EncodingJSON
	}
	return encoding
}

func normalizeCompression(compression string) string {
	if compression == "" {
		return protocol.CompressionNone
	}
	return compression
}
