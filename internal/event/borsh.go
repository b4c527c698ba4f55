package event

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Borsh returns a DecodeFunc that decodes into a value of type T.
func Borsh[T any]() DecodeFunc {
	return func(data []byte) (any, error) {
		var v T
		if err := bin.NewBorshDecoder(data).Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// Field is one field of a config-defined event layout.
type Field struct {
	Name string
	Type string
}

type fieldReader func(d *bin.Decoder) (any, error)

var fieldReaders = map[string]fieldReader{
	"u8":   func(d *bin.Decoder) (any, error) { return d.ReadUint8() },
	"i8":   func(d *bin.Decoder) (any, error) { return d.ReadInt8() },
	"bool": func(d *bin.Decoder) (any, error) { return d.ReadBool() },
	"u16":  func(d *bin.Decoder) (any, error) { return d.ReadUint16(binary.LittleEndian) },
	"i16":  func(d *bin.Decoder) (any, error) { return d.ReadInt16(binary.LittleEndian) },
	"u32":  func(d *bin.Decoder) (any, error) { return d.ReadUint32(binary.LittleEndian) },
	"i32":  func(d *bin.Decoder) (any, error) { return d.ReadInt32(binary.LittleEndian) },
	"u64":  func(d *bin.Decoder) (any, error) { return d.ReadUint64(binary.LittleEndian) },
	"i64":  func(d *bin.Decoder) (any, error) { return d.ReadInt64(binary.LittleEndian) },
	"u128": readU128,
	"pubkey": func(d *bin.Decoder) (any, error) {
		b, err := d.ReadNBytes(solana.PublicKeyLength)
		if err != nil {
			return nil, err
		}
		return solana.PublicKeyFromBytes(b).String(), nil
	},
	"string": func(d *bin.Decoder) (any, error) {
		b, err := readVec(d)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	},
	"bytes": func(d *bin.Decoder) (any, error) { return readVec(d) },
}

// readVec reads a u32 length-prefixed byte vector.
func readVec(d *bin.Decoder) ([]byte, error) {
	n, err := d.ReadUint32(binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	if int64(n) > int64(d.Remaining()) {
		return nil, fmt.Errorf("length %d exceeds remaining %d bytes", n, d.Remaining())
	}
	return d.ReadNBytes(int(n))
}

// readU128 returns the decimal string so the value survives JSON encoding.
func readU128(d *bin.Decoder) (any, error) {
	b, err := d.ReadNBytes(16)
	if err != nil {
		return nil, err
	}
	be := make([]byte, 16)
	for i := range b {
		be[15-i] = b[i]
	}
	return new(big.Int).SetBytes(be).String(), nil
}

// CompileFields builds a DecodeFunc that reads fields in order as Borsh
// little-endian values into a map keyed by field name.
func CompileFields(fields []Field) (DecodeFunc, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("at least one field is required")
	}
	readers := make([]fieldReader, len(fields))
	seen := map[string]struct{}{}
	for i, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("field %d: name required", i)
		}
		if _, dup := seen[f.Name]; dup {
			return nil, fmt.Errorf("duplicate field %s", f.Name)
		}
		seen[f.Name] = struct{}{}
		r, ok := fieldReaders[strings.ToLower(f.Type)]
		if !ok {
			return nil, fmt.Errorf("field %s: unsupported type %q", f.Name, f.Type)
		}
		readers[i] = r
	}

	return func(data []byte) (any, error) {
		dec := bin.NewBorshDecoder(data)
		out := make(map[string]any, len(fields))
		for i, f := range fields {
			v, err := readers[i](dec)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f.Name, err)
			}
			out[f.Name] = v
		}
		return out, nil
	}, nil
}

// SupportedFieldTypes lists the type names accepted by CompileFields.
func SupportedFieldTypes() []string {
	return []string{"u8", "i8", "bool", "u16", "i16", "u32", "i32", "u64", "i64", "u128", "pubkey", "string", "bytes"}
}
