package utxo

import (
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/pkg/errors"

	"github.com/ccoin/shielded/internal/hasher"
	"github.com/ccoin/shielded/pkg/types"
)

// MaxSchemaFields bounds the number of fields so the payload hashes in a
// single permutation.
const MaxSchemaFields = hasher.MaxPoseidonInputs

// SchemaField is one fixed-size field of a program payload.
type SchemaField struct {
	Name string
	Size int
}

// Schema describes the layout of a program payload.
type Schema struct {
	Name   string
	Fields []SchemaField
}

// NewSchema validates the field list: 1 to 16 uniquely named fields of 1
// to 32 bytes.
func NewSchema(name string, fields ...SchemaField) (Schema, error) {
	if len(fields) == 0 || len(fields) > MaxSchemaFields {
		return Schema{}, errors.Wrapf(ErrAppDataSchemaMismatch, "schema %q has %d fields", name, len(fields))
	}
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if f.Size < 1 || f.Size > types.HashSize {
			return Schema{}, errors.Wrapf(ErrAppDataSchemaMismatch, "field %q size %d", f.Name, f.Size)
		}
		if _, dup := seen[f.Name]; dup {
			return Schema{}, errors.Wrapf(ErrAppDataSchemaMismatch, "duplicate field %q", f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return Schema{Name: name, Fields: append([]SchemaField(nil), fields...)}, nil
}

// Size is the encoded payload size.
func (s Schema) Size() int {
	n := 0
	for _, f := range s.Fields {
		n += f.Size
	}
	return n
}

func (s Schema) offset(name string) (int, int, bool) {
	off := 0
	for _, f := range s.Fields {
		if f.Name == name {
			return off, f.Size, true
		}
		off += f.Size
	}
	return 0, 0, false
}

// AppData is a program payload paired with its schema.
type AppData struct {
	schema Schema
	data   []byte
}

// NewAppData wraps raw payload bytes laid out per schema.
func NewAppData(schema Schema, data []byte) (*AppData, error) {
	if len(schema.Fields) == 0 {
		return nil, errors.Wrap(ErrAppDataSchemaMismatch, "empty schema")
	}
	if len(data) != schema.Size() {
		return nil, errors.Wrapf(ErrAppDataSchemaMismatch, "schema %q wants %d bytes, got %d", schema.Name, schema.Size(), len(data))
	}
	return &AppData{schema: schema, data: append([]byte(nil), data...)}, nil
}

// NewAppDataFromFields builds a payload from named values. Every schema
// field must be present with its exact size.
func NewAppDataFromFields(schema Schema, values map[string][]byte) (*AppData, error) {
	if len(values) != len(schema.Fields) {
		return nil, errors.Wrapf(ErrAppDataSchemaMismatch, "schema %q wants %d fields, got %d", schema.Name, len(schema.Fields), len(values))
	}
	data := make([]byte, 0, schema.Size())
	for _, f := range schema.Fields {
		v, ok := values[f.Name]
		if !ok {
			return nil, errors.Wrapf(ErrAppDataSchemaMismatch, "missing field %q", f.Name)
		}
		if len(v) != f.Size {
			return nil, errors.Wrapf(ErrAppDataSchemaMismatch, "field %q wants %d bytes, got %d", f.Name, f.Size, len(v))
		}
		data = append(data, v...)
	}
	return NewAppData(schema, data)
}

// Schema returns the payload's schema.
func (d *AppData) Schema() Schema { return d.schema }

// Bytes returns a copy of the encoded payload.
func (d *AppData) Bytes() []byte { return append([]byte(nil), d.data...) }

// Field returns the bytes of one named field.
func (d *AppData) Field(name string) ([]byte, error) {
	off, size, ok := d.schema.offset(name)
	if !ok {
		return nil, errors.Wrapf(ErrAppDataSchemaMismatch, "no field %q", name)
	}
	return append([]byte(nil), d.data[off:off+size]...), nil
}

// Hash hashes the payload one field element per field. Fields under 32
// bytes are taken as big-endian integers; 32-byte fields are digested
// and truncated so they fit the field.
func (d *AppData) Hash(h hasher.Hasher) (fr.Element, error) {
	elems := make([]fr.Element, len(d.schema.Fields))
	off := 0
	for i, f := range d.schema.Fields {
		v := d.data[off : off+f.Size]
		if f.Size == types.HashSize {
			elems[i] = hasher.TruncateToCircuit(h, v)
		} else {
			elems[i].SetBytes(v)
		}
		off += f.Size
	}
	res, err := h.Hash(elems...)
	if err != nil {
		return res, errors.Wrap(err, "hash app data")
	}
	return res, nil
}
