package btree

import (
	"fmt"

	"github.com/covesa/vsi/pkg/shm"
)

// FieldType identifies how one key field of a record is interpreted.
type FieldType uint32

const (
	FieldInvalid FieldType = iota
	FieldInt8
	FieldInt16
	FieldInt32
	FieldInt64
	FieldUint8
	FieldUint16
	FieldUint32
	FieldUint64
	// FieldString fields hold the offset of a NUL terminated byte
	// sequence, compared lexicographically.
	FieldString
)

// MaxStringKey caps lexicographic string comparisons. Longer names
// must be rejected before they reach a keyed record.
const MaxStringKey = 256

// A Field describes one comparison field : its type, its byte offset
// within the user record, and its size.
type Field struct {
	Type   FieldType
	Offset uint32
	Size   uint32
}

// A KeyDef describes how two user records are compared : field by
// field, first non equal field decides. The definition is persisted
// inside the segment so every process agrees on the ordering.
type KeyDef struct {
	Fields []Field
}

// A Key is a process local probe compared against in segment records
// during search, delete, find and rfind. Elements must match the key
// definition field types : uint64 for unsigned fields, int64 for
// signed fields, string for string fields. A key may carry fewer
// elements than the definition has fields, the missing fields then
// compare as equal (prefix search).
type Key []any

const maxKeyFields = 5 // bounded by the fixed key definition slot size

// writeKeyDef persists kd at off inside the segment.
func writeKeyDef(seg *shm.Segment, off shm.Offset, kd KeyDef) error {
	if len(kd.Fields) == 0 || len(kd.Fields) > maxKeyFields {
		return ErrBadKeyDef
	}
	seg.PutU32(off, uint32(len(kd.Fields)))
	pos := off + 4
	for _, f := range kd.Fields {
		if f.Type == FieldInvalid || f.Type > FieldString {
			return ErrBadKeyDef
		}
		seg.PutU32(pos, uint32(f.Type))
		seg.PutU32(pos+4, f.Offset)
		seg.PutU32(pos+8, f.Size)
		pos += 12
	}
	return nil
}

// readKeyDef loads the key definition stored at off.
func readKeyDef(seg *shm.Segment, off shm.Offset) KeyDef {
	count := seg.U32(off)
	kd := KeyDef{Fields: make([]Field, count)}
	pos := off + 4
	for i := range kd.Fields {
		kd.Fields[i] = Field{
			Type:   FieldType(seg.U32(pos)),
			Offset: seg.U32(pos + 4),
			Size:   seg.U32(pos + 8),
		}
		pos += 12
	}
	return kd
}

func (kd KeyDef) loadUnsigned(seg *shm.Segment, rec shm.Offset, f Field) uint64 {
	pos := rec + shm.Offset(f.Offset)
	switch f.Size {
	case 1:
		return uint64(seg.Bytes(pos, 1)[0])
	case 2:
		b := seg.Bytes(pos, 2)
		return uint64(b[0]) | uint64(b[1])<<8
	case 4:
		return uint64(seg.U32(pos))
	default:
		return seg.U64(pos)
	}
}

func (kd KeyDef) loadSigned(seg *shm.Segment, rec shm.Offset, f Field) int64 {
	v := kd.loadUnsigned(seg, rec, f)
	switch f.Size {
	case 1:
		return int64(int8(v))
	case 2:
		return int64(int16(v))
	case 4:
		return int64(int32(v))
	default:
		return int64(v)
	}
}

func (kd KeyDef) loadString(seg *shm.Segment, rec shm.Offset, f Field) string {
	strOff := shm.Offset(seg.U64(rec + shm.Offset(f.Offset)))
	if strOff.IsNil() {
		return ""
	}
	s := seg.CString(strOff)
	if len(s) > MaxStringKey {
		s = s[:MaxStringKey]
	}
	return s
}

func cmpUnsigned(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpSigned(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// compareRecords orders two in segment records.
func (kd KeyDef) compareRecords(seg *shm.Segment, a, b shm.Offset) int {
	for _, f := range kd.Fields {
		var c int
		switch f.Type {
		case FieldInt8, FieldInt16, FieldInt32, FieldInt64:
			c = cmpSigned(kd.loadSigned(seg, a, f), kd.loadSigned(seg, b, f))
		case FieldString:
			c = cmpString(kd.loadString(seg, a, f), kd.loadString(seg, b, f))
		default:
			c = cmpUnsigned(kd.loadUnsigned(seg, a, f), kd.loadUnsigned(seg, b, f))
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// compareRecordKey orders an in segment record against a probe key.
func (kd KeyDef) compareRecordKey(seg *shm.Segment, rec shm.Offset, key Key) int {
	for i, f := range kd.Fields {
		if i >= len(key) {
			return 0
		}
		var c int
		switch f.Type {
		case FieldInt8, FieldInt16, FieldInt32, FieldInt64:
			c = cmpSigned(kd.loadSigned(seg, rec, f), keySigned(key[i]))
		case FieldString:
			c = cmpString(kd.loadString(seg, rec, f), keyString(key[i]))
		default:
			c = cmpUnsigned(kd.loadUnsigned(seg, rec, f), keyUnsigned(key[i]))
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// keyFromRecord builds a probe key carrying every field of rec.
func (kd KeyDef) keyFromRecord(seg *shm.Segment, rec shm.Offset) Key {
	key := make(Key, len(kd.Fields))
	for i, f := range kd.Fields {
		switch f.Type {
		case FieldInt8, FieldInt16, FieldInt32, FieldInt64:
			key[i] = kd.loadSigned(seg, rec, f)
		case FieldString:
			key[i] = kd.loadString(seg, rec, f)
		default:
			key[i] = kd.loadUnsigned(seg, rec, f)
		}
	}
	return key
}

func keyUnsigned(v any) uint64 {
	switch x := v.(type) {
	case uint64:
		return x
	case uint32:
		return uint64(x)
	case int64:
		return uint64(x)
	case int:
		return uint64(x)
	case shm.Offset:
		return uint64(x)
	default:
		panic(fmt.Sprintf("btree: unsigned key field holds %T", v))
	}
}

func keySigned(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int32:
		return int64(x)
	case int:
		return int64(x)
	default:
		panic(fmt.Sprintf("btree: signed key field holds %T", v))
	}
}

func keyString(v any) string {
	s, ok := v.(string)
	if !ok {
		panic(fmt.Sprintf("btree: string key field holds %T", v))
	}
	if len(s) > MaxStringKey {
		s = s[:MaxStringKey]
	}
	return s
}
