package region

import (
	"bytes"
	"encoding"
	"fmt"
	"reflect"
)

// SerializationKind is the serialization family of a value. Conditional
// remove compares values within their family.
type SerializationKind uint8

const (
	KindUnknown SerializationKind = iota
	// KindPrimitive: booleans, numbers, strings and byte slices.
	KindPrimitive
	// KindDataSerializable: values implementing encoding.BinaryMarshaler,
	// compared by their encoded bytes.
	KindDataSerializable
	// KindPdx: values implementing PdxSerializable, compared field by field.
	KindPdx
	// KindInternal: values implementing encoding.TextMarshaler.
	KindInternal
)

func (k SerializationKind) String() string {
	switch k {
	case KindPrimitive:
		return "primitive"
	case KindDataSerializable:
		return "data-serializable"
	case KindPdx:
		return "pdx"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// PdxSerializable is a value serialized as a named set of fields.
type PdxSerializable interface {
	PdxClassName() string
	PdxFields() map[string]any
}

// Equality compares two values for conditional remove.
type Equality func(a, b any) (bool, error)

// KindOf returns the serialization family of v.
func KindOf(v any) SerializationKind {
	if v == nil {
		return KindPrimitive
	}
	switch v.(type) {
	case []byte:
		return KindPrimitive
	case encoding.BinaryMarshaler:
		return KindDataSerializable
	case PdxSerializable:
		return KindPdx
	case encoding.TextMarshaler:
		return KindInternal
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return KindPrimitive
	}
	return KindUnknown
}

// SerializedEqual is the default Equality. It dispatches on the family of
// a; a b of another family is never equal. Values of no known family
// yield ErrUnsupported.
func SerializedEqual(a, b any) (bool, error) {
	switch KindOf(a) {
	case KindPrimitive:
		if ab, ok := a.([]byte); ok {
			bb, ok := b.([]byte)
			return ok && bytes.Equal(ab, bb), nil
		}
		if KindOf(b) != KindPrimitive {
			return false, nil
		}
		if _, ok := b.([]byte); ok {
			return false, nil
		}
		return a == b, nil
	case KindDataSerializable:
		bm, ok := b.(encoding.BinaryMarshaler)
		if !ok {
			return false, nil
		}
		return sameBytes(a.(encoding.BinaryMarshaler).MarshalBinary, bm.MarshalBinary)
	case KindPdx:
		bp, ok := b.(PdxSerializable)
		if !ok {
			return false, nil
		}
		ap := a.(PdxSerializable)
		return ap.PdxClassName() == bp.PdxClassName() && reflect.DeepEqual(ap.PdxFields(), bp.PdxFields()), nil
	case KindInternal:
		bt, ok := b.(encoding.TextMarshaler)
		if !ok {
			return false, nil
		}
		return sameBytes(a.(encoding.TextMarshaler).MarshalText, bt.MarshalText)
	default:
		return false, fmt.Errorf("%w: %T", ErrUnsupported, a)
	}
}

func sameBytes(a, b func() ([]byte, error)) (bool, error) {
	ab, err := a()
	if err != nil {
		return false, err
	}
	bb, err := b()
	if err != nil {
		return false, err
	}
	return bytes.Equal(ab, bb), nil
}
