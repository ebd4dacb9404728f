package sunspec

import (
	"fmt"
	"math"
	"strings"
)

// PointValue is a decoded raw field value before scale-factor application.
// Exactly one field is meaningful, selected by the originating Field's
// Encoding.
type PointValue struct {
	I16 int16
	U16 uint16
	I32 int32
	U32 uint32
	F32 float32
	Str string

	kind Encoding
}

// IsNotImplemented reports whether the value is SunSpec's own
// not-implemented sentinel for its encoding. A sentinel value must never be
// scaled: callers check this before ApplyScale, not after.
func (p PointValue) IsNotImplemented() bool {
	switch p.kind {
	case EncodingInt16, EncodingSunSSF:
		return p.I16 == math.MinInt16
	case EncodingUint16:
		return p.U16 == math.MaxUint16
	case EncodingInt32:
		return p.I32 == math.MinInt32
	case EncodingUint32:
		return p.U32 == math.MaxUint32
	case EncodingFloat32:
		return p.F32 != p.F32 // NaN
	case EncodingString:
		// SunSpec's string sentinel is all bytes zero or all spaces;
		// decodeString already truncates at the first NUL, so either case
		// collapses to a string with nothing but space characters left.
		return strings.TrimSpace(p.Str) == ""
	default:
		return false
	}
}

// decodeRaw decodes one field's registers into a PointValue without applying any
// scale factor. regs holds exactly the registers spanned by the field
// (field.Width registers for fixed-width encodings, a variable number of
// registers for strings), already big-endian-decoded by the caller's
// register source.
func decodeRaw(field Field, regs []uint16) (PointValue, error) {
	switch field.Encoding {
	case EncodingUint16:
		if len(regs) < 1 {
			return PointValue{}, fmt.Errorf("field %q: need 1 register, got %d", field.Name, len(regs))
		}
		return PointValue{kind: field.Encoding, U16: regs[0]}, nil
	case EncodingInt16, EncodingSunSSF:
		if len(regs) < 1 {
			return PointValue{}, fmt.Errorf("field %q: need 1 register, got %d", field.Name, len(regs))
		}
		return PointValue{kind: field.Encoding, I16: int16(regs[0])}, nil
	case EncodingUint32:
		if len(regs) < 2 {
			return PointValue{}, fmt.Errorf("field %q: need 2 registers, got %d", field.Name, len(regs))
		}
		return PointValue{kind: field.Encoding, U32: uint32(regs[0])<<16 | uint32(regs[1])}, nil
	case EncodingInt32:
		if len(regs) < 2 {
			return PointValue{}, fmt.Errorf("field %q: need 2 registers, got %d", field.Name, len(regs))
		}
		return PointValue{kind: field.Encoding, I32: int32(uint32(regs[0])<<16 | uint32(regs[1]))}, nil
	case EncodingFloat32:
		if len(regs) < 2 {
			return PointValue{}, fmt.Errorf("field %q: need 2 registers, got %d", field.Name, len(regs))
		}
		bits := uint32(regs[0])<<16 | uint32(regs[1])
		return PointValue{kind: field.Encoding, F32: math.Float32frombits(bits)}, nil
	case EncodingString:
		return PointValue{kind: field.Encoding, Str: decodeString(regs)}, nil
	default:
		return PointValue{}, fmt.Errorf("field %q: unknown encoding %q", field.Name, field.Encoding)
	}
}

// decodeString converts a register run to a string, truncating at the first
// NUL byte the way the teacher's string readers do, since SunSpec strings
// are fixed-width and NUL-padded.
func decodeString(regs []uint16) string {
	b := make([]byte, 0, len(regs)*2)
	for _, r := range regs {
		hi := byte(r >> 8)
		lo := byte(r)
		if hi == 0 {
			break
		}
		b = append(b, hi)
		if lo == 0 {
			break
		}
		b = append(b, lo)
	}
	return string(b)
}

// ApplyScale converts a decoded raw PointValue to an engineering-unit float
// using a previously decoded sunssf scale factor. It returns false if the
// value is the not-implemented sentinel for its encoding: sentinel detection
// always happens before scaling, never after, since a scaled sentinel is
// indistinguishable from a tiny real reading.
func ApplyScale(raw PointValue, scaleFactor int16) (float64, bool) {
	if raw.IsNotImplemented() {
		return 0, false
	}

	factor := math.Pow(10, float64(scaleFactor))

	switch raw.kind {
	case EncodingInt16:
		return float64(raw.I16) * factor, true
	case EncodingUint16:
		return float64(raw.U16) * factor, true
	case EncodingInt32:
		return float64(raw.I32) * factor, true
	case EncodingUint32:
		return float64(raw.U32) * factor, true
	case EncodingFloat32:
		return float64(raw.F32), true
	default:
		return 0, false
	}
}

// DecodedField pairs a Field's definition with its fully resolved value:
// the scaled engineering-unit reading for numeric fields, or the raw string
// for EncodingString fields (strings are never scaled).
type DecodedField struct {
	Field Field
	Value float64
	Text  string
	OK    bool // false if the field read as not-implemented or was out of range
}

// DecodeModel performs the two-pass field decode required by SunSpec: every
// *_SF field in the model is resolved to an int16 scale factor first, then
// every dependent field is decoded and scaled against the factor named by
// its ScaleField. A field decode failure marks that field not-OK rather
// than aborting the whole model, matching the lenient truncated-response
// handling used when a device replies with fewer registers than its model
// declares.
func DecodeModel(desc *ModelDescriptor, regs []uint16) ([]DecodedField, error) {
	scaleFactors := make(map[string]int16, len(desc.Fields))

	for _, f := range desc.Fields {
		if f.Encoding != EncodingSunSSF {
			continue
		}
		raw, err := readField(f, regs)
		if err != nil {
			continue // out of range: leave sf absent, dependents read back as not-OK
		}
		if raw.IsNotImplemented() {
			continue
		}
		scaleFactors[f.Name] = raw.I16
	}

	out := make([]DecodedField, 0, len(desc.Fields))
	for _, f := range desc.Fields {
		df := DecodedField{Field: f}

		raw, err := readField(f, regs)
		if err != nil {
			out = append(out, df)
			continue
		}

		if f.Encoding == EncodingString {
			if raw.IsNotImplemented() {
				out = append(out, df)
				continue
			}
			df.Text = raw.Str
			df.OK = true
			out = append(out, df)
			continue
		}

		if f.ScaleField == "" {
			if raw.IsNotImplemented() {
				out = append(out, df)
				continue
			}
			df.Value, df.OK = rawAsFloat(raw), true
			out = append(out, df)
			continue
		}

		sf, known := scaleFactors[f.ScaleField]
		if !known {
			out = append(out, df)
			continue
		}
		df.Value, df.OK = ApplyScale(raw, sf)
		out = append(out, df)
	}
	return out, nil
}

func rawAsFloat(p PointValue) float64 {
	switch p.kind {
	case EncodingInt16, EncodingSunSSF:
		return float64(p.I16)
	case EncodingUint16:
		return float64(p.U16)
	case EncodingInt32:
		return float64(p.I32)
	case EncodingUint32:
		return float64(p.U32)
	case EncodingFloat32:
		return float64(p.F32)
	default:
		return 0
	}
}

// readField slices regs to the span declared by field.Offset/Width and
// decodes it. A field whose span runs past the end of regs returns an error
// rather than panicking: this is the lenient path taken when a device's
// response is shorter than its model declares.
func readField(field Field, regs []uint16) (PointValue, error) {
	width := field.Encoding.Width(field.Width)
	end := int(field.Offset) + int(width)
	if end > len(regs) {
		return PointValue{}, fmt.Errorf("field %q: offset %d width %d exceeds %d available registers", field.Name, field.Offset, width, len(regs))
	}
	return decodeRaw(field, regs[field.Offset:end])
}
