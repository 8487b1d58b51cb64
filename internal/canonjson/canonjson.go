// Package canonjson implements the canonical-JSON grammar tracking
// configuration blobs are persisted in: NFC-normalized UTF-8 strings,
// lexicographically ordered object keys, minimal integer encoding, and
// a fixed control-character escape table. Two distinct in-memory values
// that are equal under this grammar canonicalize to bit-identical
// bytes, so tracking entries with equal configs can share one blob.
package canonjson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// Marshal canonicalizes an arbitrary JSON-compatible value (as produced
// by json.Unmarshal with UseNumber, or any of map[string]any, []any,
// string, json.Number, float64, bool, nil) into its canonical byte form.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses raw JSON bytes into the generic representation Marshal
// expects, preserving number precision via json.Number so integers
// round-trip exactly.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonjson: decode: %w", err)
	}
	return v, nil
}

// CanonicalBytes is a convenience that decodes then re-marshals raw JSON
// into its canonical form in one step.
func CanonicalBytes(data []byte) ([]byte, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return Marshal(v)
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		encodeString(buf, val)
		return nil
	case json.Number:
		return encodeNumber(buf, val)
	case float64:
		return encodeNumber(buf, json.Number(formatFloat(val)))
	case map[string]any:
		return encodeObject(buf, val)
	case []any:
		return encodeArray(buf, val)
	default:
		return fmt.Errorf("canonjson: unsupported value type %T", v)
	}
}

func formatFloat(f float64) string {
	return fmt.Sprintf("%g", f)
}

func encodeObject(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// NFC-normalize keys before ordering so two byte-distinct but
	// canonically-equal keys collapse deterministically.
	normKeys := make(map[string]string, len(keys))
	for _, k := range keys {
		normKeys[k] = norm.NFC.String(k)
	}
	sort.Slice(keys, func(i, j int) bool { return normKeys[keys[i]] < normKeys[keys[j]] })

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		encodeString(buf, normKeys[k])
		buf.WriteByte(':')
		if err := encode(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, a []any) error {
	buf.WriteByte('[')
	for i, elem := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// encodeString writes s, NFC-normalized, with the fixed escape table:
// \b \t \n \f \r for their named control codes, \u00XX lowercase hex
// for every other 0x00-0x1f code point, and \\ / \" for the two special
// printables.
func encodeString(buf *bytes.Buffer, s string) {
	s = norm.NFC.String(s)
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\t':
			buf.WriteString(`\t`)
		case '\n':
			buf.WriteString(`\n`)
		case '\f':
			buf.WriteString(`\f`)
		case '\r':
			buf.WriteString(`\r`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

// encodeNumber writes n in minimal form: integers with no leading zeros,
// no trailing ".0", and no redundant "+" sign; non-integers are parsed
// as float64 and written in their %g form.
func encodeNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return fmt.Errorf("canonjson: invalid number literal %q", s)
	}
	if r.IsInt() {
		buf.WriteString(r.Num().String())
		return nil
	}
	// Non-integral: canonical JSON here is only specified for tracking
	// config (bools/strings/enums), so we fall back to the shortest
	// round-tripping float representation for completeness.
	f, _ := r.Float64()
	buf.WriteString(formatFloat(f))
	return nil
}
