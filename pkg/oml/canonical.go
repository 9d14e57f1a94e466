// Package oml implements the ODIN Message Layer: deterministic
// canonicalization of JSON-shaped values and content identifiers derived
// from the canonical bytes.
//
// The default algorithm "json/nfc/no_ws/sort_keys" NFC-normalizes every
// string (keys and values), sorts object keys in RFC 8785 order (UTF-16
// code units) and emits compact JSON with no insignificant whitespace.
// "cbor/canonical" encodes the same value tree with CBOR Core Deterministic
// Encoding and is reserved for binary payloads.
package oml

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"

	"github.com/odin-protocol/gateway/pkg/oerr"
)

// Canonicalization algorithm identifiers.
const (
	AlgJSON = "json/nfc/no_ws/sort_keys"
	AlgCBOR = "cbor/canonical"
)

// Error codes surfaced by this package.
const (
	CodeUnsupportedAlg = "canon.unsupported_alg"
	CodeCycle          = "canon.cycle"
)

var cborEnc cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("oml: cbor enc mode: %v", err))
	}
	cborEnc = em
}

// Canonicalize returns the canonical byte representation of v under alg.
// Structs are accepted and pass through an intermediate JSON marshal so
// json tags are respected, matching what a wire payload would contain.
func Canonicalize(v any, alg string) ([]byte, error) {
	if alg == "" {
		alg = AlgJSON
	}
	tree, err := normalize(v)
	if err != nil {
		return nil, err
	}
	switch alg {
	case AlgJSON:
		raw, err := marshalSorted(tree)
		if err != nil {
			return nil, fmt.Errorf("oml: canonical marshal: %w", err)
		}
		// Final RFC 8785 pass: shortest round-trip number forms, exact
		// string escaping rules and the definitive key order.
		out, err := jcs.Transform(raw)
		if err != nil {
			return nil, fmt.Errorf("oml: jcs transform: %w", err)
		}
		return out, nil
	case AlgCBOR:
		out, err := cborEnc.Marshal(tree)
		if err != nil {
			return nil, fmt.Errorf("oml: cbor marshal: %w", err)
		}
		return out, nil
	default:
		return nil, oerr.Newf(CodeUnsupportedAlg, "unsupported canonicalization algorithm %q", alg)
	}
}

// MustCanonicalize is Canonicalize for values known to be tree-shaped JSON.
func MustCanonicalize(v any, alg string) []byte {
	b, err := Canonicalize(v, alg)
	if err != nil {
		panic(err)
	}
	return b
}

// normalize decodes v into a generic tree (respecting json tags), rejecting
// cycles and NFC-normalizing every string along the way. Numbers are kept
// as json.Number so no precision is lost before the final encoding pass.
func normalize(v any) (any, error) {
	if err := detectCycle(reflect.ValueOf(v), map[uintptr]bool{}); err != nil {
		return nil, err
	}
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("oml: pre-marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("oml: intermediate decode: %w", err)
	}
	return nfcTree(generic), nil
}

// detectCycle walks maps, slices and pointers looking for self-reference.
// json.Marshal would recurse forever on a cyclic value, so this runs first.
func detectCycle(rv reflect.Value, seen map[uintptr]bool) error {
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		ptr := rv.Pointer()
		if seen[ptr] {
			return oerr.New(CodeCycle, "cyclic value cannot be canonicalized")
		}
		seen[ptr] = true
		defer delete(seen, ptr)
	case reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return detectCycle(rv.Elem(), seen)
	}

	switch rv.Kind() {
	case reflect.Map:
		iter := rv.MapRange()
		for iter.Next() {
			if err := detectCycle(iter.Value(), seen); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if err := detectCycle(rv.Index(i), seen); err != nil {
				return err
			}
		}
	case reflect.Ptr:
		return detectCycle(rv.Elem(), seen)
	case reflect.Struct:
		for i := 0; i < rv.NumField(); i++ {
			if err := detectCycle(rv.Field(i), seen); err != nil {
				return err
			}
		}
	}
	return nil
}

func nfcTree(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = nfcTree(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = nfcTree(val)
		}
		return out
	default:
		return v
	}
}

// marshalSorted emits compact JSON with deterministically ordered keys and
// HTML escaping disabled. The jcs pass afterwards fixes the final key order.
func marshalSorted(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		return []byte(t.String()), nil
	case string:
		if err := enc.Encode(t); err != nil {
			return nil, err
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	case []any:
		buf.Reset()
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalSorted(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]any:
		buf.Reset()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := marshalSorted(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := marshalSorted(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	}
}
