package activitypub

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
)

// Decode errors. Everything structurally hostile maps onto one of these so
// the web layer can answer 400/413 without leaking which limit tripped.
var (
	ErrTooLarge      = errors.New("document too large")
	ErrTooDeep       = errors.New("document nested too deeply")
	ErrTooManyKeys   = errors.New("document has too many keys")
	ErrArrayTooLarge = errors.New("array too large")
	ErrMalformed     = errors.New("malformed document")
)

// DecodeLimits bounds what an untrusted request body may contain.
type DecodeLimits struct {
	MaxSize        int // bytes
	MaxDepth       int
	MaxTotalKeys   int
	MaxArrayLength int // per array; 10x this across all arrays in one document
}

func DefaultDecodeLimits() DecodeLimits {
	return DecodeLimits{
		MaxSize:        1_000_000,
		MaxDepth:       50,
		MaxTotalKeys:   1_000,
		MaxArrayLength: 10_000,
	}
}

// Keys that downstream dynamic-attribute assignment could abuse. Rejected
// outright regardless of position in the document.
var forbiddenKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

const maxKeyLength = 1000

// JSONObject is a decoded JSON object with typed accessors. The accessors
// return zero values for missing or differently-typed fields; callers that
// need to distinguish use the two-value forms.
type JSONObject map[string]any

// AsObject converts a decoded value to a JSONObject if it is one.
func AsObject(v any) (JSONObject, bool) {
	switch t := v.(type) {
	case JSONObject:
		return t, true
	case map[string]any:
		return JSONObject(t), true
	default:
		return nil, false
	}
}

func (o JSONObject) Str(key string) string {
	s, _ := o[key].(string)
	return s
}

func (o JSONObject) Object(key string) (JSONObject, bool) {
	return AsObject(o[key])
}

func (o JSONObject) List(key string) []any {
	l, _ := o[key].([]any)
	return l
}

func (o JSONObject) Bool(key string) bool {
	b, _ := o[key].(bool)
	return b
}

// Decode parses untrusted bytes into a bounded JSON tree. Pure function over
// the input; no limit is enforced lazily.
func Decode(raw []byte, limits DecodeLimits) (any, error) {
	if len(raw) > limits.MaxSize {
		return nil, ErrTooLarge
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	w := &walker{dec: dec, limits: limits}
	v, err := w.value(0)
	if err != nil {
		return nil, err
	}

	// Trailing garbage after the first value is a syntax error.
	if _, err := dec.Token(); err != io.EOF {
		return nil, ErrMalformed
	}

	return v, nil
}

// DecodeObject is Decode restricted to a top-level object, the only shape an
// Activity may have.
func DecodeObject(raw []byte, limits DecodeLimits) (JSONObject, error) {
	v, err := Decode(raw, limits)
	if err != nil {
		return nil, err
	}
	obj, ok := AsObject(v)
	if !ok {
		return nil, ErrMalformed
	}
	return obj, nil
}

type walker struct {
	dec         *json.Decoder
	limits      DecodeLimits
	totalKeys   int
	totalValues int // array elements across the whole document
}

func (w *walker) value(depth int) (any, error) {
	tok, err := w.dec.Token()
	if err != nil {
		return nil, ErrMalformed
	}
	return w.fromToken(tok, depth)
}

func (w *walker) fromToken(tok json.Token, depth int) (any, error) {
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return w.object(depth + 1)
		case '[':
			return w.array(depth + 1)
		default:
			return nil, ErrMalformed
		}
	case json.Number:
		f, err := strconv.ParseFloat(t.String(), 64)
		if err != nil || math.IsInf(f, 0) || math.Abs(f) > 1e308 {
			return nil, fmt.Errorf("%w: number out of range", ErrMalformed)
		}
		return f, nil
	default:
		// string, bool or nil
		return tok, nil
	}
}

func (w *walker) object(depth int) (JSONObject, error) {
	if depth > w.limits.MaxDepth {
		return nil, ErrTooDeep
	}

	obj := make(JSONObject)
	for {
		tok, err := w.dec.Token()
		if err != nil {
			return nil, ErrMalformed
		}
		if d, ok := tok.(json.Delim); ok && d == '}' {
			return obj, nil
		}

		key, ok := tok.(string)
		if !ok {
			return nil, ErrMalformed
		}
		if len(key) > maxKeyLength {
			return nil, ErrTooManyKeys
		}
		if _, bad := forbiddenKeys[key]; bad {
			return nil, fmt.Errorf("%w: forbidden key", ErrMalformed)
		}

		w.totalKeys++
		if w.totalKeys > w.limits.MaxTotalKeys {
			return nil, ErrTooManyKeys
		}

		val, err := w.value(depth)
		if err != nil {
			return nil, err
		}
		obj[key] = val
	}
}

func (w *walker) array(depth int) ([]any, error) {
	if depth > w.limits.MaxDepth {
		return nil, ErrTooDeep
	}

	var arr []any
	for {
		tok, err := w.dec.Token()
		if err != nil {
			return nil, ErrMalformed
		}
		if d, ok := tok.(json.Delim); ok && d == ']' {
			return arr, nil
		}

		if len(arr)+1 > w.limits.MaxArrayLength {
			return nil, ErrArrayTooLarge
		}
		w.totalValues++
		if w.totalValues > 10*w.limits.MaxArrayLength {
			return nil, ErrArrayTooLarge
		}

		val, err := w.fromToken(tok, depth)
		if err != nil {
			return nil, err
		}
		arr = append(arr, val)
	}
}
