// Package canonical produces a deterministic JSON encoding of operation payloads
// so identical logical payloads hash identically regardless of key order.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrInvalidJSON indicates the raw input could not be decoded as a single JSON value.
	ErrInvalidJSON = errors.New("canonical: invalid json")
	// ErrUnsupportedValue indicates a Go value that has no JSON representation.
	ErrUnsupportedValue = errors.New("canonical: unsupported value")
)

// Canonicalize encodes a JSON-compatible Go value with object keys sorted by
// codepoint at every depth. Array order is preserved.
func Canonicalize(value any) ([]byte, error) {
	var buffer bytes.Buffer
	if err := writeValue(&buffer, value); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// CanonicalizeJSON decodes raw JSON and returns its canonical encoding.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	value, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return Canonicalize(value)
}

// Hash returns the hex SHA-256 digest of the canonical form of raw JSON.
func Hash(raw []byte) (string, error) {
	canonicalBytes, err := CanonicalizeJSON(raw)
	if err != nil {
		return "", err
	}
	return digest(canonicalBytes), nil
}

// HashValue returns the hex SHA-256 digest of the canonical form of a Go value.
func HashValue(value any) (string, error) {
	canonicalBytes, err := Canonicalize(value)
	if err != nil {
		return "", err
	}
	return digest(canonicalBytes), nil
}

// Decode parses exactly one JSON value, keeping numbers as json.Number.
func Decode(raw []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidJSON)
	}
	return value, nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeValue(buffer *bytes.Buffer, value any) error {
	switch typed := value.(type) {
	case nil:
		buffer.WriteString("null")
	case bool:
		if typed {
			buffer.WriteString("true")
		} else {
			buffer.WriteString("false")
		}
	case string:
		return writeString(buffer, typed)
	case json.Number:
		return writeNumber(buffer, typed)
	case json.RawMessage:
		decoded, err := Decode(typed)
		if err != nil {
			return err
		}
		return writeValue(buffer, decoded)
	case float64:
		return writeFloat(buffer, typed)
	case float32:
		return writeFloat(buffer, float64(typed))
	case int:
		buffer.WriteString(strconv.FormatInt(int64(typed), 10))
	case int32:
		buffer.WriteString(strconv.FormatInt(int64(typed), 10))
	case int64:
		buffer.WriteString(strconv.FormatInt(typed, 10))
	case uint32:
		buffer.WriteString(strconv.FormatUint(uint64(typed), 10))
	case uint64:
		buffer.WriteString(strconv.FormatUint(typed, 10))
	case []any:
		return writeArray(buffer, typed)
	case map[string]any:
		return writeObject(buffer, typed)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, value)
	}
	return nil
}

// Exponents beyond this fall back to float parsing instead of expanding to an exact integer.
const maxExactExponent = 400

// writeNumber normalises numeric literals so 1, 1.0 and 1e0 encode identically.
// Integral literals are written exactly at any magnitude; only true fractions
// go through float64.
func writeNumber(buffer *bytes.Buffer, number json.Number) error {
	literal := number.String()
	if integer, err := strconv.ParseInt(literal, 10, 64); err == nil {
		buffer.WriteString(strconv.FormatInt(integer, 10))
		return nil
	}
	if exactExponent(literal) {
		rational, ok := new(big.Rat).SetString(literal)
		if !ok {
			return fmt.Errorf("%w: number %q", ErrInvalidJSON, literal)
		}
		if rational.IsInt() {
			buffer.WriteString(rational.Num().String())
			return nil
		}
	}
	floatValue, err := strconv.ParseFloat(literal, 64)
	if err != nil {
		return fmt.Errorf("%w: number %q", ErrInvalidJSON, literal)
	}
	return writeFloat(buffer, floatValue)
}

func exactExponent(literal string) bool {
	index := strings.IndexAny(literal, "eE")
	if index < 0 {
		return true
	}
	exponent, err := strconv.Atoi(literal[index+1:])
	return err == nil && exponent >= -maxExactExponent && exponent <= maxExactExponent
}

func writeFloat(buffer *bytes.Buffer, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: %v", ErrUnsupportedValue, value)
	}
	if value == math.Trunc(value) {
		integer, _ := big.NewFloat(value).Int(nil)
		buffer.WriteString(integer.String())
		return nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}
	buffer.Write(encoded)
	return nil
}

// writeString escapes like encoding/json but leaves <, > and & untouched.
func writeString(buffer *bytes.Buffer, value string) error {
	var encoded bytes.Buffer
	encoder := json.NewEncoder(&encoded)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(value); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}
	buffer.Write(bytes.TrimSuffix(encoded.Bytes(), []byte("\n")))
	return nil
}

func writeArray(buffer *bytes.Buffer, elements []any) error {
	buffer.WriteByte('[')
	for index, element := range elements {
		if index > 0 {
			buffer.WriteByte(',')
		}
		if err := writeValue(buffer, element); err != nil {
			return fmt.Errorf("array[%d]: %w", index, err)
		}
	}
	buffer.WriteByte(']')
	return nil
}

// writeObject sorts keys bytewise; for valid UTF-8 that is codepoint order.
func writeObject(buffer *bytes.Buffer, object map[string]any) error {
	keys := make([]string, 0, len(object))
	for key := range object {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	buffer.WriteByte('{')
	for index, key := range keys {
		if index > 0 {
			buffer.WriteByte(',')
		}
		if err := writeString(buffer, key); err != nil {
			return fmt.Errorf("key %q: %w", key, err)
		}
		buffer.WriteByte(':')
		if err := writeValue(buffer, object[key]); err != nil {
			return fmt.Errorf("value for key %q: %w", key, err)
		}
	}
	buffer.WriteByte('}')
	return nil
}
