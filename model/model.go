package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	addressPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)
	hash32Pattern  = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

	ErrInvalidInteger = errors.New("value is not a non-negative integer")
)

// GenerateUUIDWithSuffix generates a UUID with a given module name as a prefix.
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	return fmt.Sprintf("%s_%s", module, id.String())
}

// NormalizeAddress lowercases and trims a hex address.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// NormalizeHash lowercases and trims a hex hash.
func NormalizeHash(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

func IsAddress(addr string) bool {
	return addressPattern.MatchString(NormalizeAddress(addr))
}

func IsHash32(h string) bool {
	return hash32Pattern.MatchString(NormalizeHash(h))
}

// ParseBigInt accepts a decimal string, a json.Number or an integral float and
// returns it as a non-negative big integer.
func ParseBigInt(v interface{}) (*big.Int, error) {
	var raw string
	switch t := v.(type) {
	case string:
		raw = strings.TrimSpace(t)
	case json.Number:
		raw = t.String()
	case float64:
		if t != float64(int64(t)) {
			return nil, ErrInvalidInteger
		}
		raw = fmt.Sprintf("%d", int64(t))
	case int:
		raw = fmt.Sprintf("%d", t)
	case int64:
		raw = fmt.Sprintf("%d", t)
	case *big.Int:
		if t == nil {
			return nil, ErrInvalidInteger
		}
		raw = t.String()
	default:
		return nil, ErrInvalidInteger
	}
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok || n.Sign() < 0 {
		return nil, ErrInvalidInteger
	}
	return n, nil
}

// BigIntStrings renders a vector as decimal strings.
func BigIntStrings(values []*big.Int) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = v.String()
	}
	return out
}

// ParseBigIntStrings is the inverse of BigIntStrings.
func ParseBigIntStrings(values []string) ([]*big.Int, error) {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		n, err := ParseBigInt(v)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		out[i] = n
	}
	return out, nil
}

// SumBigInts returns the sum of values.
func SumBigInts(values []*big.Int) *big.Int {
	total := new(big.Int)
	for _, v := range values {
		total.Add(total, v)
	}
	return total
}

// decodeJSON decodes with UseNumber so large integers survive.
func decodeJSON(raw []byte, out interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(out)
}
