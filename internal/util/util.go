package util

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ToIntE converts a loosely typed JSON value (number, numeric string,
// bool or nil) to an int.
func ToIntE(v any) (int, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int:
		return t, nil
	case int32:
		return int(t), nil
	case int64:
		return int(t), nil
	case uint16:
		return int(t), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("not an integer: %v", t)
		}
		return int(t), nil
	case json.Number:
		n, err := t.Int64()
		return int(n), err
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, nil
		}
		return strconv.Atoi(s)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

// ToInt is ToIntE with errors mapped to 0.
func ToInt(v any) int {
	n, _ := ToIntE(v)
	return n
}

func ToUint16(v any) uint16 {
	n := ToInt(v)
	if n < 0 || n > math.MaxUint16 {
		return 0
	}
	return uint16(n)
}

// BitsToBinaryString renders the low count bits of bs, LSB of the first
// byte first.
func BitsToBinaryString(bs []byte, count int) string {
	var s strings.Builder
	bitsAdded := 0
	for _, b := range bs {
		for i := 0; i < 8 && bitsAdded < count; i++ {
			if b&(1<<i) != 0 {
				s.WriteString("1")
			} else {
				s.WriteString("0")
			}
			bitsAdded++
		}
	}
	return s.String()
}

// BinaryStringToBits is the inverse of BitsToBinaryString; any character
// other than '1' is a 0 bit.
func BinaryStringToBits(s string) []byte {
	out := make([]byte, (len(s)+7)/8)
	for i := 0; i < len(s); i++ {
		if s[i] == '1' {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}
