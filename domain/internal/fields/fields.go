// Package fields holds payload field types shared by the domain reducers.
package fields

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Amount is a money amount in whole currency units. It decodes from a JSON
// number or a numeric string, as older producers sent amounts as strings.
type Amount int64

func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(strings.TrimSpace(s))
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("amount %s is not a number", b)
	}
	i, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil || f >= math.MaxInt64 || f < math.MinInt64 || f != float64(int64(f)) {
			return fmt.Errorf("amount %s is not a whole number", n)
		}
		i = int64(f)
	}
	*a = Amount(i)
	return nil
}

func (a Amount) Int64() int64 { return int64(a) }

// Add returns a+b, or false when the sum does not fit in an int64.
func Add(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}

// Sub returns a-b, or false when the difference does not fit in an int64.
func Sub(a, b int64) (int64, bool) {
	if b == math.MinInt64 {
		if a >= 0 {
			return 0, false
		}
		return a - b, true
	}
	return Add(a, -b)
}

// Text is a string field that also accepts a JSON number, as telegram ids
// arrive both ways. Surrounding whitespace is trimmed.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] != '"' {
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("expected string or number, got %s", b)
		}
		*t = Text(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*t = Text(strings.TrimSpace(s))
	return nil
}

func (t Text) String() string { return string(t) }

// First returns the first non-nil pointer.
func First[T any](vs ...*T) *T {
	for _, v := range vs {
		if v != nil {
			return v
		}
	}
	return nil
}
