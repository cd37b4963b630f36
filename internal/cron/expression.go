package cron

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// Field identifies one of the five cron fields.
type Field int

const (
	Minute Field = iota
	Hour
	DayOfMonth
	Month
	DayOfWeek
)

func (f Field) String() string {
	if f < Minute || f > DayOfWeek {
		return "field(" + strconv.Itoa(int(f)) + ")"
	}
	return specs[f].name
}

type fieldSpec struct {
	name     string
	min, max int
	names    map[string]int
}

var monthNames = map[string]int{
	"JAN": 1, "FEB": 2, "MAR": 3, "APR": 4, "MAY": 5, "JUN": 6,
	"JUL": 7, "AUG": 8, "SEP": 9, "OCT": 10, "NOV": 11, "DEC": 12,
}

var dayNames = map[string]int{
	"SUN": 0, "MON": 1, "TUE": 2, "WED": 3, "THU": 4, "FRI": 5, "SAT": 6,
}

// Day-of-week parses 0-7; 7 is folded into 0 afterwards.
var specs = [5]fieldSpec{
	Minute:     {name: "minute", min: 0, max: 59},
	Hour:       {name: "hour", min: 0, max: 23},
	DayOfMonth: {name: "day-of-month", min: 1, max: 31},
	Month:      {name: "month", min: 1, max: 12, names: monthNames},
	DayOfWeek:  {name: "day-of-week", min: 0, max: 7, names: dayNames},
}

var (
	ErrEmpty      = errors.New("cron expression cannot be empty")
	ErrFieldCount = errors.New("cron expression must have 5 fields (minute hour day-of-month month day-of-week)")
	ErrNoMatch    = errors.New("no matching time found")
)

// ParseError reports a malformed expression. Field is empty when the
// expression as a whole is malformed (e.g. wrong field count).
type ParseError struct {
	Expr  string
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid cron expression %q: %v", e.Expr, e.Err)
	}
	return fmt.Sprintf("invalid cron expression %q: %s: %v", e.Expr, e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Expression is a parsed cron expression. It is immutable and safe for
// concurrent use.
type Expression struct {
	source string
	sets   [5]uint64
}

// Parse parses a five-field cron expression.
func Parse(expr string) (*Expression, error) {
	src := strings.TrimSpace(expr)
	if src == "" {
		return nil, &ParseError{Expr: expr, Err: ErrEmpty}
	}
	parts := strings.Fields(src)
	if len(parts) != 5 {
		return nil, &ParseError{Expr: src, Err: fmt.Errorf("%w, got %d", ErrFieldCount, len(parts))}
	}

	e := &Expression{source: src}
	for i, part := range parts {
		set, err := parseField(part, specs[i])
		if err != nil {
			return nil, &ParseError{Expr: src, Field: specs[i].name, Err: err}
		}
		e.sets[i] = set
	}
	// Sunday may be written as 7.
	if e.sets[DayOfWeek]&(1<<7) != 0 {
		e.sets[DayOfWeek] &^= 1 << 7
		e.sets[DayOfWeek] |= 1
	}
	return e, nil
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(expr string) *Expression {
	e, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the trimmed source expression.
func (e *Expression) String() string { return e.source }

// Values returns the sorted values of field f.
func (e *Expression) Values(f Field) []int {
	if f < Minute || f > DayOfWeek {
		return nil
	}
	return members(e.sets[f])
}

// Equal reports whether both expressions select the same value sets.
func (e *Expression) Equal(o *Expression) bool {
	if e == nil || o == nil {
		return e == o
	}
	return e.sets == o.sets
}

func (e *Expression) has(f Field, v int) bool {
	return e.sets[f]&(1<<uint(v)) != 0
}

func parseField(field string, fs fieldSpec) (uint64, error) {
	if field == "*" {
		return span(fs.min, fs.max), nil
	}
	var set uint64
	for _, part := range strings.Split(field, ",") {
		bitsForPart, err := parseAtom(strings.TrimSpace(part), fs)
		if err != nil {
			return 0, err
		}
		set |= bitsForPart
	}
	return set, nil
}

func parseAtom(part string, fs fieldSpec) (uint64, error) {
	if part == "" {
		return 0, errors.New("empty list element")
	}
	base, stepStr, hasStep := strings.Cut(part, "/")
	if !hasStep {
		return parseSimple(part, fs)
	}
	if strings.Contains(stepStr, "/") {
		return 0, fmt.Errorf("invalid step expression %q", part)
	}

	var baseSet uint64
	if base == "*" {
		baseSet = span(fs.min, fs.max)
	} else {
		var err error
		baseSet, err = parseSimple(base, fs)
		if err != nil {
			return 0, err
		}
	}

	step, err := strconv.Atoi(stepStr)
	if err != nil {
		return 0, fmt.Errorf("invalid step %q in %q", stepStr, part)
	}
	if step <= 0 {
		return 0, fmt.Errorf("step must be positive in %q", part)
	}

	// Every step-th element of the sorted base set, starting at its first element.
	var set uint64
	for i, v := range members(baseSet) {
		if i%step == 0 {
			set |= 1 << uint(v)
		}
	}
	return set, nil
}

func parseSimple(s string, fs fieldSpec) (uint64, error) {
	lo, hi, isRange := strings.Cut(s, "-")
	if !isRange {
		v, err := parseValue(s, fs)
		if err != nil {
			return 0, err
		}
		if err := checkBounds(v, fs); err != nil {
			return 0, err
		}
		return 1 << uint(v), nil
	}

	start, err := parseValue(strings.TrimSpace(lo), fs)
	if err != nil {
		return 0, err
	}
	end, err := parseValue(strings.TrimSpace(hi), fs)
	if err != nil {
		return 0, err
	}
	if start > end {
		return 0, fmt.Errorf("range start must be <= end in %q", s)
	}
	if err := checkBounds(start, fs); err != nil {
		return 0, err
	}
	if err := checkBounds(end, fs); err != nil {
		return 0, err
	}
	return span(start, end), nil
}

func parseValue(s string, fs fieldSpec) (int, error) {
	if v, ok := fs.names[strings.ToUpper(s)]; ok {
		return v, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	return v, nil
}

func checkBounds(v int, fs fieldSpec) error {
	if v < fs.min || v > fs.max {
		return fmt.Errorf("value %d is out of range [%d-%d]", v, fs.min, fs.max)
	}
	return nil
}

func span(lo, hi int) uint64 {
	var set uint64
	for i := lo; i <= hi; i++ {
		set |= 1 << uint(i)
	}
	return set
}

func members(set uint64) []int {
	out := make([]int, 0, bits.OnesCount64(set))
	for set != 0 {
		v := bits.TrailingZeros64(set)
		out = append(out, v)
		set &^= 1 << uint(v)
	}
	return out
}
