package sensor

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"codeberg.org/mutker/enosed/internal/errors"
)

const (
	// DataPrefix marks a measurement line; anything else is diagnostics.
	DataPrefix = "SENSOR:"

	// FieldCount is the number of values a measurement line must carry.
	FieldCount = NumChannels + 2
)

// IsDataLine reports whether line carries a measurement.
func IsDataLine(line string) bool {
	return strings.HasPrefix(line, DataPrefix)
}

// ParseLine parses a "SENSOR:v0,v1,...,v8" line.
//
// Tokens that are not finite decimal numbers are dropped rather than
// rejected, and the remaining values are used in order. Values past the
// ninth are ignored. A line left with fewer than FieldCount values yields
// ErrShortLine; a line without the prefix yields ErrNotDataLine.
func ParseLine(line string) (RawReading, error) {
	errFactory := errors.New()

	if !IsDataLine(line) {
		return RawReading{}, errFactory.New(ErrNotDataLine)
	}

	values := make([]float64, 0, FieldCount)
	for _, tok := range strings.Split(line[len(DataPrefix):], ",") {
		tok = strings.TrimSpace(tok)
		if isHex(tok) {
			continue
		}
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		values = append(values, v)
	}

	if len(values) < FieldCount {
		return RawReading{}, errFactory.WithData(ErrShortLine,
			fmt.Sprintf("%d of %d values", len(values), FieldCount))
	}

	var raw RawReading
	copy(raw.Channels[:], values[:NumChannels])
	raw.State = truncate(values[NumChannels])
	raw.Level = truncate(values[NumChannels+1])

	return raw, nil
}

// isHex reports whether tok uses the hexadecimal float syntax ParseFloat
// accepts but the instrument never sends.
func isHex(tok string) bool {
	tok = strings.TrimLeft(tok, "+-")
	return strings.HasPrefix(tok, "0x") || strings.HasPrefix(tok, "0X")
}

// truncate drops the fractional part and saturates at the int32 range the
// instrument firmware uses.
func truncate(v float64) int {
	v = math.Trunc(v)
	switch {
	case v > math.MaxInt32:
		return math.MaxInt32
	case v < math.MinInt32:
		return math.MinInt32
	default:
		return int(v)
	}
}
