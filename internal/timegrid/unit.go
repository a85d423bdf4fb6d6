package timegrid

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrUnrecognisedTimestampUnit is returned when a raw timestamp has a
// digit count that matches neither milliseconds nor microseconds.
var ErrUnrecognisedTimestampUnit = errors.New("unrecognised timestamp unit")

// Unit is the encoding of a raw integer timestamp.
type Unit string

const (
	UnitMillis Unit = "ms"
	UnitMicros Unit = "us"
)

// Digit widths that identify each unit. The upstream archive shipped
// 13-digit millisecond timestamps until its 2025 cutover to 16-digit
// microseconds, so both appear in the wild and must be told apart.
const (
	millisecondDigits = 13
	microsecondDigits = 16
)

// DetectUnit classifies a raw integer timestamp by its digit count.
func DetectUnit(raw int64) (Unit, error) {
	digits := len(strconv.FormatInt(raw, 10))
	switch digits {
	case millisecondDigits:
		return UnitMillis, nil
	case microsecondDigits:
		return UnitMicros, nil
	default:
		return "", fmt.Errorf("%w: %d digits (want %d for ms or %d for us)",
			ErrUnrecognisedTimestampUnit, digits, millisecondDigits, microsecondDigits)
	}
}

// FromRaw converts a raw integer timestamp in the given unit to a UTC
// instant.
func FromRaw(raw int64, unit Unit) time.Time {
	switch unit {
	case UnitMicros:
		return time.UnixMicro(raw).UTC()
	default:
		return time.UnixMilli(raw).UTC()
	}
}

// ParseRaw detects the unit of a raw integer timestamp and converts it
// to a UTC instant in one step.
func ParseRaw(raw int64) (time.Time, error) {
	unit, err := DetectUnit(raw)
	if err != nil {
		return time.Time{}, err
	}
	return FromRaw(raw, unit), nil
}
