package window

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MicrosPerUnit is the number of micros in one currency unit.
const MicrosPerUnit = 1_000_000

// ErrInvalidLimits is returned when a limits document cannot be used.
var ErrInvalidLimits = errors.New("window: invalid limits document")

type rawWindow struct {
	ID            string          `json:"id"`
	Limit         json.Number     `json:"limit"`
	PeriodSeconds *int64          `json:"periodSeconds"`
	PeriodISO     string          `json:"periodIso"`
	Anchor        string          `json:"anchor"`
	Windows       json.RawMessage `json:"windows"`
}

// ParseLimits parses either {"windows":[...]} or a single flat window object.
// Windows with a non-positive limit or without any period are skipped.
func ParseLimits(doc []byte) ([]Spec, error) {
	doc = bytes.TrimSpace(doc)
	if len(doc) == 0 || bytes.Equal(doc, []byte("null")) {
		return nil, fmt.Errorf("%w: empty", ErrInvalidLimits)
	}

	var root rawWindow
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	if errDecode := dec.Decode(&root); errDecode != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLimits, errDecode)
	}

	var raws []rawWindow
	if len(root.Windows) > 0 && !bytes.Equal(bytes.TrimSpace(root.Windows), []byte("null")) {
		dec = json.NewDecoder(bytes.NewReader(root.Windows))
		dec.UseNumber()
		if errDecode := dec.Decode(&raws); errDecode != nil {
			return nil, fmt.Errorf("%w: windows: %v", ErrInvalidLimits, errDecode)
		}
		if len(raws) == 0 {
			return nil, fmt.Errorf("%w: no windows", ErrInvalidLimits)
		}
	} else {
		raws = []rawWindow{root}
	}

	out := make([]Spec, 0, len(raws))
	for i, raw := range raws {
		limit, ok := ParseAmount(raw.Limit.String())
		if !ok || limit <= 0 {
			continue
		}
		spec := Spec{
			ID:          strings.TrimSpace(raw.ID),
			LimitMicros: limit,
			PeriodISO:   strings.TrimSpace(raw.PeriodISO),
			Anchor:      strings.TrimSpace(raw.Anchor),
		}
		if raw.PeriodSeconds != nil && *raw.PeriodSeconds > 0 {
			spec.PeriodSeconds = *raw.PeriodSeconds
		}
		if spec.PeriodSeconds == 0 && spec.PeriodISO == "" {
			continue
		}
		if spec.ID == "" {
			spec.ID = "w" + strconv.Itoa(i)
		}
		out = append(out, spec)
	}
	return out, nil
}

// ParseAmount converts a decimal string into micros.
func ParseAmount(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	f, errParse := strconv.ParseFloat(raw, 64)
	if errParse != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return ToMicros(f), true
}

// ToMicros converts a decimal amount into micros.
func ToMicros(v float64) int64 {
	return int64(math.Round(v * MicrosPerUnit))
}

// FromMicros converts micros back into a decimal amount.
func FromMicros(v int64) float64 {
	return float64(v) / MicrosPerUnit
}

// FormatMicros renders micros with two decimals, e.g. 40.00.
func FormatMicros(v int64) string {
	return strconv.FormatFloat(FromMicros(v), 'f', 2, 64)
}
