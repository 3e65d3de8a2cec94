package settings

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// overrides is an immutable view of the settings table. Values are decoded
// once per refresh so the hot paths only do map lookups.
type overrides struct {
	updatedAt time.Time
	raw       map[string]json.RawMessage
	ints      map[string]int
	strings   map[string]string
}

var current atomic.Pointer[overrides]

func init() {
	current.Store(emptyOverrides(time.Time{}))
}

func emptyOverrides(updatedAt time.Time) *overrides {
	return &overrides{
		updatedAt: updatedAt,
		raw:       map[string]json.RawMessage{},
		ints:      map[string]int{},
		strings:   map[string]string{},
	}
}

// StoreDBConfig replaces the in-memory overrides. Keys outside KnownKeys are
// dropped; values that do not decode for their key stay visible through
// DBConfigValue but are ignored by the typed accessors.
func StoreDBConfig(updatedAt time.Time, values map[string]json.RawMessage) {
	next := emptyOverrides(updatedAt.UTC())
	for k, v := range values {
		key := strings.TrimSpace(k)
		kind, known := keyKinds[key]
		if !known {
			if key != "" {
				log.Debugf("settings: ignoring unknown key %s", key)
			}
			continue
		}
		next.raw[key] = bytes.Clone(v)
		switch kind {
		case kindInt:
			if n, ok := parseDBConfigInt(v); ok {
				next.ints[key] = n
			} else {
				log.Warnf("settings: %s is not an integer, using file configuration", key)
			}
		case kindString:
			if s, ok := parseDBConfigString(v); ok {
				next.strings[key] = s
			}
		}
	}
	current.Store(next)
}

// DBConfigUpdatedAt returns the newest update time among stored overrides.
func DBConfigUpdatedAt() time.Time {
	return current.Load().updatedAt
}

// DBConfigValue returns a copy of the raw override stored for key.
func DBConfigValue(key string) (json.RawMessage, bool) {
	val, ok := current.Load().raw[strings.TrimSpace(key)]
	if !ok {
		return nil, false
	}
	return bytes.Clone(val), true
}

// DBConfigInt returns an integer override. Numbers, numeric strings and
// {"value": ...} wrappers are accepted.
func DBConfigInt(key string) (int, bool) {
	n, ok := current.Load().ints[strings.TrimSpace(key)]
	return n, ok
}

// DBConfigString returns a non-blank string override.
func DBConfigString(key string) (string, bool) {
	s, ok := current.Load().strings[strings.TrimSpace(key)]
	return s, ok
}

func parseDBConfigInt(raw json.RawMessage) (int, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	var n int
	if errUnmarshal := json.Unmarshal(raw, &n); errUnmarshal == nil {
		return n, true
	}
	var f float64
	if errUnmarshal := json.Unmarshal(raw, &f); errUnmarshal == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
			return 0, false
		}
		return int(f), true
	}
	var s string
	if errUnmarshal := json.Unmarshal(raw, &s); errUnmarshal == nil {
		parsed, errParse := strconv.Atoi(strings.TrimSpace(s))
		return parsed, errParse == nil
	}
	if inner, ok := unwrapValue(raw); ok {
		return parseDBConfigInt(inner)
	}
	return 0, false
}

func parseDBConfigString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if errUnmarshal := json.Unmarshal(raw, &s); errUnmarshal == nil {
		s = strings.TrimSpace(s)
		return s, s != ""
	}
	if inner, ok := unwrapValue(raw); ok {
		return parseDBConfigString(inner)
	}
	return "", false
}

// unwrapValue reads the {"value": ...} wrapped form.
func unwrapValue(raw json.RawMessage) (json.RawMessage, bool) {
	var wrapper struct {
		Value json.RawMessage `json:"value"`
	}
	if errUnmarshal := json.Unmarshal(raw, &wrapper); errUnmarshal != nil || len(wrapper.Value) == 0 {
		return nil, false
	}
	return wrapper.Value, true
}
