package policy

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// KeyCase controls how attribute keys are cased during normalization.
type KeyCase string

// Key case policies.
const (
	KeyCaseKeep  KeyCase = "KEEP"
	KeyCaseLower KeyCase = "LOWER"
	KeyCaseUpper KeyCase = "UPPER"
)

// DefaultMaxValueLength caps attribute values when no policy sets a limit.
const DefaultMaxValueLength = 256

// Contract constrains which request attributes are accepted and how they are cleaned.
type Contract struct {
	Allowed     map[string]struct{} // Accepted keys; empty means unrestricted.
	Required    []string            // Keys that must be present after normalization.
	Aliases     map[string]string   // Raw key to canonical key.
	Case        KeyCase             // Key case transform.
	MaxLen      int                 // Default value length cap; <=0 disables truncation.
	MaxLenByKey map[string]int      // Per-key caps.

	hasAllowed bool
}

// Permissive returns a contract that accepts any attribute.
func Permissive() Contract {
	return Contract{
		Allowed:     map[string]struct{}{},
		Aliases:     map[string]string{},
		Case:        KeyCaseKeep,
		MaxLen:      DefaultMaxValueLength,
		MaxLenByKey: map[string]int{},
	}
}

// Restricted reports whether the contract limits the accepted keys.
func (c Contract) Restricted() bool { return c.hasAllowed && len(c.Allowed) > 0 }

type rawValidation struct {
	RequiredAttrs  []string          `json:"requiredAttrs"`
	AllowedAttrs   *[]string         `json:"allowedAttrs"`
	Aliases        map[string]string `json:"aliases"`
	KeyCase        string            `json:"keyCase"`
	MaxValueLength *int              `json:"maxValueLength"`
	MaxLengths     map[string]int    `json:"maxLengths"`
}

func contractFromRaw(raw *rawValidation) Contract {
	c := Permissive()
	if raw == nil {
		return c
	}
	switch KeyCase(strings.ToUpper(strings.TrimSpace(raw.KeyCase))) {
	case KeyCaseLower:
		c.Case = KeyCaseLower
	case KeyCaseUpper:
		c.Case = KeyCaseUpper
	}
	for from, to := range raw.Aliases {
		from, to = strings.TrimSpace(from), strings.TrimSpace(to)
		if from == "" || to == "" {
			continue
		}
		c.Aliases[from] = to
	}
	for _, key := range raw.RequiredAttrs {
		if key = c.applyCase(strings.TrimSpace(key)); key != "" {
			c.Required = append(c.Required, key)
		}
	}
	if raw.AllowedAttrs != nil {
		c.hasAllowed = true
		for _, key := range *raw.AllowedAttrs {
			if key = c.applyCase(strings.TrimSpace(key)); key != "" {
				c.Allowed[key] = struct{}{}
			}
		}
	}
	if raw.MaxValueLength != nil {
		c.MaxLen = *raw.MaxValueLength
	}
	for key, n := range raw.MaxLengths {
		if key = c.applyCase(strings.TrimSpace(key)); key != "" {
			c.MaxLenByKey[key] = n
		}
	}
	return c
}

// MergeContracts combines the contracts of several policies. Required keys are
// unioned. Allowed keys are unioned only across policies that declare them; if
// none does, the result is unrestricted. The smallest positive length cap wins.
func MergeContracts(contracts []Contract) Contract {
	merged := Permissive()
	if len(contracts) == 0 {
		return merged
	}
	requiredSeen := map[string]struct{}{}
	maxLen := 0
	for _, c := range contracts {
		if merged.Case == KeyCaseKeep && c.Case != "" && c.Case != KeyCaseKeep {
			merged.Case = c.Case
		}
		for from, to := range c.Aliases {
			if _, exists := merged.Aliases[from]; !exists {
				merged.Aliases[from] = to
			}
		}
		for _, key := range c.Required {
			if _, seen := requiredSeen[key]; seen {
				continue
			}
			requiredSeen[key] = struct{}{}
			merged.Required = append(merged.Required, key)
		}
		if c.hasAllowed {
			merged.hasAllowed = true
			for key := range c.Allowed {
				merged.Allowed[key] = struct{}{}
			}
		}
		if c.MaxLen > 0 && (maxLen == 0 || c.MaxLen < maxLen) {
			maxLen = c.MaxLen
		}
		for key, n := range c.MaxLenByKey {
			if existing, ok := merged.MaxLenByKey[key]; !ok || (n > 0 && n < existing) {
				merged.MaxLenByKey[key] = n
			}
		}
	}
	merged.MaxLen = maxLen
	return merged
}

// Normalize trims, aliases, cases, filters and truncates attributes.
func (c Contract) Normalize(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	keys := make([]string, 0, len(attrs))
	for key := range attrs {
		keys = append(keys, key)
	}
	// Deterministic when two raw keys collapse to the same canonical key.
	sort.Strings(keys)
	restricted := c.Restricted()
	for _, rawKey := range keys {
		key := strings.TrimSpace(rawKey)
		if key == "" {
			continue
		}
		if alias, ok := c.Aliases[key]; ok {
			key = alias
		}
		key = c.applyCase(key)
		if restricted {
			if _, ok := c.Allowed[key]; !ok {
				continue
			}
		}
		value := strings.TrimSpace(attrs[rawKey])
		if value == "" {
			continue
		}
		out[key] = truncate(value, c.maxLenFor(key))
	}
	return out
}

// MissingRequired lists every required key absent from normalized attributes.
func (c Contract) MissingRequired(attrs map[string]string) []string {
	var missing []string
	for _, key := range c.Required {
		if _, ok := attrs[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

func (c Contract) applyCase(key string) string {
	switch c.Case {
	case KeyCaseLower:
		return strings.ToLower(key)
	case KeyCaseUpper:
		return strings.ToUpper(key)
	default:
		return key
	}
}

func (c Contract) maxLenFor(key string) int {
	if n, ok := c.MaxLenByKey[key]; ok {
		return n
	}
	return c.MaxLen
}

func truncate(value string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit])
}
