package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Op is a rule operator.
type Op string

// Supported operators.
const (
	OpAlways    Op = "ALWAYS"
	OpExists    Op = "EXISTS"
	OpNotExists Op = "NOT_EXISTS"
	OpEq        Op = "EQ"
	OpNe        Op = "NE"
	OpIn        Op = "IN"
	OpRegex     Op = "REGEX"
)

// wildcardAttr skips attribute lookup and evaluates against an empty string.
const wildcardAttr = "*"

var errUnknownOp = errors.New("policy: unknown operator")

// Rule is a single predicate over one attribute.
type Rule struct {
	Attr   string
	Op     Op
	Values []string

	re *regexp.Regexp
}

// clause is one side of a match block: absent, a literal bool, or a rule list.
type clause struct {
	present bool
	literal *bool
	rules   []Rule
}

// Match is the compiled `match` block of a spec document.
type Match struct {
	all clause
	any clause
}

type rawRule struct {
	Attr   string          `json:"attr"`
	Op     string          `json:"op"`
	Values json.RawMessage `json:"values"`
}

type rawMatch struct {
	All json.RawMessage `json:"all"`
	Any json.RawMessage `json:"any"`
}

func parseMatch(raw json.RawMessage) (*Match, error) {
	if isNull(raw) {
		return nil, nil
	}
	var rm rawMatch
	if errDecode := json.Unmarshal(raw, &rm); errDecode != nil {
		return nil, fmt.Errorf("policy: match: %w", errDecode)
	}
	all, errAll := parseClause(rm.All)
	if errAll != nil {
		return nil, fmt.Errorf("policy: match.all: %w", errAll)
	}
	anyClause, errAny := parseClause(rm.Any)
	if errAny != nil {
		return nil, fmt.Errorf("policy: match.any: %w", errAny)
	}
	return &Match{all: all, any: anyClause}, nil
}

func parseClause(raw json.RawMessage) (clause, error) {
	if isNull(raw) {
		return clause{}, nil
	}
	trimmed := bytes.TrimSpace(raw)
	switch trimmed[0] {
	case 't', 'f':
		var b bool
		if errDecode := json.Unmarshal(trimmed, &b); errDecode != nil {
			return clause{}, errDecode
		}
		return clause{present: true, literal: &b}, nil
	case '[':
		var raws []rawRule
		if errDecode := json.Unmarshal(trimmed, &raws); errDecode != nil {
			return clause{}, errDecode
		}
		rules := make([]Rule, 0, len(raws))
		for _, r := range raws {
			rule, errRule := compileRule(r)
			if errRule != nil {
				return clause{}, errRule
			}
			rules = append(rules, rule)
		}
		return clause{present: true, rules: rules}, nil
	default:
		return clause{}, fmt.Errorf("expected bool or array")
	}
}

func compileRule(r rawRule) (Rule, error) {
	op := Op(strings.ToUpper(strings.TrimSpace(r.Op)))
	if op == "" {
		op = OpAlways
	}
	switch op {
	case OpAlways, OpExists, OpNotExists, OpEq, OpNe, OpIn, OpRegex:
	default:
		return Rule{}, fmt.Errorf("%w: %s", errUnknownOp, r.Op)
	}
	values, errValues := parseValues(r.Values)
	if errValues != nil {
		return Rule{}, errValues
	}
	rule := Rule{Attr: strings.TrimSpace(r.Attr), Op: op, Values: values}
	if op == OpRegex && len(values) > 0 {
		re, errCompile := regexp.Compile(`^(?:` + values[0] + `)$`)
		if errCompile != nil {
			return Rule{}, fmt.Errorf("policy: regex %q: %w", values[0], errCompile)
		}
		rule.re = re
	}
	return rule, nil
}

// parseValues accepts a single string or an array of scalars.
func parseValues(raw json.RawMessage) ([]string, error) {
	if isNull(raw) {
		return nil, nil
	}
	var single string
	if errDecode := json.Unmarshal(raw, &single); errDecode == nil {
		return []string{single}, nil
	}
	var many []any
	if errDecode := json.Unmarshal(raw, &many); errDecode != nil {
		return nil, fmt.Errorf("policy: values: %w", errDecode)
	}
	out := make([]string, 0, len(many))
	for _, v := range many {
		switch typed := v.(type) {
		case string:
			out = append(out, typed)
		case nil:
			continue
		default:
			out = append(out, fmt.Sprint(typed))
		}
	}
	return out, nil
}

// Eval evaluates the match block. A nil match matches everything.
func (m *Match) Eval(attrs map[string]string) bool {
	if m == nil {
		return true
	}
	if m.any.literal != nil && *m.any.literal {
		return true
	}
	if !m.all.present && !m.any.present {
		return true
	}

	allOK := true
	if m.all.present {
		if m.all.literal != nil {
			allOK = *m.all.literal
		} else {
			for _, r := range m.all.rules {
				if !r.Eval(attrs) {
					allOK = false
					break
				}
			}
		}
	}

	// A literal any:false adds no constraint; any:true returned above.
	anyOK := true
	if m.any.present && m.any.literal == nil {
		if len(m.any.rules) > 0 {
			anyOK = false
			for _, r := range m.any.rules {
				if r.Eval(attrs) {
					anyOK = true
					break
				}
			}
		}
	}
	return allOK && anyOK
}

// Eval evaluates the rule against normalized attributes.
func (r Rule) Eval(attrs map[string]string) bool {
	value, present := r.lookup(attrs)
	switch r.Op {
	case OpAlways:
		return true
	case OpExists:
		return present
	case OpNotExists:
		return !present
	case OpEq:
		return present && len(r.Values) > 0 && value == r.Values[0]
	case OpNe:
		return !present || len(r.Values) == 0 || value != r.Values[0]
	case OpIn:
		if !present {
			return false
		}
		for _, v := range r.Values {
			if v == value {
				return true
			}
		}
		return false
	case OpRegex:
		return present && r.re != nil && r.re.MatchString(value)
	default:
		return false
	}
}

func (r Rule) lookup(attrs map[string]string) (string, bool) {
	if r.Attr == wildcardAttr {
		return "", true
	}
	v, ok := attrs[r.Attr]
	return v, ok
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
