// Package policy compiles stored strategies into matchable policies with
// attribute contracts and scope templates.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/router-for-me/QuotaLimits/internal/models"
	"github.com/router-for-me/QuotaLimits/internal/window"
)

// Policy is a compiled strategy.
type Policy struct {
	ID        uint64
	Name      string
	Version   int
	Enabled   bool
	IsDefault bool

	Match         *Match
	ScopeTemplate string
	Contract      Contract
	Windows       []window.Spec

	SpecErr   error // Spec document could not be parsed; the policy never matches.
	LimitsErr error // Limits document could not be parsed; the policy has no windows.
}

type rawSpec struct {
	Match         json.RawMessage `json:"match"`
	ScopeTemplate string          `json:"scopeTemplate"`
	Validation    *rawValidation  `json:"validation"`
}

// Compile parses the documents of a stored strategy.
func Compile(s models.Strategy) Policy {
	p := Policy{
		ID:        s.ID,
		Name:      s.Name,
		Version:   s.Version,
		Enabled:   s.Enabled,
		IsDefault: s.IsDefault,
		Contract:  Permissive(),
	}

	if !isNull(json.RawMessage(s.Spec)) {
		var raw rawSpec
		if errDecode := json.Unmarshal(s.Spec, &raw); errDecode != nil {
			p.SpecErr = fmt.Errorf("policy %s v%d: spec: %w", s.Name, s.Version, errDecode)
		} else {
			p.ScopeTemplate = strings.TrimSpace(raw.ScopeTemplate)
			p.Contract = contractFromRaw(raw.Validation)
			match, errMatch := parseMatch(raw.Match)
			if errMatch != nil {
				p.SpecErr = fmt.Errorf("policy %s v%d: %w", s.Name, s.Version, errMatch)
			}
			p.Match = match
		}
	}

	windows, errLimits := window.ParseLimits(s.Limits)
	if errLimits != nil {
		p.LimitsErr = fmt.Errorf("policy %s v%d: %w", s.Name, s.Version, errLimits)
	}
	p.Windows = windows
	return p
}

// CompileAll compiles every strategy.
func CompileAll(rows []models.Strategy) []Policy {
	out := make([]Policy, 0, len(rows))
	for _, row := range rows {
		out = append(out, Compile(row))
	}
	return out
}

// Matches reports whether the enabled policy applies to attrs.
func (p *Policy) Matches(attrs map[string]string) bool {
	if p == nil || !p.Enabled || p.SpecErr != nil {
		return false
	}
	return p.Match.Eval(attrs)
}

// MatchAll returns the enabled policies whose rules accept attrs.
func MatchAll(policies []Policy, attrs map[string]string) []Policy {
	var out []Policy
	for i := range policies {
		if policies[i].Matches(attrs) {
			out = append(out, policies[i])
		}
	}
	return out
}

// ContractOf merges the contracts of the enabled policies.
func ContractOf(policies []Policy) Contract {
	contracts := make([]Contract, 0, len(policies))
	for i := range policies {
		if !policies[i].Enabled {
			continue
		}
		contracts = append(contracts, policies[i].Contract)
	}
	return MergeContracts(contracts)
}

// BestDefault picks the enabled default policy with the highest version,
// breaking ties by the lowest id.
func BestDefault(policies []Policy) *Policy {
	var best *Policy
	for i := range policies {
		p := &policies[i]
		if !p.Enabled || !p.IsDefault {
			continue
		}
		if best == nil || p.Version > best.Version || (p.Version == best.Version && p.ID < best.ID) {
			best = p
		}
	}
	return best
}
