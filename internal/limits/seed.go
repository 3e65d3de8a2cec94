package limits

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/router-for-me/QuotaLimits/internal/store"
	"github.com/router-for-me/QuotaLimits/internal/window"
	log "github.com/sirupsen/logrus"
)

// DefaultScopeTemplate is the scope template of the seeded default policy.
const DefaultScopeTemplate = "user:${userId}:type:${type:-all}"

// SeedOptions describes the global default policy created on first start.
type SeedOptions struct {
	Name         string
	Version      int
	DailyMicros  int64
	WindowAnchor string
}

// SeedDefaultPolicy creates the global daily default policy unless a policy
// with the same name and version already exists. It reports whether one was created.
func (s *Service) SeedDefaultPolicy(ctx context.Context, opts SeedOptions) (bool, error) {
	opts.Name = strings.TrimSpace(opts.Name)
	if opts.Name == "" {
		opts.Name = "GLOBAL"
	}
	if opts.Version <= 0 {
		opts.Version = 1
	}
	if opts.DailyMicros <= 0 {
		opts.DailyMicros = 10000 * window.MicrosPerUnit
	}
	if strings.TrimSpace(opts.WindowAnchor) == "" {
		opts.WindowAnchor = "UTC:00:00"
	}

	existing, errFind := store.FindStrategyByNameVersion(ctx, s.db, opts.Name, opts.Version)
	if errFind != nil {
		return false, errFind
	}
	if existing != nil {
		return false, nil
	}

	limits, errLimits := json.Marshal(map[string]any{
		"windows": []map[string]any{{
			"id":        "daily",
			"limit":     json.Number(window.FormatMicros(opts.DailyMicros)),
			"periodIso": window.PeriodDay,
			"anchor":    opts.WindowAnchor,
		}},
	})
	if errLimits != nil {
		return false, errLimits
	}
	spec, errSpec := json.Marshal(map[string]any{
		"match":         map[string]any{"any": []map[string]any{{"op": "ALWAYS"}}},
		"scopeTemplate": DefaultScopeTemplate,
	})
	if errSpec != nil {
		return false, errSpec
	}

	enabled, isDefault := true, true
	resp, errCreate := s.CreatePolicy(ctx, CreatePolicyRequest{
		Name:      opts.Name,
		Version:   opts.Version,
		Enabled:   &enabled,
		IsDefault: &isDefault,
		Limits:    limits,
		Spec:      spec,
	})
	if errCreate != nil {
		return false, errCreate
	}
	if resp.Created {
		log.Infof("limits: seeded default policy %s v%d (id=%s)", opts.Name, opts.Version, resp.ResourceID)
	}
	return resp.Created, nil
}
