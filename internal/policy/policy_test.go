package policy

import (
	"testing"

	"github.com/router-for-me/QuotaLimits/internal/models"
	"gorm.io/datatypes"
)

const twoWindowLimits = `{"windows":[{"id":"day","limit":40,"periodIso":"P1D"},{"id":"month","limit":500,"periodIso":"P1M"}]}`

func compileSpec(t *testing.T, spec string) Policy {
	t.Helper()
	return Compile(models.Strategy{
		ID:      1,
		Name:    "p",
		Version: 1,
		Enabled: true,
		Spec:    datatypes.JSON(spec),
		Limits:  datatypes.JSON(`{"limit":10,"periodIso":"P1D"}`),
	})
}

func TestMatchSemantics(t *testing.T) {
	attrs := map[string]string{"category": "groceries", "channel": "web"}
	cases := []struct {
		name string
		spec string
		want bool
	}{
		{"blank spec", ``, true},
		{"no match block", `{"scopeTemplate":"x"}`, true},
		{"null match", `{"match":null}`, true},
		{"empty match", `{"match":{}}`, true},
		{"any true short circuits", `{"match":{"all":false,"any":true}}`, true},
		{"all false", `{"match":{"all":false}}`, false},
		{"all true", `{"match":{"all":true}}`, true},
		{"any false is no constraint", `{"match":{"any":false}}`, true},
		{"all rules with any false", `{"match":{"all":[{"attr":"category","op":"EQ","values":["groceries"]}],"any":false}}`, true},
		{"all miss with any false", `{"match":{"all":[{"attr":"category","op":"EQ","values":["fuel"]}],"any":false}}`, false},
		{"empty any array", `{"match":{"any":[]}}`, true},
		{"empty all array", `{"match":{"all":[]}}`, true},
		{"all eq", `{"match":{"all":[{"attr":"category","op":"EQ","values":"groceries"}]}}`, true},
		{"all eq miss", `{"match":{"all":[{"attr":"category","op":"EQ","values":["fuel"]}]}}`, false},
		{"any in", `{"match":{"any":[{"attr":"category","op":"IN","values":["fuel","groceries"]},{"attr":"x","op":"EXISTS"}]}}`, true},
		{"any none", `{"match":{"any":[{"attr":"x","op":"EXISTS"},{"attr":"channel","op":"EQ","values":["pos"]}]}}`, false},
		{"all and any", `{"match":{"all":[{"attr":"channel","op":"EXISTS"}],"any":[{"attr":"category","op":"NE","values":["fuel"]}]}}`, true},
		{"not exists", `{"match":{"all":[{"attr":"mcc","op":"NOT_EXISTS"}]}}`, true},
		{"ne absent attr", `{"match":{"all":[{"attr":"mcc","op":"NE","values":["1"]}]}}`, true},
		{"regex full match", `{"match":{"all":[{"attr":"category","op":"REGEX","values":["groc.*"]}]}}`, true},
		{"regex partial is not full", `{"match":{"all":[{"attr":"category","op":"REGEX","values":["groc"]}]}}`, false},
		{"wildcard attr", `{"match":{"all":[{"attr":"*","op":"EQ","values":[""]}]}}`, true},
		{"missing op is always", `{"match":{"all":[{"attr":"nothing"}]}}`, true},
		{"lowercase op", `{"match":{"all":[{"attr":"channel","op":"eq","values":"web"}]}}`, true},
		{"unknown op fails closed", `{"match":{"all":[{"attr":"channel","op":"LIKE","values":"web"}]}}`, false},
		{"invalid regex fails closed", `{"match":{"all":[{"attr":"channel","op":"REGEX","values":["("]}]}}`, false},
		{"malformed json fails closed", `{"match":`, false},
		{"wrong clause type fails closed", `{"match":{"all":"yes"}}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := compileSpec(t, tc.spec)
			if got := p.Matches(attrs); got != tc.want {
				t.Fatalf("expected %v, got %v (spec err: %v)", tc.want, got, p.SpecErr)
			}
		})
	}
}

func TestMatchAllSkipsDisabled(t *testing.T) {
	enabled := compileSpec(t, ``)
	disabled := compileSpec(t, ``)
	disabled.ID = 2
	disabled.Enabled = false
	got := MatchAll([]Policy{enabled, disabled}, nil)
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("expected only enabled policy, got %+v", got)
	}
}

func TestMergeContractsUnrestrictedWhenAnyPolicyIsSilent(t *testing.T) {
	restricted := compileSpec(t, `{"validation":{"allowedAttrs":["a","b"]}}`)
	silent := compileSpec(t, `{"scopeTemplate":"x"}`)

	merged := ContractOf([]Policy{restricted, silent})
	if !merged.Restricted() {
		t.Fatalf("expected allowed set from the declaring policy to apply")
	}

	// Only the silent policy: no restriction at all.
	onlySilent := ContractOf([]Policy{silent})
	if onlySilent.Restricted() {
		t.Fatalf("expected unrestricted contract")
	}
	out := onlySilent.Normalize(map[string]string{"c": "1"})
	if out["c"] != "1" {
		t.Fatalf("expected c to pass through, got %v", out)
	}
}

func TestMergeContractsUnionsAllowedAndRequired(t *testing.T) {
	first := compileSpec(t, `{"validation":{"allowedAttrs":["a"],"requiredAttrs":["a"]}}`)
	second := compileSpec(t, `{"validation":{"allowedAttrs":["b"],"requiredAttrs":["b","a"]}}`)
	merged := ContractOf([]Policy{first, second})

	out := merged.Normalize(map[string]string{"a": "1", "b": "2", "c": "3"})
	if len(out) != 2 || out["a"] != "1" || out["b"] != "2" {
		t.Fatalf("unexpected normalized attrs %v", out)
	}
	missing := merged.MissingRequired(map[string]string{})
	if len(missing) != 2 || missing[0] != "a" || missing[1] != "b" {
		t.Fatalf("expected every missing key listed, got %v", missing)
	}
}

func TestNormalizeAppliesAliasCaseAndLength(t *testing.T) {
	p := compileSpec(t, `{"validation":{
		"aliases":{"Cat":"category"},
		"keyCase":"lower",
		"maxValueLength":4,
		"maxLengths":{"id":2}
	}}`)
	out := p.Contract.Normalize(map[string]string{
		" Cat ":   " groceries ",
		"ID":      "12345",
		"   ":     "x",
		"Channel": "   ",
	})
	if out["category"] != "groc" {
		t.Fatalf("expected alias then truncation, got %v", out)
	}
	if out["id"] != "12" {
		t.Fatalf("expected per-key cap, got %v", out)
	}
	if _, ok := out["channel"]; ok {
		t.Fatalf("expected blank value dropped, got %v", out)
	}
	if len(out) != 2 {
		t.Fatalf("unexpected attrs %v", out)
	}
}

func TestRenderScope(t *testing.T) {
	template := "user:${userId}:category:${category:-all}"
	if got := RenderScope(template, "u1", "", map[string]string{}); got != "user:u1:category:all" {
		t.Fatalf("unexpected scope %q", got)
	}
	if got := RenderScope(template, "u1", "", map[string]string{"category": "groceries"}); got != "user:u1:category:groceries" {
		t.Fatalf("unexpected scope %q", got)
	}
	if got := RenderScope("${region}-${window}", "u1", "day", nil); got != "-day" {
		t.Fatalf("unexpected scope %q", got)
	}
}

func TestScopeKeyFallbacks(t *testing.T) {
	p := compileSpec(t, ``)
	if got := p.ScopeKey("w0", "u1", map[string]string{"type": "fuel"}); got != "user:u1:type:fuel" {
		t.Fatalf("unexpected fallback %q", got)
	}
	blank := compileSpec(t, `{"scopeTemplate":"${missing}"}`)
	if got := blank.ScopeKey("w0", "u1", nil); got != "user:u1:type:all" {
		t.Fatalf("expected fallback for blank render, got %q", got)
	}
}

func TestScopeKeyPerWindow(t *testing.T) {
	p := Compile(models.Strategy{
		ID: 1, Name: "p", Version: 1, Enabled: true,
		Spec:   datatypes.JSON(`{"scopeTemplate":"user:${userId}"}`),
		Limits: datatypes.JSON(twoWindowLimits),
	})
	if got := p.ScopeKey("day", "u1", nil); got != "user:u1:day" {
		t.Fatalf("expected window suffix, got %q", got)
	}
	named := Compile(models.Strategy{
		ID: 2, Name: "q", Version: 1, Enabled: true,
		Spec:   datatypes.JSON(`{"scopeTemplate":"${window}"}`),
		Limits: datatypes.JSON(twoWindowLimits),
	})
	if got := named.ScopeKey("month", "u1", nil); got != "month" {
		t.Fatalf("expected template-owned window, got %q", got)
	}
}

func TestCompileRecordsLimitErrors(t *testing.T) {
	p := Compile(models.Strategy{Name: "p", Version: 1, Enabled: true, Limits: datatypes.JSON(`{"windows":[]}`)})
	if p.LimitsErr == nil || len(p.Windows) != 0 {
		t.Fatalf("expected limits error, got %+v", p)
	}
}

func TestBestDefault(t *testing.T) {
	policies := []Policy{
		{ID: 5, Version: 2, Enabled: true, IsDefault: true},
		{ID: 3, Version: 2, Enabled: true, IsDefault: true},
		{ID: 1, Version: 9, Enabled: false, IsDefault: true},
		{ID: 2, Version: 7, Enabled: true, IsDefault: false},
	}
	best := BestDefault(policies)
	if best == nil || best.ID != 3 {
		t.Fatalf("expected id 3, got %+v", best)
	}
	if BestDefault(nil) != nil {
		t.Fatalf("expected nil for no policies")
	}
}
