package identity

import (
	"errors"
	"testing"
	"time"
)

func testAgent(name string, skills ...string) AgentIdentity {
	agent := AgentIdentity{Name: name}
	for _, id := range skills {
		agent.Skills = append(agent.Skills, SkillDeclaration{ID: id})
	}
	return agent
}

func defaultResolver() *Resolver {
	r := NewResolver(Config{
		Version:         "1",
		DefaultRole:     "developer",
		TrustedPrefixes: []string{"claude-"},
	}, nil)
	r.AddRule(Rule{
		Role:           "admin",
		RequiredSkills: []string{"admin_access", "system_management"},
		Priority:       100,
	})
	r.AddRule(Rule{
		Role:      "developer",
		AnySkills: []string{"coding"},
		Priority:  10,
	})
	return r
}

func TestResolve_AdminRule(t *testing.T) {
	r := defaultResolver()

	res, err := r.Resolve(testAgent("claude-admin", "admin_access", "system_management", "coding"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Role != "admin" {
		t.Errorf("role = %q, want admin", res.Role)
	}
	if !res.Trusted {
		t.Error("expected trusted agent")
	}
	if res.MatchedRule == nil {
		t.Fatal("expected a matched rule")
	}
	want := map[string]bool{"admin_access": true, "system_management": true}
	for skill := range want {
		found := false
		for _, m := range res.MatchedSkills {
			if m == skill {
				found = true
			}
		}
		if !found {
			t.Errorf("matched skills %v missing %s", res.MatchedSkills, skill)
		}
	}
}

func TestResolve_AnySkills(t *testing.T) {
	r := defaultResolver()

	res, err := r.Resolve(testAgent("random", "coding"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Role != "developer" {
		t.Errorf("role = %q, want developer", res.Role)
	}
	if res.Trusted {
		t.Error("agent should not be trusted")
	}
}

func TestResolve_RejectUnknown(t *testing.T) {
	r := NewResolver(Config{DefaultRole: "guest", RejectUnknown: true}, nil)
	r.AddRule(Rule{Role: "admin", RequiredSkills: []string{"admin_access"}})

	_, err := r.Resolve(testAgent("x", "z"))
	if err == nil {
		t.Fatal("expected UnknownAgent error")
	}
	if !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("error = %v, want ErrUnknownAgent", err)
	}
	var unknown *UnknownAgentError
	if !errors.As(err, &unknown) || unknown.Agent != "x" {
		t.Errorf("error should carry agent name, got %v", err)
	}
}

func TestResolve_DefaultRoleFallthrough(t *testing.T) {
	r := NewResolver(Config{DefaultRole: "guest"}, nil)
	r.AddRule(Rule{Role: "admin", RequiredSkills: []string{"admin_access"}})

	res, err := r.Resolve(testAgent("nobody", "unrelated"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Role != "guest" {
		t.Errorf("role = %q, want guest", res.Role)
	}
	if res.MatchedRule != nil {
		t.Error("fall-through resolution should have no matched rule")
	}
	if len(res.MatchedSkills) != 0 {
		t.Errorf("fall-through matched skills = %v, want none", res.MatchedSkills)
	}
}

func TestResolve_PriorityOrder(t *testing.T) {
	r := NewResolver(Config{DefaultRole: "guest"}, nil)
	r.AddRule(Rule{Role: "low", AnySkills: []string{"coding"}, Priority: 1})
	r.AddRule(Rule{Role: "high", AnySkills: []string{"coding"}, Priority: 50})

	res, err := r.Resolve(testAgent("a", "coding"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Role != "high" {
		t.Errorf("role = %q, want high (priority wins)", res.Role)
	}
}

func TestResolve_PriorityTieInsertionOrder(t *testing.T) {
	r := NewResolver(Config{DefaultRole: "guest"}, nil)
	r.AddRule(Rule{Role: "first", AnySkills: []string{"coding"}, Priority: 5})
	r.AddRule(Rule{Role: "second", AnySkills: []string{"coding"}, Priority: 5})

	res, err := r.Resolve(testAgent("a", "coding"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Role != "first" {
		t.Errorf("role = %q, want first (insertion order breaks ties)", res.Role)
	}
}

func TestResolve_ForbiddenSkillsDominate(t *testing.T) {
	r := NewResolver(Config{DefaultRole: "guest"}, nil)
	r.AddRule(Rule{
		Role:            "admin",
		RequiredSkills:  []string{"admin_access"},
		ForbiddenSkills: []string{"sandboxed"},
		Priority:        100,
	})

	res, err := r.Resolve(testAgent("a", "admin_access", "sandboxed"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Role != "guest" {
		t.Errorf("role = %q, want guest: forbidden skill must reject the rule", res.Role)
	}
}

func TestResolve_RequiredAndAnyCombined(t *testing.T) {
	r := NewResolver(Config{DefaultRole: "guest"}, nil)
	r.AddRule(Rule{
		Role:           "ops",
		RequiredSkills: []string{"deploy"},
		AnySkills:      []string{"aws", "gcp", "azure"},
		MinSkillMatch:  2,
	})

	cases := []struct {
		name   string
		skills []string
		want   string
	}{
		{"both satisfied", []string{"deploy", "aws", "gcp"}, "ops"},
		{"required missing", []string{"aws", "gcp"}, "guest"},
		{"too few any", []string{"deploy", "aws"}, "guest"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := r.Resolve(testAgent("a", tc.skills...))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Role != tc.want {
				t.Errorf("role = %q, want %q", res.Role, tc.want)
			}
		})
	}
}

func TestResolve_EmptyConditionsNeverMatch(t *testing.T) {
	r := NewResolver(Config{DefaultRole: "guest"}, nil)
	r.AddRule(Rule{Role: "trap", Priority: 1000})

	res, err := r.Resolve(testAgent("a", "anything"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Role != "guest" {
		t.Errorf("role = %q: a rule without conditions must never match", res.Role)
	}
}

func TestResolve_TrustCaseInsensitive(t *testing.T) {
	r := NewResolver(Config{DefaultRole: "guest", TrustedPrefixes: []string{"Claude-"}}, nil)

	for _, name := range []string{"claude-opus", "CLAUDE-HAIKU", "Claude-Sonnet"} {
		res, err := r.Resolve(testAgent(name))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Trusted {
			t.Errorf("%q should be trusted", name)
		}
	}

	res, _ := r.Resolve(testAgent("other"))
	if res.Trusted {
		t.Error("non-prefixed agent should not be trusted")
	}
}

func TestResolve_EmptyNameBecomesUnknown(t *testing.T) {
	r := NewResolver(Config{DefaultRole: "guest"}, nil)

	res, err := r.Resolve(testAgent("   "))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.AgentName != "unknown" {
		t.Errorf("agent name = %q, want unknown", res.AgentName)
	}
}

func TestResolve_TimeWindow(t *testing.T) {
	r := NewResolver(Config{DefaultRole: "guest"}, nil)
	r.AddRule(Rule{
		Role:      "daytime",
		AnySkills: []string{"coding"},
		Context: &TimeContext{
			AllowedDays: []string{"monday", "tuesday", "wednesday", "thursday", "friday"},
			AllowedTime: "09:00-17:00",
			Timezone:    "UTC",
		},
	})

	// Wednesday 12:00 UTC.
	r.now = func() time.Time { return time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC) }
	res, err := r.Resolve(testAgent("a", "coding"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Role != "daytime" {
		t.Errorf("role = %q, want daytime inside window", res.Role)
	}

	// Saturday.
	r.now = func() time.Time { return time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC) }
	res, _ = r.Resolve(testAgent("a", "coding"))
	if res.Role != "guest" {
		t.Errorf("role = %q, want guest on weekend", res.Role)
	}

	// Wednesday 20:00 UTC, outside hours.
	r.now = func() time.Time { return time.Date(2026, 8, 19, 20, 0, 0, 0, time.UTC) }
	res, _ = r.Resolve(testAgent("a", "coding"))
	if res.Role != "guest" {
		t.Errorf("role = %q, want guest outside hours", res.Role)
	}
}

func TestResolve_OvernightWindow(t *testing.T) {
	r := NewResolver(Config{DefaultRole: "guest"}, nil)
	r.AddRule(Rule{
		Role:      "nightshift",
		AnySkills: []string{"oncall"},
		Context:   &TimeContext{AllowedTime: "22:00-06:00", Timezone: "UTC"},
	})

	cases := []struct {
		hour int
		want string
	}{
		{23, "nightshift"},
		{2, "nightshift"},
		{6, "nightshift"}, // end is inclusive
		{12, "guest"},
		{21, "guest"},
	}
	for _, tc := range cases {
		r.now = func() time.Time { return time.Date(2026, 8, 19, tc.hour, 0, 0, 0, time.UTC) }
		res, err := r.Resolve(testAgent("a", "oncall"))
		if err != nil {
			t.Fatalf("unexpected error at hour %d: %v", tc.hour, err)
		}
		if res.Role != tc.want {
			t.Errorf("hour %d: role = %q, want %q", tc.hour, res.Role, tc.want)
		}
	}
}

func TestResolve_StrictValidation(t *testing.T) {
	strict := NewResolver(Config{DefaultRole: "guest", StrictValidation: true}, nil)
	strict.AddRule(Rule{
		Role:      "x",
		AnySkills: []string{"coding"},
		Context:   &TimeContext{Timezone: "Not/AZone"},
	})
	if _, err := strict.Resolve(testAgent("a", "coding")); !errors.Is(err, ErrInvalidTimeZone) {
		t.Errorf("strict invalid zone: err = %v, want ErrInvalidTimeZone", err)
	}

	strict = NewResolver(Config{DefaultRole: "guest", StrictValidation: true}, nil)
	strict.AddRule(Rule{
		Role:      "x",
		AnySkills: []string{"coding"},
		Context:   &TimeContext{AllowedTime: "25:99-banana"},
	})
	if _, err := strict.Resolve(testAgent("a", "coding")); !errors.Is(err, ErrInvalidTimeRange) {
		t.Errorf("strict invalid range: err = %v, want ErrInvalidTimeRange", err)
	}

	// Non-strict mode fails open: invalid range allows, invalid zone falls
	// back to the system zone.
	lenient := NewResolver(Config{DefaultRole: "guest"}, nil)
	lenient.AddRule(Rule{
		Role:      "x",
		AnySkills: []string{"coding"},
		Context:   &TimeContext{AllowedTime: "nonsense"},
	})
	res, err := lenient.Resolve(testAgent("a", "coding"))
	if err != nil {
		t.Fatalf("lenient mode should not error: %v", err)
	}
	if res.Role != "x" {
		t.Errorf("lenient invalid range: role = %q, want x", res.Role)
	}
}

func TestLoadFromSkills_Dedup(t *testing.T) {
	r := NewResolver(Config{DefaultRole: "guest"}, nil)

	contributions := map[string]SkillIdentity{
		"alpha": {
			SkillMatching: []Rule{
				{Role: "dev", RequiredSkills: []string{"a", "b"}},
			},
			TrustedPrefixes: []string{"bot-"},
		},
		"beta": {
			SkillMatching: []Rule{
				// Same triple as alpha's after canonical ordering.
				{Role: "dev", RequiredSkills: []string{"b", "a"}},
				{Role: "ops", AnySkills: []string{"deploy"}},
			},
			TrustedPrefixes: []string{"BOT-", "svc-"},
		},
	}

	r.LoadFromSkills(contributions)

	rules := r.Rules()
	if len(rules) != 2 {
		t.Fatalf("rules = %d, want 2 after dedup: %+v", len(rules), rules)
	}

	cfg := r.Config()
	if len(cfg.TrustedPrefixes) != 2 {
		t.Errorf("trusted prefixes = %v, want 2 (case-insensitive union)", cfg.TrustedPrefixes)
	}
}

func TestLoadFromSkills_AnnotatesDescription(t *testing.T) {
	r := NewResolver(Config{DefaultRole: "guest"}, nil)
	r.LoadFromSkills(map[string]SkillIdentity{
		"deploy-skill": {
			SkillMatching: []Rule{{Role: "ops", AnySkills: []string{"deploy"}}},
		},
	})

	rules := r.Rules()
	if len(rules) != 1 {
		t.Fatalf("rules = %d, want 1", len(rules))
	}
	if rules[0].Description != "from skill deploy-skill" {
		t.Errorf("description = %q, want origin annotation", rules[0].Description)
	}
}

func TestLoadFromSkills_PreservesConfiguredRules(t *testing.T) {
	r := NewResolver(Config{
		DefaultRole: "guest",
		Rules: []Rule{
			{Role: "admin", RequiredSkills: []string{"admin_access"}, Priority: 100},
		},
	}, nil)

	r.LoadFromSkills(map[string]SkillIdentity{
		"file-ops": {
			SkillMatching: []Rule{{Role: "frontend", AnySkills: []string{"file_ops"}}},
		},
	})

	res, err := r.Resolve(testAgent("a", "admin_access"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Role != "admin" {
		t.Errorf("role = %q, want admin from the configured rule", res.Role)
	}
	if got := len(r.Rules()); got != 2 {
		t.Errorf("rules = %d, want configured plus contributed", got)
	}

	// A reload replaces only the contributed rules.
	r.LoadFromSkills(map[string]SkillIdentity{})
	res, err = r.Resolve(testAgent("a", "admin_access"))
	if err != nil {
		t.Fatalf("unexpected error after reload: %v", err)
	}
	if res.Role != "admin" {
		t.Errorf("role after reload = %q, want admin", res.Role)
	}
	if got := len(r.Rules()); got != 1 {
		t.Errorf("rules after reload = %d, want only the configured rule", got)
	}
}

func TestLoadFromSkills_ConfiguredRuleWinsDedup(t *testing.T) {
	r := NewResolver(Config{
		DefaultRole: "guest",
		Rules: []Rule{
			{Role: "ops", AnySkills: []string{"deploy"}, Description: "configured"},
		},
	}, nil)

	r.LoadFromSkills(map[string]SkillIdentity{
		"deploy-skill": {
			SkillMatching: []Rule{{Role: "ops", AnySkills: []string{"deploy"}}},
		},
	})

	rules := r.Rules()
	if len(rules) != 1 {
		t.Fatalf("rules = %d, want 1 after dedup: %+v", len(rules), rules)
	}
	if rules[0].Description != "configured" {
		t.Errorf("description = %q, want the configured rule to win", rules[0].Description)
	}
}

func TestStats(t *testing.T) {
	r := defaultResolver()
	stats := r.Stats()
	if stats.RuleCount != 2 {
		t.Errorf("rule count = %d, want 2", stats.RuleCount)
	}
	if stats.RulesByRole["admin"] != 1 || stats.RulesByRole["developer"] != 1 {
		t.Errorf("rules by role = %v", stats.RulesByRole)
	}
	if stats.DefaultRole != "developer" {
		t.Errorf("default role = %q", stats.DefaultRole)
	}
}
