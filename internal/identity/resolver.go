package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Resolution failure modes. InvalidTimeRange and InvalidTimeZone surface
// only under strict validation; otherwise the window fails open with a
// warning.
var (
	ErrUnknownAgent     = errors.New("identity: no rule matched and unknown agents are rejected")
	ErrInvalidTimeZone  = errors.New("identity: invalid rule timezone")
	ErrInvalidTimeRange = errors.New("identity: invalid rule time range")
)

// UnknownAgentError carries the agent that failed to resolve.
type UnknownAgentError struct {
	Agent string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("identity: agent %q matched no rule and unknown agents are rejected", e.Agent)
}

func (e *UnknownAgentError) Unwrap() error { return ErrUnknownAgent }

// Resolver maps agent identities to roles using ordered skill-matching
// rules. Safe for concurrent use.
type Resolver struct {
	mu     sync.RWMutex
	config Config
	logger *slog.Logger

	// skillRules are contributed by the skill manifest and replaced
	// wholesale on every LoadFromSkills, leaving config.Rules intact.
	skillRules []Rule

	// now is replaceable for time-window tests.
	now func() time.Time
}

// NewResolver creates a resolver with the given configuration.
// The logger may be nil.
func NewResolver(config Config, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		config: config,
		logger: logger.With("component", "identity"),
		now:    time.Now,
	}
}

// AddRule appends a rule. Evaluation order is priority-descending with
// insertion order breaking ties.
func (r *Resolver) AddRule(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config.Rules = append(r.config.Rules, rule)
}

// ClearRules removes all rules, configured and skill-contributed alike.
func (r *Resolver) ClearRules() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config.Rules = nil
	r.skillRules = nil
}

// SetDefaultRole changes the fall-through role.
func (r *Resolver) SetDefaultRole(role string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config.DefaultRole = role
}

// SetRejectUnknown toggles rejection of agents matching no rule.
func (r *Resolver) SetRejectUnknown(reject bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config.RejectUnknown = reject
}

// allRulesLocked returns the effective rule set: configured rules first,
// then skill-contributed ones. Callers must hold the lock.
func (r *Resolver) allRulesLocked() []Rule {
	rules := make([]Rule, 0, len(r.config.Rules)+len(r.skillRules))
	rules = append(rules, r.config.Rules...)
	rules = append(rules, r.skillRules...)
	return rules
}

// Rules returns a copy of the effective rules in insertion order,
// configured rules before skill-contributed ones.
func (r *Resolver) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allRulesLocked()
}

// Config returns a copy of the resolver configuration with the effective
// rule set folded in.
func (r *Resolver) Config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg := r.config
	cfg.Rules = r.allRulesLocked()
	cfg.TrustedPrefixes = append([]string(nil), r.config.TrustedPrefixes...)
	return cfg
}

// HasRoleRule reports whether any rule targets the given role.
func (r *Resolver) HasRoleRule(role string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rule := range r.allRulesLocked() {
		if rule.Role == role {
			return true
		}
	}
	return false
}

// Stats summarizes the resolver state.
func (r *Resolver) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byRole := make(map[string]int)
	for _, rule := range r.allRulesLocked() {
		byRole[rule.Role]++
	}
	return Stats{
		RuleCount:     len(r.config.Rules) + len(r.skillRules),
		RulesByRole:   byRole,
		DefaultRole:   r.config.DefaultRole,
		RejectUnknown: r.config.RejectUnknown,
	}
}

// LoadFromSkills replaces the skill-contributed rule set with the rules
// from the given catalogue entries and unions their trusted prefixes.
// Rules configured directly on the resolver are preserved across loads.
// Rules whose (role, requiredSkills, anySkills) triple is identical after
// canonical ordering are deduplicated, configured rules winning over
// contributions and the first occurrence winning among contributions.
// Rules without a description are annotated with the origin skill id.
func (r *Resolver) LoadFromSkills(contributions map[string]SkillIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool)
	for _, rule := range r.config.Rules {
		seen[ruleKey(rule)] = true
	}
	prefixes := make(map[string]bool)
	for _, p := range r.config.TrustedPrefixes {
		prefixes[strings.ToLower(p)] = true
	}

	var rules []Rule

	// Iterate skills in sorted order so reloads are deterministic.
	skillIDs := make([]string, 0, len(contributions))
	for id := range contributions {
		skillIDs = append(skillIDs, id)
	}
	sort.Strings(skillIDs)

	for _, skillID := range skillIDs {
		contrib := contributions[skillID]
		for _, rule := range contrib.SkillMatching {
			key := ruleKey(rule)
			if seen[key] {
				continue
			}
			seen[key] = true
			if rule.Description == "" {
				rule.Description = fmt.Sprintf("from skill %s", skillID)
			}
			rules = append(rules, rule)
		}
		for _, p := range contrib.TrustedPrefixes {
			lower := strings.ToLower(p)
			if !prefixes[lower] {
				prefixes[lower] = true
				r.config.TrustedPrefixes = append(r.config.TrustedPrefixes, p)
			}
		}
	}

	r.skillRules = rules
	r.logger.Info("loaded identity rules from skills",
		"skills", len(contributions),
		"rules", len(rules),
		"configured_rules", len(r.config.Rules),
		"trusted_prefixes", len(r.config.TrustedPrefixes))
}

// ruleKey builds the dedup key for a rule: role plus canonically ordered
// required and any sets.
func ruleKey(rule Rule) string {
	required := append([]string(nil), rule.RequiredSkills...)
	any := append([]string(nil), rule.AnySkills...)
	sort.Strings(required)
	sort.Strings(any)
	return rule.Role + "\x00" + strings.Join(required, "\x01") + "\x00" + strings.Join(any, "\x01")
}

// Resolve maps an agent identity to a role. Rules are evaluated in
// descending priority (insertion order breaks ties); the first rule whose
// conditions are all satisfied wins. When no rule matches, the default
// role is returned unless RejectUnknown is set.
func (r *Resolver) Resolve(agent AgentIdentity) (Resolution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name := strings.TrimSpace(agent.Name)
	if name == "" {
		name = "unknown"
	}
	skills := agent.SkillIDs()

	ordered := r.allRulesLocked()
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	for i := range ordered {
		rule := &ordered[i]
		matched, matchedSkills, err := r.evaluate(rule, skills)
		if err != nil {
			return Resolution{}, err
		}
		if !matched {
			continue
		}
		return Resolution{
			Role:          rule.Role,
			AgentName:     name,
			MatchedRule:   rule,
			MatchedSkills: matchedSkills,
			Trusted:       r.isTrusted(name),
			ResolvedAt:    r.now(),
		}, nil
	}

	if r.config.RejectUnknown {
		return Resolution{}, &UnknownAgentError{Agent: name}
	}

	return Resolution{
		Role:       r.config.DefaultRole,
		AgentName:  name,
		Trusted:    r.isTrusted(name),
		ResolvedAt: r.now(),
	}, nil
}

// evaluate checks a single rule against the agent's skill set.
func (r *Resolver) evaluate(rule *Rule, skills map[string]bool) (bool, []string, error) {
	for _, forbidden := range rule.ForbiddenSkills {
		if skills[forbidden] {
			r.logger.Debug("rule rejected by forbidden skill",
				"role", rule.Role, "skill", forbidden)
			return false, nil, nil
		}
	}

	if rule.Context != nil {
		ok, err := r.inWindow(rule.Context)
		if err != nil {
			return false, nil, err
		}
		if !ok {
			return false, nil, nil
		}
	}

	var matched []string

	if len(rule.RequiredSkills) > 0 {
		for _, required := range rule.RequiredSkills {
			if !skills[required] {
				return false, nil, nil
			}
			matched = append(matched, required)
		}
	}

	if len(rule.AnySkills) > 0 {
		min := rule.MinSkillMatch
		if min < 1 {
			min = 1
		}
		hits := 0
		for _, id := range rule.AnySkills {
			if skills[id] {
				hits++
				matched = append(matched, id)
			}
		}
		if hits < min {
			return false, nil, nil
		}
	}

	// A rule with neither condition set never matches.
	if len(rule.RequiredSkills) == 0 && len(rule.AnySkills) == 0 {
		return false, nil, nil
	}

	return true, matched, nil
}

// inWindow evaluates the rule's time context against the current wall time.
func (r *Resolver) inWindow(tc *TimeContext) (bool, error) {
	loc := time.Local
	if tc.Timezone != "" {
		parsed, err := time.LoadLocation(tc.Timezone)
		if err != nil {
			if r.config.StrictValidation {
				return false, fmt.Errorf("%w: %q", ErrInvalidTimeZone, tc.Timezone)
			}
			r.logger.Warn("invalid rule timezone, using system zone",
				"timezone", tc.Timezone, "error", err)
		} else {
			loc = parsed
		}
	}
	now := r.now().In(loc)

	if len(tc.AllowedDays) > 0 {
		today := strings.ToLower(now.Weekday().String())
		found := false
		for _, day := range tc.AllowedDays {
			if strings.ToLower(strings.TrimSpace(day)) == today {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}

	if tc.AllowedTime != "" {
		start, end, err := parseTimeRange(tc.AllowedTime)
		if err != nil {
			if r.config.StrictValidation {
				return false, fmt.Errorf("%w: %q", ErrInvalidTimeRange, tc.AllowedTime)
			}
			r.logger.Warn("invalid rule time range, allowing",
				"range", tc.AllowedTime, "error", err)
			return true, nil
		}
		minutes := now.Hour()*60 + now.Minute()
		if start <= end {
			if minutes < start || minutes > end {
				return false, nil
			}
		} else {
			// Overnight range, e.g. 22:00-06:00.
			if minutes < start && minutes > end {
				return false, nil
			}
		}
	}

	return true, nil
}

// parseTimeRange parses "HH:MM-HH:MM" into start and end minutes of day.
func parseTimeRange(s string) (start, end int, err error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected HH:MM-HH:MM, got %q", s)
	}
	start, err = parseClock(parts[0])
	if err != nil {
		return 0, 0, err
	}
	end, err = parseClock(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// parseClock parses "HH:MM" into minutes of day.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q out of range", s)
	}
	return h*60 + m, nil
}

// isTrusted reports whether the lowercased agent name starts with any
// configured trusted prefix.
func (r *Resolver) isTrusted(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range r.config.TrustedPrefixes {
		if strings.HasPrefix(lower, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}
