// Package identity resolves a declared agent (name plus claimed skills) to a
// role via ordered skill-matching rules.
package identity

import (
	"time"
)

// SkillDeclaration is a capability an agent claims to have. Only the ID
// participates in rule matching; the rest is descriptive.
type SkillDeclaration struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name,omitempty" yaml:"name,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Modes       []string `json:"modes,omitempty" yaml:"modes,omitempty"`
}

// AgentIdentity describes the connecting agent. It is immutable per
// resolve call.
type AgentIdentity struct {
	// Name is the declared agent name. Empty names resolve as "unknown".
	Name string `json:"name"`

	// Version is the optional agent version string.
	Version string `json:"version,omitempty"`

	// Skills are the declared skills, in declaration order.
	Skills []SkillDeclaration `json:"skills,omitempty"`

	// Metadata holds free-form key/value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SkillIDs returns the set of declared skill identifiers.
func (a AgentIdentity) SkillIDs() map[string]bool {
	ids := make(map[string]bool, len(a.Skills))
	for _, s := range a.Skills {
		if s.ID != "" {
			ids[s.ID] = true
		}
	}
	return ids
}

// TimeContext restricts a rule to a time window. Days and times are
// evaluated in Timezone (IANA name); an empty zone means the system zone.
type TimeContext struct {
	// AllowedDays are lowercase weekday names ("monday" ... "sunday").
	// Empty means any day.
	AllowedDays []string `json:"allowedDays,omitempty" yaml:"allowedDays,omitempty"`

	// AllowedTime is a "HH:MM-HH:MM" range. When start > end the range
	// wraps midnight (overnight shift). Empty means any time.
	AllowedTime string `json:"allowedTime,omitempty" yaml:"allowedTime,omitempty"`

	// Timezone is an IANA zone name such as "America/New_York".
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// Rule maps skill conditions to a role. Rules are evaluated in descending
// priority with insertion order breaking ties; the first satisfied rule
// wins. A rule with neither RequiredSkills nor AnySkills never matches.
type Rule struct {
	// Role is the target role id.
	Role string `json:"role" yaml:"role"`

	// RequiredSkills must all be present (AND).
	RequiredSkills []string `json:"requiredSkills,omitempty" yaml:"requiredSkills,omitempty"`

	// AnySkills requires at least MinSkillMatch of these (OR).
	AnySkills []string `json:"anySkills,omitempty" yaml:"anySkills,omitempty"`

	// MinSkillMatch is the minimum AnySkills hits required. Defaults to 1.
	MinSkillMatch int `json:"minSkillMatch,omitempty" yaml:"minSkillMatch,omitempty"`

	// ForbiddenSkills reject the rule immediately when any is present.
	ForbiddenSkills []string `json:"forbiddenSkills,omitempty" yaml:"forbiddenSkills,omitempty"`

	// Context optionally restricts the rule to a time window.
	Context *TimeContext `json:"context,omitempty" yaml:"context,omitempty"`

	// Priority orders evaluation, highest first. Defaults to 0.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`

	// Description is a human-readable summary.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Config holds the resolver configuration.
type Config struct {
	Version string `json:"version" yaml:"version"`

	// DefaultRole is returned when no rule matches and RejectUnknown is off.
	DefaultRole string `json:"defaultRole" yaml:"defaultRole"`

	// Rules are the ordered skill-matching rules.
	Rules []Rule `json:"skillRules,omitempty" yaml:"skillRules,omitempty"`

	// RejectUnknown fails resolution instead of falling back to DefaultRole.
	RejectUnknown bool `json:"rejectUnknown,omitempty" yaml:"rejectUnknown,omitempty"`

	// TrustedPrefixes tag agents whose name starts with one of these
	// (case-insensitive) as trusted. Trust never affects the role decision.
	TrustedPrefixes []string `json:"trustedPrefixes,omitempty" yaml:"trustedPrefixes,omitempty"`

	// StrictValidation fails closed on invalid time ranges or zones.
	// When off, invalid windows log a warning and fail open.
	StrictValidation bool `json:"strictValidation,omitempty" yaml:"strictValidation,omitempty"`
}

// Resolution is the outcome of resolving an agent identity.
type Resolution struct {
	// Role is the resolved role id.
	Role string `json:"role"`

	// AgentName is the (trimmed) agent name the resolution applies to.
	AgentName string `json:"agentName"`

	// MatchedRule is the rule that matched, or nil for a default-role fall
	// through.
	MatchedRule *Rule `json:"matchedRule,omitempty"`

	// MatchedSkills are the skill ids that satisfied the rule conditions.
	MatchedSkills []string `json:"matchedSkills,omitempty"`

	// Trusted reports whether the agent name carries a trusted prefix.
	Trusted bool `json:"trusted"`

	// ResolvedAt is the resolution timestamp.
	ResolvedAt time.Time `json:"resolvedAt"`
}

// Stats summarizes the resolver state for status surfaces.
type Stats struct {
	RuleCount     int            `json:"ruleCount"`
	RulesByRole   map[string]int `json:"rulesByRole"`
	DefaultRole   string         `json:"defaultRole"`
	RejectUnknown bool           `json:"rejectUnknown"`
}

// SkillIdentity is a skill catalogue entry's contribution to the identity
// configuration: extra matching rules plus trusted prefixes.
type SkillIdentity struct {
	SkillMatching   []Rule   `json:"skillMatching,omitempty" yaml:"skillMatching,omitempty"`
	TrustedPrefixes []string `json:"trustedPrefixes,omitempty" yaml:"trustedPrefixes,omitempty"`
}
