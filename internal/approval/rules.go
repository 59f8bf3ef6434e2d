package approval

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"agentdesk/internal/protocol"
)

// ErrInvalidRule indicates a rule with an unknown action or a malformed
// pattern.
var ErrInvalidRule = errors.New("approval: invalid rule")

// Action is what a rule does with a matching approval.
type Action string

const (
	ActionAsk     Action = "ask"
	ActionApprove Action = "approve"
	ActionDeny    Action = "deny"
)

// Rule decides matching approvals without asking the user. Empty fields
// match anything.
type Rule struct {
	// Type restricts the rule to one approval type.
	Type protocol.ApprovalType `mapstructure:"type" yaml:"type" json:"type,omitempty"`

	// Path is a wildcard matched against the target file path. "*" matches
	// any run of characters, separators included.
	Path string `mapstructure:"path" yaml:"path" json:"path,omitempty"`

	// Pattern is a regular expression matched against the terminal command.
	Pattern string `mapstructure:"pattern" yaml:"pattern" json:"pattern,omitempty"`

	// MaxRisk limits a terminal rule to commands graded at or below it.
	// Commands without a grade count as high risk.
	MaxRisk protocol.RiskLevel `mapstructure:"max_risk" yaml:"max_risk" json:"max_risk,omitempty"`

	Action Action `mapstructure:"action" yaml:"action" json:"action"`

	// Message is sent as feedback when the rule denies.
	Message string `mapstructure:"message" yaml:"message" json:"message,omitempty"`
}

// Rules evaluates approvals against an ordered rule list. The first
// matching rule wins.
type Rules struct {
	rules    []Rule
	patterns []*regexp.Regexp
	paths    []*regexp.Regexp
}

// NewRules compiles rules.
func NewRules(rules []Rule) (*Rules, error) {
	r := &Rules{
		rules:    rules,
		patterns: make([]*regexp.Regexp, len(rules)),
		paths:    make([]*regexp.Regexp, len(rules)),
	}
	for i, rule := range rules {
		switch rule.Action {
		case ActionApprove, ActionDeny, ActionAsk:
		default:
			return nil, fmt.Errorf("%w: rule %d: unknown action %q", ErrInvalidRule, i, rule.Action)
		}
		if rule.Pattern != "" {
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				return nil, fmt.Errorf("%w: rule %d: %v", ErrInvalidRule, i, err)
			}
			r.patterns[i] = re
		}
		if rule.Path != "" {
			r.paths[i] = wildcard(rule.Path)
		}
	}
	return r, nil
}

// Len returns the number of rules.
func (r *Rules) Len() int {
	if r == nil {
		return 0
	}
	return len(r.rules)
}

// Evaluate returns the action of the first rule matching a, and the rule.
// Without a match it returns ActionAsk and nil.
func (r *Rules) Evaluate(a *PendingApproval) (Action, *Rule) {
	if r == nil || a == nil {
		return ActionAsk, nil
	}
	subject := target(a)
	for i := range r.rules {
		if r.matches(i, a, subject) {
			return r.rules[i].Action, &r.rules[i]
		}
	}
	return ActionAsk, nil
}

type subject struct {
	path    string
	command string
	risk    protocol.RiskLevel
}

func target(a *PendingApproval) subject {
	var s subject
	switch {
	case a.Type.TouchesFile():
		if p, err := a.Patch(); err == nil {
			s.path = p.FilePath
		}
	case a.Type == protocol.ApprovalTerminal:
		if t, err := a.Terminal(); err == nil {
			s.command = t.Command
			s.risk = t.RiskLevel
		}
	}
	return s
}

func (r *Rules) matches(i int, a *PendingApproval, s subject) bool {
	rule := r.rules[i]
	if rule.Type != "" && rule.Type != a.Type {
		return false
	}
	if re := r.paths[i]; re != nil && (s.path == "" || !re.MatchString(s.path)) {
		return false
	}
	if re := r.patterns[i]; re != nil && (s.command == "" || !re.MatchString(s.command)) {
		return false
	}
	if rule.MaxRisk != "" && (a.Type != protocol.ApprovalTerminal || riskRank(s.risk) > riskRank(rule.MaxRisk)) {
		return false
	}
	return true
}

func riskRank(r protocol.RiskLevel) int {
	switch strings.ToLower(string(r)) {
	case string(protocol.RiskLow):
		return 0
	case string(protocol.RiskMedium):
		return 1
	default:
		return 2
	}
}

// wildcard compiles a pattern where "*" matches any run of characters.
func wildcard(pattern string) *regexp.Regexp {
	escaped := regexp.QuoteMeta(pattern)
	return regexp.MustCompile("^" + strings.ReplaceAll(escaped, `\*`, `.*`) + "$")
}
