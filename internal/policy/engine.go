// Package policy implements the deterministic pre-execution evaluator. Every
// proposal is checked against hard constitutional invariants; the outcome is
// a pure function of the proposal, never of external state.
package policy

import (
	"regexp"
	"strings"
)

// Decisions.
const (
	DecisionApproved  = "APPROVED"
	DecisionDenied    = "DENIED"
	DecisionEscalated = "ESCALATED"
)

// Signals attached to structured results.
const (
	SignalProtectedPathWrite    = "protected_path_write"
	SignalDestructiveCommand    = "destructive_command"
	SignalExternalNetworkAccess = "external_network_access"
	SignalStandardOperation     = "standard_operation"
)

// denyThreshold is the risk score at which an evaluation is denied outright
// rather than escalated to a human.
const denyThreshold = 0.8

// Proposal is the slice of the envelope the evaluator looks at.
type Proposal struct {
	ActorID    string `json:"actor_id"`
	ActionType string `json:"action_type"`
	Content    string `json:"content"`
	TargetPath string `json:"target_path,omitempty"`
}

// Violation is one breached rule.
type Violation struct {
	Rule        string `json:"rule"`
	Description string `json:"description"`
}

// Result is the structured outcome of an evaluation.
type Result struct {
	Decision     string      `json:"decision"`
	RiskScore    float64     `json:"risk_score"`
	Violations   []Violation `json:"violations"`
	Rationale    []string    `json:"rationale"`
	MatchedRules []string    `json:"matched_rules"`
	Signals      []string    `json:"signals"`
}

// Passed reports whether the proposal was approved outright.
func (r Result) Passed() bool {
	return r.Decision == DecisionApproved
}

// Protected paths: governance files and the constitution itself. [/\\]
// matches both separators so `..\governance\x` cannot slip through.
var protectedPaths = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(^|[/\\])governance[/\\]`),
	regexp.MustCompile(`(?i)(^|[/\\])policy[/\\]`),
	regexp.MustCompile(`(?i)(^|[/\\])CONSTITUTION\.md$`),
}

// Forbidden shell patterns.
var forbiddenCommands = []struct {
	pattern     *regexp.Regexp
	description string
}{
	{regexp.MustCompile(`\bsudo\b`), "Use of 'sudo' is prohibited (§II)"},
	{regexp.MustCompile(`\bchmod\s+777\b`), "chmod 777 is prohibited (§II)"},
	{regexp.MustCompile(`\brm\s+-rf\s+/`), "Destructive 'rm -rf /' is prohibited (§II)"},
	{regexp.MustCompile(`\brm\s+-rf\s+\*`), "Destructive 'rm -rf *' is prohibited (§II)"},
	{regexp.MustCompile(`\bmkfs\b`), "Filesystem format command is prohibited (§II)"},
	{regexp.MustCompile(`\bdd\s+.+of=/dev/`), "Raw disk write via dd is prohibited (§II)"},
}

var (
	curlPattern = regexp.MustCompile(`\bcurl\b`)
	wgetPattern = regexp.MustCompile(`\bwget\b`)
)

// Action types that execute in a shell.
var shellActionTypes = map[string]bool{
	"bash": true, "shell": true, "command": true, "exec": true, "terminal": true,
}

// Action types that mutate files.
var fileActionTypes = map[string]bool{
	"file_write": true, "file_edit": true, "file_delete": true,
	"file_move": true, "write": true, "edit": true, "delete": true,
}

// Engine evaluates proposals. Rules are loaded from the constitution for
// reporting; the invariant checks themselves are compiled in so the engine
// stays deterministic even if the document is reworded.
type Engine struct {
	Rules []ConstitutionRule
}

// NewEngine loads the constitution at path. An empty path yields an engine
// with no parsed rule text; evaluation behaviour is identical.
func NewEngine(constitutionPath string) (*Engine, error) {
	e := &Engine{}
	if constitutionPath != "" {
		rules, err := ParseConstitution(constitutionPath)
		if err != nil {
			return nil, err
		}
		e.Rules = rules
	}
	return e, nil
}

// Evaluate runs every invariant check and derives decision, risk score, and
// the structured rationale.
func (e *Engine) Evaluate(p Proposal) Result {
	var violations []Violation
	var signals []string

	if v := checkAuthorityDecoupling(p); len(v) > 0 {
		violations = append(violations, v...)
		signals = append(signals, SignalProtectedPathWrite)
	}
	if v := checkOperationalConstraints(p); len(v) > 0 {
		violations = append(violations, v...)
		signals = append(signals, SignalDestructiveCommand)
	}
	if v := checkUnproxiedNetworkAccess(p); len(v) > 0 {
		violations = append(violations, v...)
		signals = append(signals, SignalExternalNetworkAccess)
	}

	risk := riskScore(violations)

	var decision string
	switch {
	case len(violations) == 0:
		decision = DecisionApproved
		signals = append(signals, SignalStandardOperation)
	case risk >= denyThreshold:
		decision = DecisionDenied
	default:
		decision = DecisionEscalated
	}

	rationale := make([]string, 0, len(violations)+1)
	matched := make([]string, 0, len(violations))
	seen := map[string]bool{}
	for _, v := range violations {
		rationale = append(rationale, v.Description)
		if !seen[v.Rule] {
			seen[v.Rule] = true
			matched = append(matched, v.Rule)
		}
	}
	if len(violations) == 0 {
		rationale = append(rationale, "No constitutional violations detected.")
	}

	return Result{
		Decision:     decision,
		RiskScore:    risk,
		Violations:   violations,
		Rationale:    rationale,
		MatchedRules: matched,
		Signals:      signals,
	}
}

// checkAuthorityDecoupling enforces §I.2: agents cannot modify governance/,
// policy/, or CONSTITUTION.md. One violation per proposal, at most.
func checkAuthorityDecoupling(p Proposal) []Violation {
	if !fileActionTypes[strings.ToLower(p.ActionType)] {
		return nil
	}
	target := p.TargetPath
	if target == "" {
		target = p.Content
	}
	for _, pattern := range protectedPaths {
		if pattern.MatchString(target) {
			return []Violation{{
				Rule:        "§I.2",
				Description: "Authority Decoupling: modification of protected path '" + target + "' is prohibited.",
			}}
		}
	}
	return nil
}

// checkOperationalConstraints enforces §II: forbidden shell commands. Every
// matching pattern contributes its own violation.
func checkOperationalConstraints(p Proposal) []Violation {
	if !shellActionTypes[strings.ToLower(p.ActionType)] {
		return nil
	}
	var out []Violation
	for _, fc := range forbiddenCommands {
		if fc.pattern.MatchString(p.Content) {
			out = append(out, Violation{Rule: "§II", Description: fc.description})
		}
	}
	return out
}

// checkUnproxiedNetworkAccess enforces §II: external calls must be proxied
// through the gateway so their intent is logged.
func checkUnproxiedNetworkAccess(p Proposal) []Violation {
	if !shellActionTypes[strings.ToLower(p.ActionType)] {
		return nil
	}
	if curlPattern.MatchString(p.Content) || wgetPattern.MatchString(p.Content) {
		return []Violation{{
			Rule:        "§II",
			Description: "External API calls must be proxied through the Governance Gateway for intent-logging.",
		}}
	}
	return nil
}

// riskScore sums per-section weights: governance invariants (§I.*) weigh
// 0.9, operational constraints (§II) 0.6, anything else 0.5. Capped at 1.0.
func riskScore(violations []Violation) float64 {
	if len(violations) == 0 {
		return 0.0
	}
	score := 0.0
	for _, v := range violations {
		section := v.Rule
		if i := strings.Index(section, "."); i >= 0 {
			section = section[:i]
		}
		switch section {
		case "§I":
			score += 0.9
		case "§II":
			score += 0.6
		default:
			score += 0.5
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}
