package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jlugo63/gavel/internal/canonical"
)

// Finding categories.
const (
	CategoryScopeViolation   = "scope_violation"
	CategoryForbiddenPath    = "forbidden_path"
	CategorySecretExposure   = "secret_exposure"
	CategoryDependencyChange = "dependency_change"
	CategoryNetworkAttempt   = "network_attempt"
)

// Finding severities.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Finding is one detected issue in an evidence packet.
type Finding struct {
	Category       string `json:"category"`
	Severity       string `json:"severity"`
	Description    string `json:"description"`
	FilePath       string `json:"file_path,omitempty"`
	MatchedPattern string `json:"matched_pattern,omitempty"`
}

// ReviewResult is the outcome of the deterministic review.
type ReviewResult struct {
	Passed         bool      `json:"passed"`
	Findings       []Finding `json:"findings"`
	RiskDelta      float64   `json:"risk_delta"`
	ScopeCompliant bool      `json:"scope_compliant"`
	ReviewedAt     string    `json:"reviewed_at"`
}

// Paths no sandboxed command may touch, regardless of scope.
var forbiddenPathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)CONSTITUTION\.md`),
	regexp.MustCompile(`(?i)governance[/\\]`),
	regexp.MustCompile(`(?i)policy[/\\]`),
	regexp.MustCompile(`(?i)\.env`),
	regexp.MustCompile(`(?i)\.git[/\\]`),
	regexp.MustCompile(`(?i).*\.key$`),
	regexp.MustCompile(`(?i).*\.pem$`),
	regexp.MustCompile(`(?i)id_rsa`),
}

// Dependency manifests and lockfiles whose mutation is flagged.
var dependencyFiles = map[string]bool{
	"package-lock.json": true,
	"package.json":      true,
	"poetry.lock":       true,
	"pyproject.toml":    true,
	"requirements.txt":  true,
	"Gemfile.lock":      true,
	"go.sum":            true,
	"Cargo.lock":        true,
}

var networkPatterns = []struct {
	name    string
	pattern *regexp.Regexp
}{
	{"Network command", regexp.MustCompile(`\b(?:curl|wget|fetch|http\.get|requests\.get|urllib)\b`)},
	{"URL reference", regexp.MustCompile(`(?:https?|ftp)://`)},
	{"DNS operation", regexp.MustCompile(`\b(?:getaddrinfo|resolve|nslookup|dig)\b`)},
	{"Socket operation", regexp.MustCompile(`(?:connect\(\)|socket\(|SOCK_STREAM)`)},
	{"Network error (blocked)", regexp.MustCompile(`(?:Network is unreachable|Could not resolve host|Connection refused|Name or service not known)`)},
}

var secretPatterns = []struct {
	name    string
	pattern *regexp.Regexp
}{
	{"AWS Access Key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"GitHub Token", regexp.MustCompile(`gh[posrt]_[A-Za-z0-9_]{36,}`)},
	{"Generic API Key", regexp.MustCompile(`[Aa]pi[_\-]?[Kk]ey\s*[:=]\s*\S+`)},
	{"Private Key Header", regexp.MustCompile(`-----BEGIN.*PRIVATE KEY-----`)},
}

// riskDeltaWeights prices each finding category. The sum is capped at 1.0.
var riskDeltaWeights = map[string]float64{
	CategoryScopeViolation:   0.3,
	CategoryForbiddenPath:    0.5,
	CategorySecretExposure:   0.5,
	CategoryDependencyChange: 0.1,
	CategoryNetworkAttempt:   0.2,
}

// RiskMapVersionHash fingerprints the weight table so review events record
// which pricing produced their delta.
func RiskMapVersionHash() string {
	canon, err := canonical.Marshal(riskDeltaWeights)
	if err != nil {
		// The weight table is a static map of strings to floats; this cannot
		// fail at runtime.
		panic(err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}

// Review runs every deterministic check on a packet. A nil allowPaths skips
// the scope check (no declared scope means nothing to compare against).
func Review(p *Packet, allowPaths []string) ReviewResult {
	diff := p.BlastBox.Diff
	stdout := p.BlastBox.Stdout
	stderr := p.BlastBox.Stderr

	var findings []Finding
	if allowPaths != nil {
		findings = append(findings, reviewScope(diff.Added, diff.Modified, allowPaths)...)
	}
	findings = append(findings, reviewForbiddenPaths(diff.Added, diff.Modified, diff.Deleted)...)
	findings = append(findings, reviewSecrets(stdout, stderr)...)
	findings = append(findings, reviewDependencies(diff.Added, diff.Modified)...)
	findings = append(findings, reviewNetworkAttempts(stdout, stderr)...)

	passed := true
	scopeCompliant := true
	delta := 0.0
	for _, f := range findings {
		if f.Severity == SeverityCritical || f.Severity == SeverityHigh {
			passed = false
		}
		if f.Category == CategoryScopeViolation {
			scopeCompliant = false
		}
		delta += riskDeltaWeights[f.Category]
	}
	if delta > 1.0 {
		delta = 1.0
	}

	return ReviewResult{
		Passed:         passed,
		Findings:       findings,
		RiskDelta:      delta,
		ScopeCompliant: scopeCompliant,
		ReviewedAt:     canonical.Timestamp(time.Now()),
	}
}

// ShouldAutoApprove reports whether a tier-1 execution earns the follow-up
// EVIDENCE_AUTO_APPROVE event: the review passed and the delta stayed small.
func ShouldAutoApprove(tier int, r ReviewResult) bool {
	return tier == 1 && r.Passed && r.RiskDelta <= 0.2
}

// reviewScope checks that every created or changed file sits under one of the
// declared allow-path prefixes.
func reviewScope(added, modified map[string]string, allowPaths []string) []Finding {
	var findings []Finding
	for _, filePath := range sortedKeys(added, modified) {
		inScope := false
		for _, prefix := range allowPaths {
			if strings.HasPrefix(filePath, prefix) {
				inScope = true
				break
			}
		}
		if !inScope {
			findings = append(findings, Finding{
				Category:    CategoryScopeViolation,
				Severity:    SeverityHigh,
				Description: fmt.Sprintf("File '%s' is outside allowed paths", filePath),
				FilePath:    filePath,
			})
		}
	}
	return findings
}

// reviewForbiddenPaths flags any touched file matching the protected
// patterns. One finding per file is enough.
func reviewForbiddenPaths(added, modified, deleted map[string]string) []Finding {
	var findings []Finding
	for _, filePath := range sortedKeys(added, modified, deleted) {
		for _, pattern := range forbiddenPathPatterns {
			if pattern.MatchString(filePath) {
				findings = append(findings, Finding{
					Category:       CategoryForbiddenPath,
					Severity:       SeverityCritical,
					Description:    fmt.Sprintf("Forbidden path touched: '%s'", filePath),
					FilePath:       filePath,
					MatchedPattern: pattern.String(),
				})
				break
			}
		}
	}
	return findings
}

// reviewSecrets scans both output streams for credential material. Each
// (pattern, stream) pair reports at most once.
func reviewSecrets(stdout, stderr string) []Finding {
	var findings []Finding
	for _, stream := range []struct{ name, text string }{{"stdout", stdout}, {"stderr", stderr}} {
		for _, sp := range secretPatterns {
			if sp.pattern.MatchString(stream.text) {
				findings = append(findings, Finding{
					Category:       CategorySecretExposure,
					Severity:       SeverityCritical,
					Description:    fmt.Sprintf("%s detected in output", sp.name),
					MatchedPattern: sp.pattern.String(),
				})
			}
		}
	}
	return findings
}

func reviewDependencies(added, modified map[string]string) []Finding {
	var findings []Finding
	for _, filePath := range sortedKeys(added, modified) {
		if dependencyFiles[path.Base(filePath)] {
			findings = append(findings, Finding{
				Category:    CategoryDependencyChange,
				Severity:    SeverityMedium,
				Description: fmt.Sprintf("Dependency file changed: '%s'", filePath),
				FilePath:    filePath,
			})
		}
	}
	return findings
}

func reviewNetworkAttempts(stdout, stderr string) []Finding {
	var findings []Finding
	for _, stream := range []struct{ name, text string }{{"stdout", stdout}, {"stderr", stderr}} {
		for _, np := range networkPatterns {
			if np.pattern.MatchString(stream.text) {
				findings = append(findings, Finding{
					Category:       CategoryNetworkAttempt,
					Severity:       SeverityMedium,
					Description:    fmt.Sprintf("%s detected in %s", np.name, stream.name),
					MatchedPattern: np.pattern.String(),
				})
			}
		}
	}
	return findings
}

// sortedKeys merges the key sets of several maps in deterministic order, so
// findings are stable across runs regardless of map iteration.
func sortedKeys(maps ...map[string]string) []string {
	var keys []string
	for _, m := range maps {
		for k := range m {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
