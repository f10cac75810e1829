package policy

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// ConstitutionRule is one extracted rule from CONSTITUTION.md.
type ConstitutionRule struct {
	Section string // "I", "II"
	Ref     string // "§I.1", "§II"
	Text    string
}

var (
	sectionHeaderPattern = regexp.MustCompile(`^##\s+(I{1,3}V?)\.\s+`)
	numberedRulePattern  = regexp.MustCompile(`^(\d+)\.\s+\*\*(.+?)\*\*`)
)

// ParseConstitution extracts rules from a constitution document. Section
// headers look like "## I. Governance Invariants"; rules are either numbered
// invariants ("1. **Name:** ...") or bullet constraints ("- No command ...").
func ParseConstitution(path string) ([]ConstitutionRule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read constitution %s: %w", path, err)
	}

	var rules []ConstitutionRule
	section := ""
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)

		if m := sectionHeaderPattern.FindStringSubmatch(line); m != nil {
			section = m[1]
			continue
		}
		if section == "" {
			continue
		}

		if m := numberedRulePattern.FindStringSubmatch(line); m != nil {
			rules = append(rules, ConstitutionRule{
				Section: section,
				Ref:     fmt.Sprintf("§%s.%s", section, m[1]),
				Text:    line,
			})
			continue
		}
		if strings.HasPrefix(line, "- ") {
			rules = append(rules, ConstitutionRule{
				Section: section,
				Ref:     "§" + section,
				Text:    strings.TrimLeft(line, "- "),
			})
		}
	}
	return rules, nil
}
