package secrets

import (
	"regexp"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// DetectFinding represents a detected secret with location information.
type DetectFinding struct {
	RuleID   string // Gitleaks rule ID (e.g., "github-pat")
	RuleDesc string // Human-readable description
	Line     int    // Line number where the secret was found
	Match    string // The actual secret value
}

// Detect scans content with the full Gitleaks rule set (800+ patterns).
// Used by the secret_scan tool for deliberate workspace scans; the event
// bus uses the cheaper Scrubber instead.
//
// allowlist: optional allowlist to exclude patterns (nil to skip).
func Detect(content string, allowlist *Allowlist) ([]DetectFinding, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, err
	}

	if allowlist != nil {
		applyAllowlist(&detector.Config, allowlist)
	}

	gitleaksFindings := detector.DetectString(content)

	result := make([]DetectFinding, 0, len(gitleaksFindings))
	for _, f := range gitleaksFindings {
		result = append(result, DetectFinding{
			RuleID:   f.RuleID,
			RuleDesc: f.Description,
			Line:     f.StartLine,
			Match:    f.Secret,
		})
	}

	return result, nil
}

// applyAllowlist merges allowlist patterns into the Gitleaks config.
// Patterns are validated at allowlist load time, so compilation failures
// here indicate a programming error.
func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) {
	globalAllowlist := &gitleaksConfig.Allowlist{
		Description: "agentd user/project allowlist",
	}

	for _, pattern := range allowlist.Paths {
		re, err := regexp.Compile(pattern)
		if err != nil {
			panic("BUG: pre-validated regex pattern failed to compile: " + pattern + ": " + err.Error())
		}
		globalAllowlist.Paths = append(globalAllowlist.Paths, (*gitleaksRegexp.Regexp)(re))
	}

	for _, pattern := range allowlist.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			panic("BUG: pre-validated regex pattern failed to compile: " + pattern + ": " + err.Error())
		}
		globalAllowlist.Regexes = append(globalAllowlist.Regexes, (*gitleaksRegexp.Regexp)(re))
	}

	cfg.Allowlists = append(cfg.Allowlists, globalAllowlist)
}
