package auditor

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/gitgovernance/core/pkg/canonicalize"
)

// Severity grades a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Finding is one secret or PII hit in the scanned tree.
type Finding struct {
	ID             string   `json:"id"`
	RuleID         string   `json:"ruleId"`
	Category       string   `json:"category"` // secret | pii
	Severity       Severity `json:"severity"`
	File           string   `json:"file"`
	Line           int      `json:"line"`
	Snippet        string   `json:"snippet"`
	Message        string   `json:"message"`
	Detector       string   `json:"detector"`
	Fingerprint    string   `json:"fingerprint"`
	Confidence     float64  `json:"confidence"`
	Suggestion     string   `json:"suggestion,omitempty"`
	LegalReference string   `json:"legalReference,omitempty"`
	Waived         bool     `json:"waived"`
}

// Fingerprint is the stable identity of a finding: the SHA-256 hex digest of
// "ruleId:file:line". Waivers reference findings by this value.
func Fingerprint(ruleID, file string, line int) string {
	return canonicalize.HashBytes([]byte(ruleID + ":" + file + ":" + strconv.Itoa(line)))
}

// Detector produces findings for one line of one file.
type Detector interface {
	Name() string
	Detect(file string, lineNo int, line string) []Finding
}

// maxSnippetLen bounds the reported snippet.
const maxSnippetLen = 300

type rule struct {
	id             string
	category       string
	severity       Severity
	pattern        *regexp.Regexp
	message        string
	suggestion     string
	legalReference string
	confidence     float64
	// validate rejects pattern matches that fail a structural check (Luhn).
	validate func(match string) bool
}

// RegexDetector is the built-in corpus: secrets (SEC-*) and personal data
// (PII-*) as line-oriented regular expressions.
type RegexDetector struct {
	rules []rule
}

// NewRegexDetector builds the default corpus.
func NewRegexDetector() *RegexDetector {
	return &RegexDetector{rules: []rule{
		{
			id: "SEC-001", category: "secret", severity: SeverityCritical,
			pattern:    regexp.MustCompile(`-----BEGIN (?:[A-Z]+ )*PRIVATE KEY-----`),
			message:    "private key material committed to the tree",
			suggestion: "remove the key, rotate it, and load it from a secret store",
			confidence: 0.95,
		},
		{
			id: "SEC-002", category: "secret", severity: SeverityCritical,
			pattern:    regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
			message:    "AWS access key ID",
			suggestion: "revoke the key in IAM and use instance or role credentials",
			confidence: 0.9,
		},
		{
			id: "SEC-003", category: "secret", severity: SeverityHigh,
			pattern:    regexp.MustCompile(`(?i)\b(?:api[_-]?key|secret|token)\b\s*[:=]\s*["'][^"']{8,}["']`),
			message:    "hardcoded credential assignment",
			suggestion: "read the value from the environment or a secret store",
			confidence: 0.7,
		},
		{
			id: "SEC-004", category: "secret", severity: SeverityHigh,
			pattern:    regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._~+/-]{20,}=*`),
			message:    "bearer token literal",
			suggestion: "strip the token and rotate it if it was live",
			confidence: 0.7,
		},
		{
			id: "PII-001", category: "pii", severity: SeverityMedium,
			pattern:        regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
			message:        "email address",
			legalReference: "GDPR Art. 4(1)",
			confidence:     0.6,
		},
		{
			id: "PII-002", category: "pii", severity: SeverityHigh,
			pattern:        regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			message:        "US social security number",
			legalReference: "GDPR Art. 9; CCPA 1798.81.5",
			confidence:     0.8,
		},
		{
			id: "PII-003", category: "pii", severity: SeverityHigh,
			pattern:        regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),
			message:        "credit card number",
			legalReference: "PCI DSS 3.4",
			confidence:     0.8,
			validate:       luhnValid,
		},
	}}
}

// Name identifies this detector in reports.
func (d *RegexDetector) Name() string { return "regex-corpus" }

// Detect reports at most one finding per rule per line.
func (d *RegexDetector) Detect(file string, lineNo int, line string) []Finding {
	var findings []Finding
	for _, r := range d.rules {
		match := r.pattern.FindString(line)
		if match == "" {
			continue
		}
		if r.validate != nil && !r.validate(match) {
			continue
		}
		findings = append(findings, Finding{
			ID:             uuid.NewString(),
			RuleID:         r.id,
			Category:       r.category,
			Severity:       r.severity,
			File:           file,
			Line:           lineNo,
			Snippet:        snippet(line),
			Message:        r.message,
			Detector:       d.Name(),
			Fingerprint:    Fingerprint(r.id, file, lineNo),
			Confidence:     r.confidence,
			Suggestion:     r.suggestion,
			LegalReference: r.legalReference,
		})
	}
	return findings
}

func snippet(line string) string {
	s := strings.TrimSpace(line)
	if len(s) > maxSnippetLen {
		s = s[:maxSnippetLen]
	}
	return s
}

// luhnValid checks the Luhn digit of a candidate card number, cutting the
// false-positive rate of the broad digit pattern.
func luhnValid(candidate string) bool {
	var digits []int
	for _, r := range candidate {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 16 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
