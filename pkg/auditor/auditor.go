// Package auditor scans a working tree for committed secrets and personal
// data. Findings carry a deterministic fingerprint so acknowledged hits can
// be waived through approval feedback without silencing new ones.
package auditor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/gitgovernance/core/pkg/contracts"
	"github.com/gitgovernance/core/pkg/observability"
	"github.com/gitgovernance/core/pkg/store"
)

// maxFileSize caps what the auditor reads per file; anything larger is
// skipped with a warning rather than ballooning the scan.
const maxFileSize = 1 << 20

// Summary aggregates a report.
type Summary struct {
	Total      int              `json:"total"`
	Waived     int              `json:"waived"`
	BySeverity map[Severity]int `json:"bySeverity"`
}

// Report is the result of one audit run.
type Report struct {
	Findings     []Finding `json:"findings"`
	Summary      Summary   `json:"summary"`
	ScannedFiles int       `json:"scannedFiles"`
	ScannedLines int       `json:"scannedLines"`
	Detectors    []string  `json:"detectors"`
	Waivers      int       `json:"waivers"`
}

// WaiverSource supplies the fingerprints that have been acknowledged.
type WaiverSource interface {
	WaivedFingerprints(ctx context.Context) (map[string]struct{}, error)
}

// Options configure an Auditor.
type Options struct {
	// Root is the tree to scan.
	Root string
	// Detectors defaults to the built-in regex corpus.
	Detectors []Detector
	// Git enables ChangedSince scopes.
	Git Git
	// Waivers is optional; without it nothing is waived.
	Waivers WaiverSource

	Metrics *observability.Provider
	Logger  *slog.Logger
}

// Auditor runs detectors over a file tree.
type Auditor struct {
	root      string
	detectors []Detector
	lister    *FileLister
	waivers   WaiverSource
	metrics   *observability.Provider
	logger    *slog.Logger
}

// New creates an auditor.
func New(opts Options) *Auditor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	detectors := opts.Detectors
	if len(detectors) == 0 {
		detectors = []Detector{NewRegexDetector()}
	}
	return &Auditor{
		root:      opts.Root,
		detectors: detectors,
		lister:    NewFileLister(opts.Root, opts.Git),
		waivers:   opts.Waivers,
		metrics:   opts.Metrics,
		logger:    logger.With("component", "auditor"),
	}
}

// Audit scans the scoped files with every detector and returns the report.
// The tree is never mutated.
func (a *Auditor) Audit(ctx context.Context, scope Scope) (report *Report, err error) {
	start := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.RecordOperation(ctx, "auditor", "audit", time.Since(start), err)
		}
	}()

	files, err := a.lister.List(ctx, scope)
	if err != nil {
		return nil, err
	}

	report = &Report{Summary: Summary{BySeverity: make(map[Severity]int)}}
	for _, d := range a.detectors {
		report.Detectors = append(report.Detectors, d.Name())
	}

	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lines, ok := a.readLines(rel)
		if !ok {
			continue
		}
		report.ScannedFiles++
		report.ScannedLines += len(lines)
		for i, line := range lines {
			for _, d := range a.detectors {
				report.Findings = append(report.Findings, d.Detect(rel, i+1, line)...)
			}
		}
	}

	if err := a.applyWaivers(ctx, report); err != nil {
		return nil, err
	}

	sort.Slice(report.Findings, func(i, j int) bool {
		fi, fj := report.Findings[i], report.Findings[j]
		if fi.File != fj.File {
			return fi.File < fj.File
		}
		if fi.Line != fj.Line {
			return fi.Line < fj.Line
		}
		return fi.RuleID < fj.RuleID
	})
	for _, f := range report.Findings {
		report.Summary.Total++
		report.Summary.BySeverity[f.Severity]++
		if f.Waived {
			report.Summary.Waived++
		}
	}
	return report, nil
}

// readLines loads one file, skipping unreadable, oversized, and binary files.
func (a *Auditor) readLines(rel string) ([]string, bool) {
	path := filepath.Join(a.root, filepath.FromSlash(rel))
	info, err := os.Stat(path)
	if err != nil {
		a.logger.Warn("skipping unreadable file", "file", rel, "error", err)
		return nil, false
	}
	if info.Size() > maxFileSize {
		a.logger.Warn("skipping oversized file", "file", rel, "size", info.Size())
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		a.logger.Warn("skipping unreadable file", "file", rel, "error", err)
		return nil, false
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return nil, false
	}

	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxFileSize)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, true
}

func (a *Auditor) applyWaivers(ctx context.Context, report *Report) error {
	if a.waivers == nil {
		return nil
	}
	waived, err := a.waivers.WaivedFingerprints(ctx)
	if err != nil {
		return fmt.Errorf("load waivers: %w", err)
	}
	report.Waivers = len(waived)
	for i := range report.Findings {
		if _, ok := waived[report.Findings[i].Fingerprint]; ok {
			report.Findings[i].Waived = true
		}
	}
	return nil
}

// fingerprintRef extracts waiver references from feedback content.
var fingerprintRef = regexp.MustCompile(`fingerprint:([0-9a-f]{64})`)

// FeedbackWaivers reads waivers from the feedback store: any approval
// feedback whose content references a finding fingerprint acknowledges it.
type FeedbackWaivers struct {
	feedback *store.Store[contracts.FeedbackPayload]
}

// NewFeedbackWaivers creates a waiver source over the feedback store.
func NewFeedbackWaivers(feedback *store.Store[contracts.FeedbackPayload]) *FeedbackWaivers {
	return &FeedbackWaivers{feedback: feedback}
}

// WaivedFingerprints collects the fingerprints referenced by approval
// feedback. Corrupt feedback records are skipped.
func (w *FeedbackWaivers) WaivedFingerprints(ctx context.Context) (map[string]struct{}, error) {
	ids, err := w.feedback.List(ctx)
	if err != nil {
		return nil, err
	}
	waived := make(map[string]struct{})
	for _, id := range ids {
		rec, err := w.feedback.Get(ctx, id)
		if err != nil {
			continue
		}
		if rec.Payload.Type != contracts.FeedbackTypeApproval {
			continue
		}
		for _, m := range fingerprintRef.FindAllStringSubmatch(rec.Payload.Content, -1) {
			waived[m[1]] = struct{}{}
		}
	}
	return waived, nil
}
