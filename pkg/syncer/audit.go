package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gitgovernance/core/pkg/canonicalize"
	"github.com/gitgovernance/core/pkg/config"
	"github.com/gitgovernance/core/pkg/contracts"
	"github.com/gitgovernance/core/pkg/crypto"
)

// AuditOptions select which integrity checks AuditState performs on each
// record version in the branch history.
type AuditOptions struct {
	VerifySignatures bool
	VerifyChecksums  bool
}

// Resolution is one conflict-resolution commit found in the history.
type Resolution struct {
	Commit string `json:"commit"`
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// AuditReport summarises the state branch history.
type AuditReport struct {
	Branch            string       `json:"branch"`
	TotalCommits      int          `json:"totalCommits"`
	RebaseCommits     int          `json:"rebaseCommits"`
	ResolutionCommits int          `json:"resolutionCommits"`
	Resolutions       []Resolution `json:"resolutions,omitempty"`
	RecordsChecked    int          `json:"recordsChecked"`
	Violations        []string     `json:"violations,omitempty"`
}

// auditLogFormat emits one unit-separated line per commit: hash, author time,
// commit time, subject, and the two resolution trailers.
const auditLogFormat = "%H%x1f%at%x1f%ct%x1f%s%x1f" +
	"%(trailers:key=" + TrailerResolutionReason + ",valueonly,separator= )%x1f" +
	"%(trailers:key=" + TrailerResolutionActor + ",valueonly,separator= )"

// AuditState walks the state branch history, counting commits, rebases
// (author time diverging from commit time), and resolution commits, and
// optionally re-verifies every record file at every version.
func (s *Syncer) AuditState(ctx context.Context, opts AuditOptions) (report *AuditReport, err error) {
	start := time.Now()
	defer func() { s.record(ctx, "auditState", start, err) }()

	if !s.refExists(ctx, s.branch) {
		return nil, fmt.Errorf("audit: branch %s does not exist", s.branch)
	}
	out, err := s.git.Exec(ctx, s.repoRoot, "log", "--format="+auditLogFormat, s.branch)
	if err != nil {
		return nil, fmt.Errorf("audit: read history: %w", err)
	}

	report = &AuditReport{Branch: s.branch}
	for _, line := range splitLines(out) {
		fields := strings.Split(line, "\x1f")
		if len(fields) < 6 {
			continue
		}
		commit := fields[0]
		authorTime, _ := strconv.ParseInt(fields[1], 10, 64)
		commitTime, _ := strconv.ParseInt(fields[2], 10, 64)
		reason := strings.TrimSpace(fields[4])
		actor := strings.TrimSpace(fields[5])

		report.TotalCommits++
		if commitTime != authorTime {
			report.RebaseCommits++
		}
		if reason != "" {
			report.ResolutionCommits++
			report.Resolutions = append(report.Resolutions, Resolution{
				Commit: commit, Reason: reason, Actor: actor,
			})
		}
		if opts.VerifySignatures || opts.VerifyChecksums {
			if verr := s.verifyCommitRecords(ctx, commit, opts, report); verr != nil {
				return nil, verr
			}
		}
	}
	return report, nil
}

// verifyCommitRecords re-checks every record file in one commit's tree.
// Failures become report violations, never errors: the audit's job is to
// enumerate damage, not stop at the first hit.
func (s *Syncer) verifyCommitRecords(ctx context.Context, commit string, opts AuditOptions, report *AuditReport) error {
	out, err := s.git.Exec(ctx, s.repoRoot, "ls-tree", "-r", "--name-only", commit, "--", config.DirName)
	if err != nil {
		return fmt.Errorf("audit: list tree of %s: %w", commit, err)
	}
	paths := recordPaths(splitLines(out))

	var resolve crypto.KeyResolver
	if opts.VerifySignatures {
		resolve = s.treeKeyResolver(ctx, commit, paths)
	}

	for _, path := range paths {
		content, err := s.git.Exec(ctx, s.repoRoot, "show", commit+":"+path)
		if err != nil {
			report.Violations = append(report.Violations, fmt.Sprintf("%s@%s: unreadable: %v", path, short(commit), err))
			continue
		}
		var raw contracts.RawRecord
		if err := json.Unmarshal([]byte(content), &raw); err != nil {
			report.Violations = append(report.Violations, fmt.Sprintf("%s@%s: malformed record: %v", path, short(commit), err))
			continue
		}
		report.RecordsChecked++

		if opts.VerifyChecksums {
			actual, err := canonicalize.ChecksumHex(raw.Payload)
			if err != nil {
				report.Violations = append(report.Violations, fmt.Sprintf("%s@%s: uncanonicalizable payload: %v", path, short(commit), err))
				continue
			}
			if actual != raw.Header.PayloadChecksum {
				report.Violations = append(report.Violations, fmt.Sprintf("%s@%s: checksum mismatch", path, short(commit)))
				continue
			}
		}
		if opts.VerifySignatures {
			for i, sig := range raw.Header.Signatures {
				pub, err := resolve(sig.KeyID)
				if err != nil {
					report.Violations = append(report.Violations, fmt.Sprintf("%s@%s: signature %d by unknown key %s", path, short(commit), i, sig.KeyID))
					continue
				}
				ok, err := crypto.VerifySignature(pub, raw.Header.PayloadChecksum, sig)
				if err != nil || !ok {
					report.Violations = append(report.Violations, fmt.Sprintf("%s@%s: signature %d by %s does not verify", path, short(commit), i, sig.KeyID))
				}
			}
		}
	}
	return nil
}

// treeKeyResolver resolves keyIds against the actor records as they existed
// in the audited commit, so rotations later in history do not invalidate
// signatures that were sound when made.
func (s *Syncer) treeKeyResolver(ctx context.Context, commit string, paths []string) crypto.KeyResolver {
	actorDir := config.DirName + "/" + config.RecordDirs[contracts.RecordTypeActor] + "/"
	keys := make(map[string]string)
	for _, path := range paths {
		if !strings.HasPrefix(path, actorDir) {
			continue
		}
		content, err := s.git.Exec(ctx, s.repoRoot, "show", commit+":"+path)
		if err != nil {
			continue
		}
		var rec contracts.Record[contracts.ActorPayload]
		if err := json.Unmarshal([]byte(content), &rec); err != nil {
			continue
		}
		keys[rec.Payload.ID] = rec.Payload.PublicKey
	}
	return func(keyID string) (string, error) {
		pub, ok := keys[keyID]
		if !ok {
			return "", &contracts.UnknownKeyError{KeyID: keyID}
		}
		return pub, nil
	}
}

// recordPaths filters a tree listing down to record JSON files.
func recordPaths(paths []string) []string {
	dirs := make(map[string]struct{}, len(config.RecordDirs))
	for _, sub := range config.RecordDirs {
		dirs[config.DirName+"/"+sub] = struct{}{}
	}
	var out []string
	for _, path := range paths {
		if !strings.HasSuffix(path, ".json") {
			continue
		}
		if _, ok := dirs[strings.TrimSuffix(path[:strings.LastIndex(path, "/")+1], "/")]; ok {
			out = append(out, path)
		}
	}
	return out
}

func short(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}
