// Package syncer publishes the governance record set to the dedicated
// gitgov-state branch and consumes remote updates. Two-writer divergence is
// resolved by rebase-then-record: the rebasing actor chooses the surviving
// record versions and justifies the choice in a resolution commit, never by
// three-way merging record payloads.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/gitgovernance/core/pkg/config"
	"github.com/gitgovernance/core/pkg/contracts"
	"github.com/gitgovernance/core/pkg/observability"
)

const (
	// StateBranch is the branch mirroring .gitgov (minus local secrets).
	StateBranch = "gitgov-state"
	// DefaultRemote is the remote state is pushed to and pulled from.
	DefaultRemote = "origin"

	// CommitMessage is the canonical subject of a state sync commit.
	CommitMessage = "gitgov: sync state"
	// resolutionSubject marks a conflict-resolution commit.
	resolutionSubject = "gitgov: resolve state conflict"

	// TrailerResolutionReason and TrailerResolutionActor carry the resolution
	// metadata AuditState enumerates.
	TrailerResolutionReason = "Gitgov-Resolution-Reason"
	TrailerResolutionActor  = "Gitgov-Resolution-Actor"
	// TrailerSyncActor records who produced a sync commit.
	TrailerSyncActor = "Gitgov-Sync-Actor"

	maxRemoteAttempts = 3
)

// Reindexer rebuilds the projection after pulled records change.
type Reindexer interface {
	Rebuild(ctx context.Context) error
}

// Options configure a Syncer.
type Options struct {
	Git      Git
	Config   *config.Manager
	RepoRoot string

	// Remote and Branch default to origin / gitgov-state.
	Remote string
	Branch string

	// Reindex, when set, runs after a pull that changed records.
	Reindex Reindexer

	// Preflight, when set, gates PushState; the container wires the lint
	// engine here so broken record sets never reach the remote.
	Preflight func(ctx context.Context) error

	// Limiter paces remote operations; nil gets one op per second.
	Limiter *rate.Limiter

	Metrics *observability.Provider
	Logger  *slog.Logger
}

// Syncer drives the gitgov-state branch protocol.
type Syncer struct {
	git       Git
	cfg       *config.Manager
	repoRoot  string
	remote    string
	branch    string
	reindex   Reindexer
	preflight func(ctx context.Context) error
	limiter   *rate.Limiter
	metrics   *observability.Provider
	logger    *slog.Logger
}

// New creates a syncer.
func New(opts Options) *Syncer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	remote := opts.Remote
	if remote == "" {
		remote = DefaultRemote
	}
	branch := opts.Branch
	if branch == "" {
		branch = StateBranch
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Every(time.Second), 1)
	}
	return &Syncer{
		git:       opts.Git,
		cfg:       opts.Config,
		repoRoot:  opts.RepoRoot,
		remote:    remote,
		branch:    branch,
		reindex:   opts.Reindex,
		preflight: opts.Preflight,
		limiter:   limiter,
		metrics:   opts.Metrics,
		logger:    logger.With("component", "syncer"),
	}
}

// PushOptions configure PushState.
type PushOptions struct {
	ActorID string
	DryRun  bool
	Force   bool
}

// PushResult reports what a push did.
type PushResult struct {
	Commit       string   `json:"commit,omitempty"`
	ChangedFiles []string `json:"changedFiles,omitempty"`
	Pushed       bool     `json:"pushed"`
	UpToDate     bool     `json:"upToDate"`
	DryRun       bool     `json:"dryRun"`
}

// PullOptions configure PullState.
type PullOptions struct {
	ForceReindex bool
}

// PullResult reports what a pull did.
type PullResult struct {
	Applied          bool     `json:"applied"`
	ConflictDetected bool     `json:"conflictDetected"`
	ChangedFiles     []string `json:"changedFiles,omitempty"`
	Reindexed        bool     `json:"reindexed"`
}

// ResolveOptions configure ResolveConflict. Both fields are required: a
// resolution without a justification and an accountable actor is useless to
// the audit trail.
type ResolveOptions struct {
	Reason  string
	ActorID string
}

// ResolveResult reports a completed conflict resolution.
type ResolveResult struct {
	ResolutionCommit string `json:"resolutionCommit"`
	Pushed           bool   `json:"pushed"`
}

// PushState materialises every record into a side worktree on the state
// branch, commits, and pushes. DryRun stops after computing the change plan.
func (s *Syncer) PushState(ctx context.Context, opts PushOptions) (result *PushResult, err error) {
	start := time.Now()
	defer func() { s.record(ctx, "pushState", start, err) }()

	if !s.cfg.Initialized() {
		return nil, &contracts.ProjectNotInitializedError{Path: s.cfg.Root()}
	}
	if s.preflight != nil {
		if perr := s.preflight(ctx); perr != nil {
			return nil, fmt.Errorf("push preflight: %w", perr)
		}
	}

	// Bring the remote-tracking ref up to date so a fresh worktree starts
	// from the latest published state. A missing remote branch is fine.
	if ferr := s.fetchTracking(ctx); ferr != nil && !isMissingRemoteRef(ferr) {
		return nil, ferr
	}

	wt, cleanup, err := s.stateWorktree(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	stateDir := filepath.Join(wt, config.DirName)
	if _, err := mirrorTree(s.cfg.Root(), stateDir, skipSecrets); err != nil {
		return nil, fmt.Errorf("materialise state: %w", err)
	}
	if _, err := s.git.Exec(ctx, wt, "add", "-A", config.DirName); err != nil {
		return nil, fmt.Errorf("stage state: %w", err)
	}
	staged, err := s.git.Exec(ctx, wt, "diff", "--cached", "--name-only")
	if err != nil {
		return nil, fmt.Errorf("diff staged state: %w", err)
	}
	changed := splitLines(staged)
	if len(changed) == 0 {
		return &PushResult{UpToDate: true}, nil
	}
	if opts.DryRun {
		return &PushResult{DryRun: true, ChangedFiles: changed}, nil
	}

	message := CommitMessage
	if opts.ActorID != "" {
		message += "\n\n" + TrailerSyncActor + ": " + opts.ActorID
	}
	if _, err := s.git.Exec(ctx, wt, "commit", "-m", message); err != nil {
		return nil, fmt.Errorf("commit state: %w", err)
	}
	commit, err := s.git.Exec(ctx, wt, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolve state commit: %w", err)
	}

	pushArgs := []string{"push", s.remote, s.branch}
	if opts.Force {
		pushArgs = []string{"push", "--force-with-lease", s.remote, s.branch}
	}
	if err := s.remoteOp(ctx, func() error {
		_, perr := s.git.Exec(ctx, wt, pushArgs...)
		return perr
	}); err != nil {
		return nil, err
	}

	s.logger.Info("state pushed", "commit", commit, "files", len(changed))
	return &PushResult{Commit: commit, ChangedFiles: changed, Pushed: true}, nil
}

// PullState fetches the remote state branch. A fast-forward is applied to
// .gitgov and reindexed; divergence is reported as ConflictDetected without
// touching local records.
func (s *Syncer) PullState(ctx context.Context, opts PullOptions) (result *PullResult, err error) {
	start := time.Now()
	defer func() { s.record(ctx, "pullState", start, err) }()

	if !s.cfg.Initialized() {
		return nil, &contracts.ProjectNotInitializedError{Path: s.cfg.Root()}
	}

	// The branch-to-branch refspec only moves the local ref on fast-forward,
	// so divergence surfaces right here.
	err = s.remoteOp(ctx, func() error {
		_, ferr := s.git.Exec(ctx, s.repoRoot, "fetch", s.remote, s.branch+":"+s.branch)
		return ferr
	})
	if err != nil {
		var conflict *contracts.ConflictDetectedError
		if errors.As(err, &conflict) {
			return &PullResult{ConflictDetected: true}, nil
		}
		if isMissingRemoteRef(err) {
			s.logger.Info("no remote state to pull", "remote", s.remote, "branch", s.branch)
			return &PullResult{}, nil
		}
		return nil, err
	}

	wt, cleanup, err := s.stateWorktree(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	changed, err := mirrorTree(filepath.Join(wt, config.DirName), s.cfg.Root(), skipSecrets)
	if err != nil {
		return nil, fmt.Errorf("apply state: %w", err)
	}

	result = &PullResult{Applied: len(changed) > 0, ChangedFiles: changed}
	if (len(changed) > 0 || opts.ForceReindex) && s.reindex != nil {
		if rerr := s.reindex.Rebuild(ctx); rerr != nil {
			return nil, fmt.Errorf("reindex after pull: %w", rerr)
		}
		result.Reindexed = true
	}
	return result, nil
}

// ResolveConflict rebases the local state branch onto the remote, keeping the
// local record versions, and records the justification in a resolution commit
// with structured trailers.
func (s *Syncer) ResolveConflict(ctx context.Context, opts ResolveOptions) (result *ResolveResult, err error) {
	start := time.Now()
	defer func() { s.record(ctx, "resolveConflict", start, err) }()

	if opts.Reason == "" {
		return nil, fmt.Errorf("resolve conflict: reason is required")
	}
	if opts.ActorID == "" {
		return nil, fmt.Errorf("resolve conflict: actorId is required")
	}
	if err := s.remoteOp(ctx, func() error {
		_, ferr := s.git.Exec(ctx, s.repoRoot, "fetch", s.remote, s.branch)
		return ferr
	}); err != nil {
		return nil, err
	}

	wt, cleanup, err := s.stateWorktree(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	upstream := s.remote + "/" + s.branch
	if _, rerr := s.git.Exec(ctx, wt, "rebase", upstream); rerr != nil {
		// Colliding record files: the rebasing actor keeps the local
		// versions ("theirs" while replaying) and says why below.
		if _, terr := s.git.Exec(ctx, wt, "checkout", "--theirs", "--", "."); terr != nil {
			_, _ = s.git.Exec(ctx, wt, "rebase", "--abort")
			return nil, &contracts.RebaseFailedError{Branch: s.branch, Err: rerr}
		}
		if _, aerr := s.git.Exec(ctx, wt, "add", "-A"); aerr != nil {
			_, _ = s.git.Exec(ctx, wt, "rebase", "--abort")
			return nil, &contracts.RebaseFailedError{Branch: s.branch, Err: aerr}
		}
		if _, cerr := s.git.Exec(ctx, wt, "-c", "core.editor=true", "rebase", "--continue"); cerr != nil {
			_, _ = s.git.Exec(ctx, wt, "rebase", "--abort")
			return nil, &contracts.RebaseFailedError{Branch: s.branch, Err: cerr}
		}
	}

	message := resolutionSubject + "\n\n" +
		TrailerResolutionReason + ": " + opts.Reason + "\n" +
		TrailerResolutionActor + ": " + opts.ActorID
	if _, err := s.git.Exec(ctx, wt, "commit", "--allow-empty", "-m", message); err != nil {
		return nil, fmt.Errorf("resolution commit: %w", err)
	}
	commit, err := s.git.Exec(ctx, wt, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolve resolution commit: %w", err)
	}

	// History was rewritten; the lease still protects against unseen remote
	// commits landing mid-resolution.
	if err := s.remoteOp(ctx, func() error {
		_, perr := s.git.Exec(ctx, wt, "push", "--force-with-lease", s.remote, s.branch)
		return perr
	}); err != nil {
		return nil, err
	}

	s.logger.Info("conflict resolved", "commit", commit, "actor", opts.ActorID)
	return &ResolveResult{ResolutionCommit: commit, Pushed: true}, nil
}

// BootstrapFromStateBranch materialises .gitgov from the remote state branch
// into a repository that has no local governance directory yet.
func (s *Syncer) BootstrapFromStateBranch(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { s.record(ctx, "bootstrapFromStateBranch", start, err) }()

	if s.cfg.Initialized() {
		return &contracts.InvalidStateError{
			Current: "initialized",
			Detail:  "refusing to bootstrap over an existing " + config.DirName + " directory",
		}
	}
	if err := s.remoteOp(ctx, func() error {
		_, ferr := s.git.Exec(ctx, s.repoRoot, "fetch", s.remote, s.branch+":"+s.branch)
		return ferr
	}); err != nil {
		return err
	}

	wt, cleanup, err := s.stateWorktree(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if _, err := mirrorTree(filepath.Join(wt, config.DirName), s.cfg.Root(), skipSecrets); err != nil {
		return fmt.Errorf("bootstrap state: %w", err)
	}
	s.logger.Info("bootstrapped from state branch", "branch", s.branch)
	return nil
}

// stateWorktree checks the state branch out into a temporary worktree. The
// cleanup func detaches and removes it, and is safe to call after errors.
func (s *Syncer) stateWorktree(ctx context.Context) (string, func(), error) {
	dir, err := os.MkdirTemp("", "gitgov-sync-*")
	if err != nil {
		return "", nil, fmt.Errorf("create sync worktree dir: %w", err)
	}
	cleanup := func() {
		_, _ = s.git.Exec(context.Background(), s.repoRoot, "worktree", "remove", "--force", dir)
		_ = os.RemoveAll(dir)
	}

	tracking := s.remote + "/" + s.branch
	switch {
	case s.refExists(ctx, s.branch):
		_, err = s.git.Exec(ctx, s.repoRoot, "worktree", "add", dir, s.branch)
	case s.refExists(ctx, tracking):
		_, err = s.git.Exec(ctx, s.repoRoot, "worktree", "add", "-b", s.branch, dir, tracking)
	default:
		// First push ever: start the branch with no inherited history.
		_, err = s.git.Exec(ctx, s.repoRoot, "worktree", "add", "--detach", dir)
		if err == nil {
			_, err = s.git.Exec(ctx, dir, "checkout", "--orphan", s.branch)
		}
		if err == nil {
			_, _ = s.git.Exec(ctx, dir, "rm", "-rf", "--quiet", "--ignore-unmatch", ".")
		}
	}
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("create state worktree: %w", err)
	}
	return dir, cleanup, nil
}

func (s *Syncer) refExists(ctx context.Context, ref string) bool {
	_, err := s.git.Exec(ctx, s.repoRoot, "rev-parse", "--verify", "--quiet", ref)
	return err == nil
}

func (s *Syncer) fetchTracking(ctx context.Context) error {
	return s.remoteOp(ctx, func() error {
		_, err := s.git.Exec(ctx, s.repoRoot, "fetch", s.remote, s.branch)
		return err
	})
}

// remoteOp runs one remote git operation, paced by the limiter and retried up
// to maxRemoteAttempts. Rejections caused by divergence are not transient and
// surface immediately as ConflictDetectedError.
func (s *Syncer) remoteOp(ctx context.Context, op func() error) error {
	var err error
	for attempt := 1; attempt <= maxRemoteAttempts; attempt++ {
		if werr := s.limiter.Wait(ctx); werr != nil {
			return werr
		}
		err = op()
		if err == nil {
			return nil
		}
		if isConflict(err) {
			return &contracts.ConflictDetectedError{Branch: s.branch, Detail: err.Error()}
		}
		if isMissingRemoteRef(err) {
			return err
		}
		s.logger.Warn("remote operation failed", "attempt", attempt, "error", err)
	}
	return &contracts.RemoteUnreachableError{Remote: s.remote, Err: err}
}

func (s *Syncer) record(ctx context.Context, operation string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordOperation(ctx, "syncer", operation, time.Since(start), err)
}

func isConflict(err error) bool {
	msg := err.Error()
	for _, marker := range []string{"non-fast-forward", "fetch first", "[rejected]", "stale info"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func isMissingRemoteRef(err error) bool {
	return err != nil && strings.Contains(err.Error(), "couldn't find remote ref")
}

func splitLines(out string) []string {
	if out == "" {
		return nil
	}
	lines := strings.Split(out, "\n")
	filtered := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			filtered = append(filtered, line)
		}
	}
	return filtered
}
