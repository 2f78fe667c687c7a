package syncer

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/gitgovernance/core/pkg/canonicalize"
	"github.com/gitgovernance/core/pkg/config"
	"github.com/gitgovernance/core/pkg/contracts"
	"github.com/gitgovernance/core/pkg/crypto"
)

type gitStub struct {
	out string
	err error
}

// fakeGit scripts git command lines. Lookup picks the stub whose key is the
// longest prefix of the joined arguments; unscripted commands succeed with
// empty output. onExec lets a test materialise worktree content.
type fakeGit struct {
	mu     sync.Mutex
	stubs  map[string]gitStub
	calls  []string
	onExec func(dir string, args []string)
}

func newFakeGit() *fakeGit {
	return &fakeGit{stubs: make(map[string]gitStub)}
}

func (g *fakeGit) stub(prefix, out string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stubs[prefix] = gitStub{out: out, err: err}
}

func (g *fakeGit) Exec(_ context.Context, dir string, args ...string) (string, error) {
	joined := strings.Join(args, " ")
	g.mu.Lock()
	g.calls = append(g.calls, joined)
	var best string
	found := false
	for prefix := range g.stubs {
		if strings.HasPrefix(joined, prefix) && (!found || len(prefix) > len(best)) {
			best, found = prefix, true
		}
	}
	stub := g.stubs[best]
	hook := g.onExec
	g.mu.Unlock()

	if hook != nil {
		hook(dir, args)
	}
	if found {
		return stub.out, stub.err
	}
	return "", nil
}

func (g *fakeGit) countCalls(prefix string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, call := range g.calls {
		if strings.HasPrefix(call, prefix) {
			n++
		}
	}
	return n
}

func (g *fakeGit) calledWith(substr string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, call := range g.calls {
		if strings.Contains(call, substr) {
			return true
		}
	}
	return false
}

type fakeReindexer struct {
	rebuilt int
}

func (r *fakeReindexer) Rebuild(context.Context) error {
	r.rebuilt++
	return nil
}

type syncFixture struct {
	git      *fakeGit
	cfg      *config.Manager
	reindex  *fakeReindexer
	repoRoot string
}

func newSyncFixture(t *testing.T, initialized bool) *syncFixture {
	t.Helper()
	repoRoot := t.TempDir()
	cfg := config.NewManager(filepath.Join(repoRoot, config.DirName))
	if initialized {
		require.NoError(t, cfg.Save(&config.ProjectConfig{
			ProtocolVersion: "1.0.0",
			ProjectID:       "test-project",
			ProjectName:     "Test",
		}))
	}
	return &syncFixture{git: newFakeGit(), cfg: cfg, reindex: &fakeReindexer{}, repoRoot: repoRoot}
}

func (f *syncFixture) syncer(opts Options) *Syncer {
	opts.Git = f.git
	opts.Config = f.cfg
	opts.RepoRoot = f.repoRoot
	if opts.Reindex == nil {
		opts.Reindex = f.reindex
	}
	if opts.Limiter == nil {
		opts.Limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return New(opts)
}

// populateWorktree wires onExec so "worktree add" materialises a .gitgov tree
// with the given relative files at the new worktree path.
func (f *syncFixture) populateWorktree(t *testing.T, files map[string]string) {
	t.Helper()
	f.git.onExec = func(_ string, args []string) {
		if len(args) < 3 || args[0] != "worktree" || args[1] != "add" {
			return
		}
		var wt string
		for _, arg := range args[2:] {
			if filepath.IsAbs(arg) {
				wt = arg
				break
			}
		}
		if wt == "" {
			return
		}
		for rel, content := range files {
			path := filepath.Join(wt, config.DirName, rel)
			require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		}
	}
}

func TestPushStateUpToDate(t *testing.T) {
	f := newSyncFixture(t, true)
	f.git.stub("diff --cached --name-only", "", nil)

	result, err := f.syncer(Options{}).PushState(context.Background(), PushOptions{ActorID: "human:author"})
	require.NoError(t, err)
	assert.True(t, result.UpToDate)
	assert.False(t, result.Pushed)
	assert.False(t, f.git.calledWith("commit"))
}

func TestPushStateCommitsAndPushes(t *testing.T) {
	f := newSyncFixture(t, true)
	f.git.stub("diff --cached --name-only", ".gitgov/tasks/1-task-fix.json", nil)
	f.git.stub("rev-parse HEAD", "abc1234", nil)

	result, err := f.syncer(Options{}).PushState(context.Background(), PushOptions{ActorID: "human:author"})
	require.NoError(t, err)
	assert.True(t, result.Pushed)
	assert.Equal(t, "abc1234", result.Commit)
	assert.Equal(t, []string{".gitgov/tasks/1-task-fix.json"}, result.ChangedFiles)
	assert.True(t, f.git.calledWith(CommitMessage))
	assert.True(t, f.git.calledWith(TrailerSyncActor+": human:author"))
	assert.Equal(t, 1, f.git.countCalls("push origin gitgov-state"))
	// The temp worktree is detached afterwards.
	assert.True(t, f.git.calledWith("worktree remove --force"))
}

func TestPushStateDryRunStopsBeforeCommit(t *testing.T) {
	f := newSyncFixture(t, true)
	f.git.stub("diff --cached --name-only", ".gitgov/tasks/1-task-fix.json", nil)

	result, err := f.syncer(Options{}).PushState(context.Background(), PushOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, []string{".gitgov/tasks/1-task-fix.json"}, result.ChangedFiles)
	assert.False(t, f.git.calledWith("commit"))
	assert.Zero(t, f.git.countCalls("push"))
}

func TestPushStateRequiresInitializedProject(t *testing.T) {
	f := newSyncFixture(t, false)

	_, err := f.syncer(Options{}).PushState(context.Background(), PushOptions{})
	var notInit *contracts.ProjectNotInitializedError
	require.ErrorAs(t, err, &notInit)
}

func TestPushStatePreflightGate(t *testing.T) {
	f := newSyncFixture(t, true)

	_, err := f.syncer(Options{
		Preflight: func(context.Context) error { return fmt.Errorf("2 lint violations") },
	}).PushState(context.Background(), PushOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lint violations")
	assert.Zero(t, f.git.countCalls("push"))
}

func TestPushStateRejectionIsConflictNotRetried(t *testing.T) {
	f := newSyncFixture(t, true)
	f.git.stub("diff --cached --name-only", ".gitgov/tasks/1-task-fix.json", nil)
	f.git.stub("push origin gitgov-state", "", fmt.Errorf("! [rejected] gitgov-state -> gitgov-state (fetch first)"))

	_, err := f.syncer(Options{}).PushState(context.Background(), PushOptions{})
	var conflict *contracts.ConflictDetectedError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, StateBranch, conflict.Branch)
	assert.Equal(t, 1, f.git.countCalls("push origin gitgov-state"))
}

func TestPushStateRetriesTransientFailures(t *testing.T) {
	f := newSyncFixture(t, true)
	f.git.stub("diff --cached --name-only", ".gitgov/tasks/1-task-fix.json", nil)
	f.git.stub("push origin gitgov-state", "", fmt.Errorf("connection timed out"))

	_, err := f.syncer(Options{}).PushState(context.Background(), PushOptions{})
	var unreachable *contracts.RemoteUnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, maxRemoteAttempts, f.git.countCalls("push origin gitgov-state"))
}

func TestPullStateFastForwardAppliesAndReindexes(t *testing.T) {
	f := newSyncFixture(t, true)
	f.populateWorktree(t, map[string]string{
		"config.json":              mustReadConfig(t, f.cfg),
		"tasks/1-task-pulled.json": `{"header":{},"payload":{}}`,
	})

	result, err := f.syncer(Options{}).PullState(context.Background(), PullOptions{})
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.True(t, result.Reindexed)
	assert.Contains(t, result.ChangedFiles, filepath.Join("tasks", "1-task-pulled.json"))
	assert.Equal(t, 1, f.reindex.rebuilt)
	assert.FileExists(t, filepath.Join(f.cfg.Root(), "tasks", "1-task-pulled.json"))
}

func TestPullStateUnchangedSkipsReindex(t *testing.T) {
	f := newSyncFixture(t, true)
	f.populateWorktree(t, map[string]string{"config.json": mustReadConfig(t, f.cfg)})

	result, err := f.syncer(Options{}).PullState(context.Background(), PullOptions{})
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.False(t, result.Reindexed)
	assert.Zero(t, f.reindex.rebuilt)

	// forceReindex rebuilds even with no record changes.
	result, err = f.syncer(Options{}).PullState(context.Background(), PullOptions{ForceReindex: true})
	require.NoError(t, err)
	assert.True(t, result.Reindexed)
}

func TestPullStateDivergenceFlagsConflict(t *testing.T) {
	f := newSyncFixture(t, true)
	f.git.stub("fetch origin gitgov-state:gitgov-state", "",
		fmt.Errorf("! [rejected] gitgov-state -> gitgov-state (non-fast-forward)"))

	result, err := f.syncer(Options{}).PullState(context.Background(), PullOptions{})
	require.NoError(t, err)
	assert.True(t, result.ConflictDetected)
	assert.False(t, result.Applied)
	assert.Zero(t, f.reindex.rebuilt)
}

func TestPullStateNoRemoteBranchIsNoop(t *testing.T) {
	f := newSyncFixture(t, true)
	f.git.stub("fetch origin gitgov-state:gitgov-state", "",
		fmt.Errorf("fatal: couldn't find remote ref gitgov-state"))

	result, err := f.syncer(Options{}).PullState(context.Background(), PullOptions{})
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.False(t, result.ConflictDetected)
}

func TestResolveConflictRebasesAndRecordsTrailers(t *testing.T) {
	f := newSyncFixture(t, true)
	f.populateWorktree(t, map[string]string{"config.json": mustReadConfig(t, f.cfg)})
	f.git.stub("rebase origin/gitgov-state", "", fmt.Errorf("CONFLICT (content): merge conflict in .gitgov/tasks/1-task-new.json"))
	f.git.stub("rev-parse HEAD", "deadbee", nil)

	result, err := f.syncer(Options{}).ResolveConflict(context.Background(), ResolveOptions{
		Reason:  "Manual merge",
		ActorID: "human:lead-dev",
	})
	require.NoError(t, err)
	assert.Equal(t, "deadbee", result.ResolutionCommit)
	assert.True(t, result.Pushed)

	assert.True(t, f.git.calledWith("checkout --theirs"))
	assert.True(t, f.git.calledWith("rebase --continue"))
	assert.True(t, f.git.calledWith(TrailerResolutionReason+": Manual merge"))
	assert.True(t, f.git.calledWith(TrailerResolutionActor+": human:lead-dev"))
	assert.Equal(t, 1, f.git.countCalls("push --force-with-lease origin gitgov-state"))
}

func TestResolveConflictRequiresReasonAndActor(t *testing.T) {
	f := newSyncFixture(t, true)

	_, err := f.syncer(Options{}).ResolveConflict(context.Background(), ResolveOptions{ActorID: "human:lead-dev"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reason")

	_, err = f.syncer(Options{}).ResolveConflict(context.Background(), ResolveOptions{Reason: "Manual merge"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "actorId")
}

func TestResolveConflictAbortsOnUnrecoverableRebase(t *testing.T) {
	f := newSyncFixture(t, true)
	f.populateWorktree(t, map[string]string{"config.json": mustReadConfig(t, f.cfg)})
	f.git.stub("rebase origin/gitgov-state", "", fmt.Errorf("CONFLICT"))
	f.git.stub("-c core.editor=true rebase --continue", "", fmt.Errorf("could not apply"))

	_, err := f.syncer(Options{}).ResolveConflict(context.Background(), ResolveOptions{
		Reason:  "Manual merge",
		ActorID: "human:lead-dev",
	})
	var rebaseErr *contracts.RebaseFailedError
	require.ErrorAs(t, err, &rebaseErr)
	assert.True(t, f.git.calledWith("rebase --abort"))
	assert.Zero(t, f.git.countCalls("push"))
}

func TestAuditStateCountsHistory(t *testing.T) {
	f := newSyncFixture(t, true)
	sep := "\x1f"
	f.git.stub("log --format=", strings.Join([]string{
		"deadbee" + sep + "1752274700" + sep + "1752274900" + sep + resolutionSubject + sep + "Manual merge" + sep + "human:lead-dev",
		"abc1234" + sep + "1752274500" + sep + "1752274500" + sep + CommitMessage + sep + "" + sep + "",
	}, "\n"), nil)

	report, err := f.syncer(Options{}).AuditState(context.Background(), AuditOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.TotalCommits)
	assert.Equal(t, 1, report.RebaseCommits)
	assert.Equal(t, 1, report.ResolutionCommits)
	require.Len(t, report.Resolutions, 1)
	assert.Equal(t, Resolution{Commit: "deadbee", Reason: "Manual merge", Actor: "human:lead-dev"}, report.Resolutions[0])
	assert.Empty(t, report.Violations)
}

func TestAuditStateMissingBranch(t *testing.T) {
	f := newSyncFixture(t, true)
	f.git.stub("rev-parse --verify --quiet gitgov-state", "", fmt.Errorf("exit status 1"))

	_, err := f.syncer(Options{}).AuditState(context.Background(), AuditOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestAuditStateVerifiesRecordVersions(t *testing.T) {
	f := newSyncFixture(t, true)
	sep := "\x1f"
	f.git.stub("log --format=", "abc1234"+sep+"1752274500"+sep+"1752274500"+sep+CommitMessage+sep+""+sep+"", nil)

	priv, pub := crypto.DeriveKeypair("gitgovernance-protocol-example-actor-01")
	actorJSON := signedRecordJSON(t, contracts.RecordTypeActor, contracts.ActorPayload{
		ID: "human:lead-dev", Type: contracts.ActorTypeHuman, DisplayName: "Lead Developer",
		PublicKey: pub, Roles: []string{"developer", "reviewer"}, Status: contracts.ActorStatusActive,
	}, priv, "human:lead-dev")
	goodTaskJSON := signedRecordJSON(t, contracts.RecordTypeTask, contracts.TaskPayload{
		ID: "1752274500-task-good", Title: "Good", Status: contracts.TaskStatusDraft, Priority: contracts.TaskPriorityMedium,
	}, priv, "human:lead-dev")

	// Tamper with the payload after signing: checksum no longer matches.
	badTaskJSON := strings.Replace(signedRecordJSON(t, contracts.RecordTypeTask, contracts.TaskPayload{
		ID: "1752274501-task-bad", Title: "Bad", Status: contracts.TaskStatusDraft, Priority: contracts.TaskPriorityMedium,
	}, priv, "human:lead-dev"), `"Bad"`, `"Tampered"`, 1)

	f.git.stub("ls-tree -r --name-only abc1234", strings.Join([]string{
		".gitgov/actors/human--lead-dev.json",
		".gitgov/tasks/1752274500-task-good.json",
		".gitgov/tasks/1752274501-task-bad.json",
		".gitgov/config.json",
	}, "\n"), nil)
	f.git.stub("show abc1234:.gitgov/actors/human--lead-dev.json", actorJSON, nil)
	f.git.stub("show abc1234:.gitgov/tasks/1752274500-task-good.json", goodTaskJSON, nil)
	f.git.stub("show abc1234:.gitgov/tasks/1752274501-task-bad.json", badTaskJSON, nil)

	report, err := f.syncer(Options{}).AuditState(context.Background(), AuditOptions{
		VerifySignatures: true,
		VerifyChecksums:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, report.RecordsChecked)
	require.Len(t, report.Violations, 1)
	assert.Contains(t, report.Violations[0], "1752274501-task-bad")
	assert.Contains(t, report.Violations[0], "checksum mismatch")
}

func TestBootstrapFromStateBranch(t *testing.T) {
	f := newSyncFixture(t, false)
	f.populateWorktree(t, map[string]string{
		"config.json":               `{"protocolVersion":"1.0.0","projectId":"test-project"}`,
		"tasks/1-task-seeded.json":  `{"header":{},"payload":{}}`,
		"actors/human--author.json": `{"header":{},"payload":{}}`,
	})

	require.NoError(t, f.syncer(Options{}).BootstrapFromStateBranch(context.Background()))
	assert.FileExists(t, filepath.Join(f.cfg.Root(), "config.json"))
	assert.FileExists(t, filepath.Join(f.cfg.Root(), "tasks", "1-task-seeded.json"))
	assert.True(t, f.cfg.Initialized())
}

func TestBootstrapRefusesInitializedProject(t *testing.T) {
	f := newSyncFixture(t, true)

	err := f.syncer(Options{}).BootstrapFromStateBranch(context.Background())
	var invalid *contracts.InvalidStateError
	require.ErrorAs(t, err, &invalid)
	assert.Zero(t, f.git.countCalls("fetch"))
}

func mustReadConfig(t *testing.T, cfg *config.Manager) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(cfg.Root(), "config.json"))
	require.NoError(t, err)
	return string(data)
}

func signedRecordJSON(t *testing.T, rt contracts.RecordType, payload any, priv ed25519.PrivateKey, keyID string) string {
	t.Helper()
	checksum, err := canonicalize.ChecksumHex(payload)
	require.NoError(t, err)
	rec := map[string]any{
		"header": contracts.Header{
			Version:         contracts.EnvelopeVersion,
			Type:            rt,
			PayloadChecksum: checksum,
			Signatures: []contracts.Signature{
				crypto.NewSignature(priv, checksum, keyID, contracts.RoleAuthor, "audit test", 1752274500),
			},
		},
		"payload": payload,
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	return string(data)
}
