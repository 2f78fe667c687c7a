// Package container wires the process singletons: configuration, stores,
// identity, the event bus, workflow engine, adapters, watcher, projector,
// syncer, auditor, and lint. Every component is constructed exactly once and
// shared; the CLI and embedders reach everything through the container.
package container

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gitgovernance/core/pkg/adapters"
	"github.com/gitgovernance/core/pkg/auditor"
	"github.com/gitgovernance/core/pkg/config"
	"github.com/gitgovernance/core/pkg/contracts"
	"github.com/gitgovernance/core/pkg/eventbus"
	"github.com/gitgovernance/core/pkg/identity"
	"github.com/gitgovernance/core/pkg/lint"
	"github.com/gitgovernance/core/pkg/observability"
	"github.com/gitgovernance/core/pkg/projector"
	"github.com/gitgovernance/core/pkg/schema"
	"github.com/gitgovernance/core/pkg/store"
	"github.com/gitgovernance/core/pkg/syncer"
	"github.com/gitgovernance/core/pkg/watcher"
	"github.com/gitgovernance/core/pkg/workflow"
)

// Options configure container construction.
type Options struct {
	// RepoRoot is the repository root; the governance directory is resolved
	// from it (honouring GITGOV_DIR).
	RepoRoot string

	Logger  *slog.Logger
	Metrics *observability.Provider

	// Git overrides the subprocess git client, for tests.
	Git syncer.Git
	// Sink overrides the projection sink; nil resolves it from the
	// environment (GITGOV_INDEX_SINK / GITGOV_INDEX_DSN).
	Sink projector.Sink
}

// Container holds the wired singletons.
type Container struct {
	Config  *config.Manager
	Bus     *eventbus.Bus
	Stores  adapters.Stores
	Session *identity.SessionManager

	Identity   *identity.Adapter
	Workflow   *workflow.Engine
	Backlog    *adapters.BacklogAdapter
	Executions *adapters.ExecutionAdapter
	Feedback   *adapters.FeedbackAdapter
	Changelogs *adapters.ChangelogAdapter
	Agents     *adapters.AgentAdapter

	Watcher   *watcher.Watcher
	Projector *projector.Projector
	Syncer    *syncer.Syncer
	Auditor   *auditor.Auditor
	Lint      *lint.Engine

	Logger  *slog.Logger
	Metrics *observability.Provider

	git         syncer.Git
	blockingSub string
}

// New builds the container. The project does not have to be initialized yet;
// operations that need records fail with ProjectNotInitializedError when run
// against an empty root.
func New(ctx context.Context, opts Options) (*Container, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	repoRoot := opts.RepoRoot
	if repoRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		repoRoot = wd
	}

	cfg := config.NewManager(config.Locate(repoRoot))
	bus := eventbus.New(logger)

	stores, err := openStores(cfg)
	if err != nil {
		return nil, err
	}

	keys := identity.NewFileKeyProvider(cfg.RecordDir(contracts.RecordTypeActor))
	session := identity.NewSessionManager(cfg.SessionPath(), keys)
	ident := identity.NewAdapter(stores.Actors, keys, session, bus, logger)
	if cfg.Initialized() {
		if err := session.Load(ident.ResolveKey); err != nil {
			logger.Warn("session not restored", "error", err)
		}
	}
	// Every store verifies signatures against the actor registry; the actor
	// store's own resolver is installed by the identity adapter.
	stores.Agents.SetResolver(ident.ResolveKey)
	stores.Tasks.SetResolver(ident.ResolveKey)
	stores.Cycles.SetResolver(ident.ResolveKey)
	stores.Executions.SetResolver(ident.ResolveKey)
	stores.Feedback.SetResolver(ident.ResolveKey)
	stores.Changelogs.SetResolver(ident.ResolveKey)
	stores.Custom.SetResolver(ident.ResolveKey)

	rules := workflow.NewRuleRegistry()
	methodology, err := loadMethodology(cfg, rules)
	if err != nil {
		return nil, err
	}
	engine := workflow.NewEngine(methodology, rules)

	backlog := adapters.NewBacklogAdapter(adapters.BacklogOptions{
		Stores:   stores,
		Identity: ident,
		Engine:   engine,
		Bus:      bus,
		Metrics:  opts.Metrics,
		Logger:   logger,
	})
	executions := adapters.NewExecutionAdapter(stores, ident, backlog, bus, opts.Metrics, logger)
	feedback := adapters.NewFeedbackAdapter(stores, ident, bus, opts.Metrics, logger)
	changelogs := adapters.NewChangelogAdapter(stores, ident, bus, opts.Metrics, logger)
	agents := adapters.NewAgentAdapter(stores, ident, bus, opts.Metrics, logger)

	git := opts.Git
	if git == nil {
		git = syncer.NewExecGit()
	}

	sink := opts.Sink
	if sink == nil {
		sink, err = projector.NewSinkFromEnv(ctx, cfg.IndexPath())
		if err != nil {
			return nil, err
		}
	}
	proj := projector.New(projector.Options{
		Stores:  stores,
		Sink:    sink,
		Bus:     bus,
		Metrics: opts.Metrics,
		Logger:  logger,
		RepoID:  repoID(cfg, repoRoot),
		LastCommit: func() string {
			out, err := git.Exec(context.Background(), repoRoot, "rev-parse", "HEAD")
			if err != nil {
				return ""
			}
			return out
		},
	})

	lintEngine := lint.New(lint.Options{
		Stores:  stores,
		Engine:  engine,
		Metrics: opts.Metrics,
		Logger:  logger,
	})

	sync := syncer.New(syncer.Options{
		Git:      git,
		Config:   cfg,
		RepoRoot: repoRoot,
		Reindex:  proj,
		Preflight: func(ctx context.Context) error {
			report, err := lintEngine.Check(ctx)
			if err != nil {
				return err
			}
			if report.HasErrors() {
				return fmt.Errorf("lint found %d blocking violations; fix them before pushing state", report.Errors())
			}
			return nil
		},
		Metrics: opts.Metrics,
		Logger:  logger,
	})

	aud := auditor.New(auditor.Options{
		Root:    repoRoot,
		Git:     git,
		Waivers: auditor.NewFeedbackWaivers(stores.Feedback),
		Metrics: opts.Metrics,
		Logger:  logger,
	})

	c := &Container{
		Config:     cfg,
		Bus:        bus,
		Stores:     stores,
		Session:    session,
		Identity:   ident,
		Workflow:   engine,
		Backlog:    backlog,
		Executions: executions,
		Feedback:   feedback,
		Changelogs: changelogs,
		Agents:     agents,
		Watcher:    watcher.New(cfg, bus, watcher.Options{Logger: logger}),
		Projector:  proj,
		Syncer:     sync,
		Auditor:    aud,
		Lint:       lintEngine,
		Logger:     logger,
		Metrics:    opts.Metrics,
		git:        git,
	}
	c.blockingSub = bus.Subscribe(contracts.EventFeedbackBlocking, c.onBlockingFeedback)
	return c, nil
}

// onBlockingFeedback pauses the blocked task. The pause is signed by the actor
// who raised the blocking feedback.
func (c *Container) onBlockingFeedback(event contracts.Event) {
	payload, ok := event.Payload.(map[string]any)
	if !ok {
		return
	}
	taskID, _ := payload["taskId"].(string)
	actorID, _ := payload["actorId"].(string)
	if actorID == "" {
		actorID = c.Identity.CurrentActor()
	}
	if taskID == "" || actorID == "" {
		return
	}
	if _, err := c.Backlog.PauseTask(context.Background(), taskID, actorID); err != nil {
		c.Logger.Warn("blocking feedback did not pause task", "task", taskID, "error", err)
	}
}

// Init bootstraps a new project: config.json, the record directory tree, the
// founding human actor, and the session pointing at it.
func (c *Container) Init(ctx context.Context, projectName, actorName string) error {
	if c.Config.Initialized() {
		if _, err := c.Config.Load(); err == nil {
			return fmt.Errorf("project already initialized at %s", c.Config.Root())
		}
	}
	if projectName == "" {
		projectName = filepath.Base(filepath.Dir(c.Config.Root()))
	}
	if actorName == "" {
		actorName = "operator"
	}

	if err := c.Config.Save(&config.ProjectConfig{
		ProtocolVersion: "1.0.0",
		ProjectID:       contracts.Slug(projectName),
		ProjectName:     projectName,
	}); err != nil {
		return err
	}

	actorID := "human:" + contracts.Slug(actorName)
	if _, err := c.Identity.CreateActor(ctx, contracts.ActorPayload{
		ID:          actorID,
		Type:        contracts.ActorTypeHuman,
		DisplayName: actorName,
		Roles:       []string{"developer", "reviewer", "maintainer"},
	}); err != nil {
		return err
	}
	if err := c.Session.SetCurrentActor(actorID); err != nil {
		return err
	}
	c.Logger.Info("project initialized", "project", projectName, "actor", actorID)
	return nil
}

// Close releases everything the container started. Idempotent.
func (c *Container) Close() {
	if c.blockingSub != "" {
		c.Bus.Unsubscribe(c.blockingSub)
		c.blockingSub = ""
	}
	c.Watcher.Stop()
	c.Projector.Stop()
	c.Bus.Close()
}

func openStores(cfg *config.Manager) (adapters.Stores, error) {
	var s adapters.Stores
	var err error
	scoped := store.Options{Encoder: store.ScopedEncoder{}}
	if s.Actors, err = store.New[contracts.ActorPayload](cfg.RecordDir(contracts.RecordTypeActor), contracts.RecordTypeActor, scoped); err != nil {
		return s, err
	}
	if s.Agents, err = store.New[contracts.AgentPayload](cfg.RecordDir(contracts.RecordTypeAgent), contracts.RecordTypeAgent, scoped); err != nil {
		return s, err
	}
	if s.Tasks, err = store.New[contracts.TaskPayload](cfg.RecordDir(contracts.RecordTypeTask), contracts.RecordTypeTask, store.Options{}); err != nil {
		return s, err
	}
	if s.Cycles, err = store.New[contracts.CyclePayload](cfg.RecordDir(contracts.RecordTypeCycle), contracts.RecordTypeCycle, store.Options{}); err != nil {
		return s, err
	}
	if s.Executions, err = store.New[contracts.ExecutionPayload](cfg.RecordDir(contracts.RecordTypeExecution), contracts.RecordTypeExecution, store.Options{}); err != nil {
		return s, err
	}
	if s.Feedback, err = store.New[contracts.FeedbackPayload](cfg.RecordDir(contracts.RecordTypeFeedback), contracts.RecordTypeFeedback, store.Options{}); err != nil {
		return s, err
	}
	if s.Changelogs, err = store.New[contracts.ChangelogPayload](cfg.RecordDir(contracts.RecordTypeChangelog), contracts.RecordTypeChangelog, store.Options{}); err != nil {
		return s, err
	}
	// Custom records carry opaque payloads validated against the schema their
	// header pins, resolved locally under .gitgov/schemas/.
	validator := schema.NewValidator(cfg.SchemaDir())
	if s.Custom, err = store.New[json.RawMessage](cfg.RecordDir(contracts.RecordTypeCustom), contracts.RecordTypeCustom, store.Options{Validate: validator.ValidateCustom}); err != nil {
		return s, err
	}
	return s, nil
}

// repoID derives the projection key: the configured project ID when the
// project is initialized, the directory name otherwise.
func repoID(cfg *config.Manager, repoRoot string) string {
	if pc, err := cfg.Load(); err == nil && pc.ProjectID != "" {
		return pc.ProjectID
	}
	return strings.ToLower(filepath.Base(repoRoot))
}

// loadMethodology resolves .gitgov/methodology.{json,yaml,yml}, falling back
// to the built-in default table.
func loadMethodology(cfg *config.Manager, rules *workflow.RuleRegistry) (*workflow.Methodology, error) {
	for _, name := range []string{"methodology.json", "methodology.yaml", "methodology.yml"} {
		path := filepath.Join(cfg.Root(), name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		m, err := workflow.Load(path, rules)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	return workflow.Default(), nil
}
