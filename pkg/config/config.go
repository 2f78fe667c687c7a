// Package config manages the .gitgov/config.json project metadata and the
// on-disk layout of the record directories.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"

	"github.com/gitgovernance/core/pkg/contracts"
)

// DirName is the governance directory at the repository root.
const DirName = ".gitgov"

// SupportedProtocol is the constraint the project's protocolVersion must satisfy.
const SupportedProtocol = "^1.0.0"

// ProjectConfig is the content of .gitgov/config.json.
type ProjectConfig struct {
	ProtocolVersion string `json:"protocolVersion"`
	ProjectID       string `json:"projectId"`
	ProjectName     string `json:"projectName"`
	RootCycle       string `json:"rootCycle,omitempty"`
}

// Manager loads and persists project configuration.
type Manager struct {
	root string // path to .gitgov
}

// RecordDirs lists the record subdirectories in their canonical order.
var RecordDirs = map[contracts.RecordType]string{
	contracts.RecordTypeActor:     "actors",
	contracts.RecordTypeAgent:     "agents",
	contracts.RecordTypeTask:      "tasks",
	contracts.RecordTypeCycle:     "cycles",
	contracts.RecordTypeExecution: "executions",
	contracts.RecordTypeFeedback:  "feedback",
	contracts.RecordTypeChangelog: "changelogs",
	contracts.RecordTypeCustom:    "custom",
}

// Locate resolves the .gitgov directory for repoRoot, honouring GITGOV_DIR.
func Locate(repoRoot string) string {
	if dir := os.Getenv("GITGOV_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(repoRoot, DirName)
}

// NewManager creates a manager for the .gitgov directory at root.
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// Root returns the .gitgov directory path.
func (m *Manager) Root() string { return m.root }

// RecordDir returns the directory holding records of type t.
func (m *Manager) RecordDir(t contracts.RecordType) string {
	return filepath.Join(m.root, RecordDirs[t])
}

// SchemaDir returns the directory holding custom-record schemas.
func (m *Manager) SchemaDir() string { return filepath.Join(m.root, "schemas") }

// IndexPath returns the filesystem projection snapshot path.
func (m *Manager) IndexPath() string { return filepath.Join(m.root, "index.json") }

// SessionPath returns the session file path.
func (m *Manager) SessionPath() string { return filepath.Join(m.root, "session.json") }

// Initialized reports whether the .gitgov directory exists.
func (m *Manager) Initialized() bool {
	info, err := os.Stat(m.root)
	return err == nil && info.IsDir()
}

// Load reads and validates config.json. A missing directory surfaces
// ProjectNotInitializedError.
func (m *Manager) Load() (*ProjectConfig, error) {
	raw, err := os.ReadFile(filepath.Join(m.root, "config.json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &contracts.ProjectNotInitializedError{Path: m.root}
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg ProjectConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config.json, creating the record directory tree as needed.
func (m *Manager) Save(cfg *ProjectConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, sub := range RecordDirs {
		if err := os.MkdirAll(filepath.Join(m.root, sub), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", sub, err)
		}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(m.root, "config.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// Validate checks required fields and the protocol version constraint.
func (c *ProjectConfig) Validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("config: projectId is required")
	}
	v, err := semver.NewVersion(c.ProtocolVersion)
	if err != nil {
		return fmt.Errorf("config: invalid protocolVersion %q: %w", c.ProtocolVersion, err)
	}
	constraint, err := semver.NewConstraint(SupportedProtocol)
	if err != nil {
		return fmt.Errorf("config: bad protocol constraint: %w", err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("config: protocolVersion %s outside supported range %s", c.ProtocolVersion, SupportedProtocol)
	}
	return nil
}
