package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths resolves every on-disk location under the data directory. The
// layout is shared between peer processes on the same host.
type Paths struct {
	Root string
}

// NewPaths expands the data dir and creates the directory skeleton.
func NewPaths(dataDir string) (*Paths, error) {
	root := ExpandHome(dataDir)
	p := &Paths{Root: root}
	for _, dir := range []string{
		root,
		filepath.Join(root, "agents"),
		filepath.Join(root, "skills"),
		filepath.Join(root, "automation"),
		filepath.Join(root, "messaging"),
		filepath.Join(root, "workspace"),
		filepath.Join(root, "feedback"),
		filepath.Join(root, "state"),
		filepath.Join(root, "logs"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir %s: %w", dir, err)
		}
	}
	return p, nil
}

func (p *Paths) Agents() string           { return filepath.Join(p.Root, "agents", "agents.json") }
func (p *Paths) Skills() string           { return filepath.Join(p.Root, "skills", "skills.json") }
func (p *Paths) Rules() string            { return filepath.Join(p.Root, "automation", "rules.json") }
func (p *Paths) Messages() string         { return filepath.Join(p.Root, "messaging", "messages.jsonl") }
func (p *Paths) WorkspaceHistory() string { return filepath.Join(p.Root, "workspace", "workspace-history.json") }
func (p *Paths) Feedback() string         { return filepath.Join(p.Root, "feedback", "feedback.jsonl") }
func (p *Paths) TaskHistory() string      { return filepath.Join(p.Root, "state", "task-history.jsonl") }
func (p *Paths) RouterMetrics() string    { return filepath.Join(p.Root, "state", "router-metrics.json") }
func (p *Paths) CrossRepoLog() string     { return filepath.Join(p.Root, "state", "crossrepo.jsonl") }
func (p *Paths) StateVersion() string     { return filepath.Join(p.Root, "state", ".state-version") }
func (p *Paths) StateDir() string         { return filepath.Join(p.Root, "state") }
func (p *Paths) ArchiveDB() string        { return filepath.Join(p.Root, "state", "archive.db") }

// PortFile returns this process's dashboard port-file path.
func (p *Paths) PortFile(pid int) string {
	return filepath.Join(p.Root, "state", fmt.Sprintf("dashboard-%d.json", pid))
}
