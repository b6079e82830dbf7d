package dashboard

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// PortFile advertises a live dashboard instance to peers on this host.
type PortFile struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"startedAt"`
	Cwd       string    `json:"cwd"`
}

func portFilePath(stateDir string, pid int) string {
	return filepath.Join(stateDir, "dashboard-"+strconv.Itoa(pid)+".json")
}

// WritePortFile announces this process's dashboard port.
func WritePortFile(stateDir string, port int) error {
	cwd, _ := os.Getwd()
	pf := PortFile{PID: os.Getpid(), Port: port, StartedAt: time.Now(), Cwd: cwd}
	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(portFilePath(stateDir, pf.PID), data, 0o644)
}

// RemovePortFile withdraws this process's announcement (clean shutdown).
func RemovePortFile(stateDir string) {
	os.Remove(portFilePath(stateDir, os.Getpid()))
}

// SweepStalePortFiles removes announcements left by dead processes.
func SweepStalePortFiles(stateDir string) int {
	removed := 0
	for _, pf := range readPortFiles(stateDir) {
		if pf.PID == os.Getpid() || pidAlive(pf.PID) {
			continue
		}
		if err := os.Remove(portFilePath(stateDir, pf.PID)); err == nil {
			removed++
			slog.Info("dashboard.stale_portfile_removed", "pid", pf.PID, "port", pf.Port)
		}
	}
	return removed
}

// DiscoverPeers lists live peer dashboards, excluding this process.
func DiscoverPeers(stateDir string) []PortFile {
	var out []PortFile
	for _, pf := range readPortFiles(stateDir) {
		if pf.PID == os.Getpid() || !pidAlive(pf.PID) {
			continue
		}
		out = append(out, pf)
	}
	return out
}

func readPortFiles(stateDir string) []PortFile {
	entries, err := os.ReadDir(stateDir)
	if err != nil {
		return nil
	}
	var out []PortFile
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "dashboard-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(stateDir, name))
		if err != nil {
			continue
		}
		var pf PortFile
		if err := json.Unmarshal(data, &pf); err != nil || pf.PID == 0 || pf.Port == 0 {
			continue
		}
		out = append(out, pf)
	}
	return out
}

// pidAlive probes a process with signal 0.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
