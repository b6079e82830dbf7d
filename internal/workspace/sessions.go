package workspace

import (
	"bufio"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// SessionSummary describes one mined session transcript.
type SessionSummary struct {
	Path      string    `json:"path"` // relative to the workspace root
	Messages  int       `json:"messages"`
	Bytes     int64     `json:"bytes"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MineSessions scans a workspace for session transcripts (JSONL logs)
// and summarizes them, newest first.
func (m *Monitor) MineSessions(path string) ([]SessionSummary, error) {
	root, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	var out []SessionSummary
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if _, skip := skipDirs[filepath.Base(p)]; skip {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil || !isSessionLog(rel) {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		out = append(out, SessionSummary{
			Path:      rel,
			Messages:  countLines(p),
			Bytes:     info.Size(),
			UpdatedAt: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func countLines(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			n++
		}
	}
	return n
}
