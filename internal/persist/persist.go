package persist

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// ErrUnusable is returned when the primary file, its shadow backup, and the
// side-channel fallback are all unreadable or unparseable.
var ErrUnusable = errors.New("catalog unusable: primary, backup, and side channel all failed")

// FallbackFunc fetches a last-known-good snapshot from a side channel
// (e.g. a Redis index server). Returns the raw JSON payload.
type FallbackFunc func() ([]byte, error)

// emptyJSON reports whether the payload carries no entries.
func emptyJSON(data []byte) bool {
	s := string(bytes.TrimSpace(data))
	return s == "" || s == "[]" || s == "{}" || s == "null"
}

// SaveJSON writes v to path atomically (temp file + rename). When the new
// payload is empty and the current file on disk is not, the current file is
// first copied to <path>.bak so a wipe can be rolled back on the next load.
func SaveJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}

	if emptyJSON(data) {
		if cur, err := os.ReadFile(path); err == nil && !emptyJSON(cur) {
			if err := writeAtomic(path+".bak", cur); err != nil {
				slog.Warn("persist.shadow_backup_failed", "path", path, "error", err)
			} else {
				slog.Warn("persist.empty_overwrite", "path", path, "backup", path+".bak")
			}
		}
	}

	return writeAtomic(path, data)
}

// LoadJSON reads path into v following the recovery ladder:
//  1. primary missing but .bak present → restore .bak to primary first
//  2. primary unparseable, or empty while .bak is non-empty → prefer .bak
//     and re-persist the primary
//  3. everything on disk unusable → fallback (side channel), re-persist
func LoadJSON(path string, v interface{}, fallback FallbackFunc) error {
	bak := path + ".bak"

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if data, err := os.ReadFile(bak); err == nil && !emptyJSON(data) {
			slog.Warn("persist.primary_missing_restoring_backup", "path", path)
			if err := writeAtomic(path, data); err != nil {
				return fmt.Errorf("restore backup %s: %w", bak, err)
			}
		}
	}

	data, readErr := os.ReadFile(path)
	if readErr == nil {
		parseErr := json.Unmarshal(data, v)
		if parseErr == nil && !emptyJSON(data) {
			return nil
		}
		// Primary parsed but is empty, or failed to parse: prefer a
		// non-empty backup.
		if bdata, err := os.ReadFile(bak); err == nil && !emptyJSON(bdata) {
			if err := json.Unmarshal(bdata, v); err == nil {
				slog.Warn("persist.recovered_from_backup", "path", path)
				if werr := writeAtomic(path, bdata); werr != nil {
					slog.Warn("persist.repersist_failed", "path", path, "error", werr)
				}
				return nil
			}
		}
		if parseErr == nil {
			return nil // legitimately empty, no backup to prefer
		}
		readErr = parseErr
	} else if os.IsNotExist(readErr) {
		// No primary and no usable backup: an empty catalog, not an error.
		if _, err := os.Stat(bak); os.IsNotExist(err) {
			if fallback == nil {
				return nil
			}
		}
	}

	// Backup ladder for unreadable primary.
	if bdata, err := os.ReadFile(bak); err == nil && !emptyJSON(bdata) {
		if err := json.Unmarshal(bdata, v); err == nil {
			slog.Warn("persist.recovered_from_backup", "path", path)
			if werr := writeAtomic(path, bdata); werr != nil {
				slog.Warn("persist.repersist_failed", "path", path, "error", werr)
			}
			return nil
		}
	}

	if fallback != nil {
		if sdata, err := fallback(); err == nil && !emptyJSON(sdata) {
			if err := json.Unmarshal(sdata, v); err == nil {
				slog.Warn("persist.recovered_from_side_channel", "path", path)
				if werr := writeAtomic(path, sdata); werr != nil {
					slog.Warn("persist.repersist_failed", "path", path, "error", werr)
				}
				return nil
			}
		}
	}

	if readErr != nil && !os.IsNotExist(readErr) {
		return fmt.Errorf("%w: %s: %v", ErrUnusable, path, readErr)
	}
	return nil
}

// writeAtomic writes data via a temp file in the same directory + rename.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
