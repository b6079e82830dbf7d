package skills

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/goswarm/internal/bus"
	"github.com/nextlevelbuilder/goswarm/internal/persist"
	"github.com/nextlevelbuilder/goswarm/internal/sidechannel"
	"github.com/nextlevelbuilder/goswarm/internal/watch"
	"github.com/nextlevelbuilder/goswarm/pkg/protocol"
)

var (
	ErrNotFound = errors.New("skill not found")
	ErrInvalid  = errors.New("invalid skill definition")
)

// Store is the skill catalog. Every mutation is dual-written: to
// skills/skills.json and, when configured, to the side-channel key
// mgr:skills:all for cross-restart recovery.
type Store struct {
	mu     sync.RWMutex
	skills map[string]*Definition

	bus     bus.Publisher
	path    string
	side    *sidechannel.Client
	watcher *watch.Watcher
}

// NewStore loads the catalog and seeds the built-in default skills when
// the catalog is empty at first boot.
func NewStore(path string, eventBus bus.Publisher, side *sidechannel.Client) (*Store, error) {
	s := &Store{
		skills: make(map[string]*Definition),
		bus:    eventBus,
		path:   path,
		side:   side,
	}

	var defs []Definition
	fallback := func() ([]byte, error) { return side.Get(sidechannel.KeySkills) }
	if !side.Enabled() {
		fallback = nil
	}
	if err := persist.LoadJSON(path, &defs, fallback); err != nil {
		return nil, fmt.Errorf("load skill catalog: %w", err)
	}
	for _, def := range defs {
		def := def
		s.skills[def.ID] = &def
	}

	if len(s.skills) == 0 {
		for _, def := range DefaultSkills() {
			def := def
			s.skills[def.ID] = &def
		}
		slog.Info("skills.seeded_defaults", "count", len(s.skills))
		s.mu.Lock()
		s.saveLocked()
		s.mu.Unlock()
	}

	w, err := watch.New(path, s.reloadFromDisk)
	if err != nil {
		slog.Warn("skills.watch_unavailable", "path", path, "error", err)
	} else {
		s.watcher = w
	}
	return s, nil
}

// Close stops the hot-reload watcher.
func (s *Store) Close() {
	if s.watcher != nil {
		s.watcher.Close()
	}
}

// Register adds or replaces a skill.
func (s *Store) Register(def Definition) error {
	if def.ID == "" || def.PromptTemplate == "" {
		return fmt.Errorf("%w: id and promptTemplate are required", ErrInvalid)
	}
	if !def.Strategy.Valid() {
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalid, def.Strategy)
	}
	if def.Version == "" {
		def.Version = "1.0.0"
	}

	s.mu.Lock()
	s.skills[def.ID] = &def
	s.saveLocked()
	s.mu.Unlock()

	s.bus.Emit(protocol.EventSkillRegistered, map[string]interface{}{"skillId": def.ID, "strategy": string(def.Strategy)})
	return nil
}

// Remove deletes a skill by id.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	if _, ok := s.skills[id]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.skills, id)
	s.saveLocked()
	s.mu.Unlock()

	s.bus.Emit(protocol.EventSkillRemoved, map[string]interface{}{"skillId": id})
	return nil
}

// Get returns a copy of one skill.
func (s *Store) Get(id string) (*Definition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.skills[id]
	if !ok {
		return nil, false
	}
	snapshot := *def
	return &snapshot, true
}

// List returns all skills, optionally filtered to one category, sorted by id.
func (s *Store) List(category string) []Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Definition
	for _, def := range s.skills {
		if category != "" && !contains(def.Categories, category) {
			continue
		}
		out = append(out, *def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Search returns skills whose id, name, or description contains any of the
// keywords (case-insensitive).
func (s *Store) Search(keywords []string) []Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Definition
	for _, def := range s.skills {
		haystack := strings.ToLower(def.ID + " " + def.Name + " " + def.Description)
		for _, kw := range keywords {
			if kw != "" && strings.Contains(haystack, strings.ToLower(kw)) {
				out = append(out, *def)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the catalog size.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.skills)
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// saveLocked dual-writes the catalog. Callers hold s.mu.
func (s *Store) saveLocked() {
	defs := make([]Definition, 0, len(s.skills))
	for _, def := range s.skills {
		defs = append(defs, *def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })

	if s.watcher != nil {
		s.watcher.MarkSelfWrite()
	}
	if err := persist.SaveJSON(s.path, defs); err != nil {
		slog.Error("skills.persist_failed", "path", s.path, "error", err)
		return
	}
	if s.side.Enabled() {
		if data, err := json.Marshal(defs); err == nil {
			s.side.Put(sidechannel.KeySkills, data)
		}
	}
}

// reloadFromDisk replaces the catalog after an external edit. A wipe to
// empty while memory is non-empty is refused.
func (s *Store) reloadFromDisk() {
	var defs []Definition
	if err := persist.LoadJSON(s.path, &defs, nil); err != nil {
		slog.Warn("skills.reload_failed", "path", s.path, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(defs) == 0 && len(s.skills) > 0 {
		slog.Warn("skills.reload_refused_empty", "path", s.path, "inMemory", len(s.skills))
		return
	}
	s.skills = make(map[string]*Definition, len(defs))
	for _, def := range defs {
		def := def
		s.skills[def.ID] = &def
	}
	slog.Info("skills.hot_reload", "count", len(defs))
}
