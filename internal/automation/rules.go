package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/goswarm/internal/persist"
	"github.com/nextlevelbuilder/goswarm/internal/sidechannel"
	"github.com/nextlevelbuilder/goswarm/internal/watch"
)

var (
	ErrRuleNotFound = errors.New("automation rule not found")
	ErrRuleInvalid  = errors.New("invalid automation rule")
)

// RuleStore owns the rule catalog. Every mutation is dual-written to
// automation/rules.json and, when configured, to the side-channel key
// mgr:rules:all.
type RuleStore struct {
	mu    sync.RWMutex
	rules map[string]*Rule

	path    string
	side    *sidechannel.Client
	watcher *watch.Watcher
	cron    *gronx.Gronx
}

func NewRuleStore(path string, side *sidechannel.Client) (*RuleStore, error) {
	s := &RuleStore{
		rules: make(map[string]*Rule),
		path:  path,
		side:  side,
		cron:  gronx.New(),
	}

	var rules []Rule
	fallback := func() ([]byte, error) { return side.Get(sidechannel.KeyRules) }
	if !side.Enabled() {
		fallback = nil
	}
	if err := persist.LoadJSON(path, &rules, fallback); err != nil {
		return nil, fmt.Errorf("load rule catalog: %w", err)
	}
	for _, rule := range rules {
		rule := rule
		s.rules[rule.ID] = &rule
	}

	w, err := watch.New(path, s.reloadFromDisk)
	if err != nil {
		slog.Warn("automation.watch_unavailable", "path", path, "error", err)
	} else {
		s.watcher = w
	}
	return s, nil
}

func (s *RuleStore) Close() {
	if s.watcher != nil {
		s.watcher.Close()
	}
}

// Register adds or replaces a rule.
func (s *RuleStore) Register(rule Rule) error {
	if err := s.validate(&rule); err != nil {
		return err
	}
	now := time.Now()
	if rule.Version == "" {
		rule.Version = "1.0.0"
	}
	if rule.Priority == "" {
		rule.Priority = PriorityNormal
	}

	s.mu.Lock()
	if existing, ok := s.rules[rule.ID]; ok {
		rule.CreatedAt = existing.CreatedAt
	} else {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	s.rules[rule.ID] = &rule
	s.saveLocked()
	s.mu.Unlock()

	slog.Info("automation.rule_registered", "rule", rule.ID, "skill", rule.SkillID, "enabled", rule.Enabled)
	return nil
}

// Update patches a rule and bumps its semver patch number.
func (s *RuleStore) Update(id string, patch RulePatch) (*Rule, error) {
	s.mu.Lock()
	rule, ok := s.rules[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrRuleNotFound, id)
	}
	if patch.Name != nil {
		rule.Name = *patch.Name
	}
	if patch.Enabled != nil {
		rule.Enabled = *patch.Enabled
	}
	if patch.Priority != nil {
		rule.Priority = *patch.Priority
	}
	if patch.Matcher != nil {
		rule.Matcher = *patch.Matcher
	}
	if patch.SkillID != nil {
		rule.SkillID = *patch.SkillID
	}
	if patch.Params != nil {
		rule.Params = *patch.Params
	}
	if patch.Throttle != nil {
		rule.Throttle = patch.Throttle
	}
	if patch.Retry != nil {
		rule.Retry = patch.Retry
	}
	if patch.Conditions != nil {
		rule.Conditions = *patch.Conditions
	}
	if patch.MaxConcurrent != nil {
		rule.MaxConcurrent = *patch.MaxConcurrent
	}
	if patch.Schedule != nil {
		rule.Schedule = *patch.Schedule
	}
	if patch.Tags != nil {
		rule.Tags = *patch.Tags
	}
	if err := s.validate(rule); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	rule.Version = bumpPatch(rule.Version)
	rule.UpdatedAt = time.Now()
	out := *rule
	s.saveLocked()
	s.mu.Unlock()
	return &out, nil
}

// Remove deletes a rule by id.
func (s *RuleStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return fmt.Errorf("%w: %q", ErrRuleNotFound, id)
	}
	delete(s.rules, id)
	s.saveLocked()
	return nil
}

// SetEnabled toggles a single rule.
func (s *RuleStore) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrRuleNotFound, id)
	}
	rule.Enabled = enabled
	rule.UpdatedAt = time.Now()
	s.saveLocked()
	return nil
}

// Get returns a copy of one rule.
func (s *RuleStore) Get(id string) (Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[id]
	if !ok {
		return Rule{}, false
	}
	return *rule, true
}

// List returns rules filtered by tag, sorted by id. Empty tag = all.
func (s *RuleStore) List(tag string) []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Rule
	for _, rule := range s.rules {
		if tag != "" && !hasTag(rule.Tags, tag) {
			continue
		}
		out = append(out, *rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListByPriority returns all rules ordered critical first, id as the
// tie-break.
func (s *RuleStore) ListByPriority() []Rule {
	out := s.List("")
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority.rank() != out[j].Priority.rank() {
			return out[i].Priority.rank() < out[j].Priority.rank()
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Scheduled returns enabled rules carrying a cron schedule.
func (s *RuleStore) Scheduled() []Rule {
	var out []Rule
	for _, rule := range s.List("") {
		if rule.Enabled && rule.Schedule != "" {
			out = append(out, rule)
		}
	}
	return out
}

func (s *RuleStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

func (s *RuleStore) validate(rule *Rule) error {
	if rule.ID == "" {
		return fmt.Errorf("%w: missing id", ErrRuleInvalid)
	}
	if rule.SkillID == "" {
		return fmt.Errorf("%w: missing skillId", ErrRuleInvalid)
	}
	if len(rule.Matcher.Events) == 0 && rule.Schedule == "" {
		return fmt.Errorf("%w: rule needs matcher events or a schedule", ErrRuleInvalid)
	}
	if rule.Schedule != "" && !s.cron.IsValid(rule.Schedule) {
		return fmt.Errorf("%w: bad cron expression %q", ErrRuleInvalid, rule.Schedule)
	}
	if rule.Throttle != nil && rule.Throttle.Mode != "" &&
		rule.Throttle.Mode != ThrottleLeading && rule.Throttle.Mode != ThrottleTrailing {
		return fmt.Errorf("%w: unknown throttle mode %q", ErrRuleInvalid, rule.Throttle.Mode)
	}
	return nil
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// bumpPatch increments the last segment of a semver string.
func bumpPatch(version string) string {
	parts := strings.Split(version, ".")
	if len(parts) != 3 {
		return "1.0.1"
	}
	n, err := strconv.Atoi(parts[2])
	if err != nil {
		return "1.0.1"
	}
	parts[2] = strconv.Itoa(n + 1)
	return strings.Join(parts, ".")
}

// saveLocked dual-writes the catalog. Callers hold s.mu.
func (s *RuleStore) saveLocked() {
	rules := make([]Rule, 0, len(s.rules))
	for _, rule := range s.rules {
		rules = append(rules, *rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	if s.watcher != nil {
		s.watcher.MarkSelfWrite()
	}
	if err := persist.SaveJSON(s.path, rules); err != nil {
		slog.Error("automation.persist_failed", "path", s.path, "error", err)
		return
	}
	if s.side.Enabled() {
		if data, err := json.Marshal(rules); err == nil {
			s.side.Put(sidechannel.KeyRules, data)
		}
	}
}

// reloadFromDisk replaces the catalog after an external edit. A wipe to
// empty while memory is non-empty is refused.
func (s *RuleStore) reloadFromDisk() {
	var rules []Rule
	if err := persist.LoadJSON(s.path, &rules, nil); err != nil {
		slog.Warn("automation.reload_failed", "path", s.path, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(rules) == 0 && len(s.rules) > 0 {
		slog.Warn("automation.reload_refused_empty", "path", s.path, "inMemory", len(s.rules))
		return
	}
	s.rules = make(map[string]*Rule, len(rules))
	for _, rule := range rules {
		rule := rule
		s.rules[rule.ID] = &rule
	}
	slog.Info("automation.hot_reload", "count", len(rules))
}
