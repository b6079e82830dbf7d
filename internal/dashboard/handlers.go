package dashboard

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/nextlevelbuilder/goswarm/internal/automation"
	"github.com/nextlevelbuilder/goswarm/internal/mailbox"
)

// --- automation ---

func (s *Server) registerAutomationRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/automation", s.public(s.handleListRules))
	mux.HandleFunc("GET /api/automation/executions", s.public(s.handleListExecutions))
	mux.HandleFunc("GET /api/automation/{id}", s.public(s.handleGetRule))
	mux.HandleFunc("POST /api/automation", s.protected(s.handleCreateRule))
	mux.HandleFunc("PUT /api/automation/{id}", s.protected(s.handleUpdateRule))
	mux.HandleFunc("DELETE /api/automation/{id}", s.protected(s.handleDeleteRule))
	mux.HandleFunc("POST /api/automation/{id}/toggle", s.protected(s.handleToggleRule))
	mux.HandleFunc("POST /api/automation/{id}/trigger", s.protected(s.handleTriggerRule))
	mux.HandleFunc("POST /api/automation/enabled", s.protected(s.handleEngineEnabled))
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rules == nil {
		writeError(w, http.StatusServiceUnavailable, "automation unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Rules.List(r.URL.Query().Get("tag")))
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rules == nil {
		writeError(w, http.StatusServiceUnavailable, "automation unavailable")
		return
	}
	rule, ok := s.deps.Rules.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rules == nil {
		writeError(w, http.StatusServiceUnavailable, "automation unavailable")
		return
	}
	var rule automation.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule body: "+err.Error())
		return
	}
	if err := s.deps.Rules.Register(rule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, _ := s.deps.Rules.Get(rule.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rules == nil {
		writeError(w, http.StatusServiceUnavailable, "automation unavailable")
		return
	}
	var patch automation.RulePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid patch body: "+err.Error())
		return
	}
	rule, err := s.deps.Rules.Update(r.PathValue("id"), patch)
	if err != nil {
		writeRuleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rules == nil {
		writeError(w, http.StatusServiceUnavailable, "automation unavailable")
		return
	}
	if err := s.deps.Rules.Remove(r.PathValue("id")); err != nil {
		writeRuleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rules == nil {
		writeError(w, http.StatusServiceUnavailable, "automation unavailable")
		return
	}
	id := r.PathValue("id")
	rule, ok := s.deps.Rules.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	if err := s.deps.Rules.SetEnabled(id, !rule.Enabled); err != nil {
		writeRuleError(w, err)
		return
	}
	updated, _ := s.deps.Rules.Get(id)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleTriggerRule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "automation unavailable")
		return
	}
	var body struct {
		TestData map[string]interface{} `json:"testData"`
		DryRun   bool                   `json:"dryRun"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body) // empty body means a plain trigger
	}
	exec, err := s.deps.Engine.TriggerRule(r.PathValue("id"), body.TestData, body.DryRun)
	if err != nil {
		writeRuleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleEngineEnabled(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "automation unavailable")
		return
	}
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	s.deps.Engine.SetEnabled(body.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": body.Enabled})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "automation unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Engine.Executions(queryInt(r, "limit", 50)))
}

func writeRuleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, automation.ErrRuleNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, automation.ErrRuleInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- workspaces ---

func (s *Server) registerWorkspaceRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/workspaces", s.public(s.handleListWorkspaces))
	mux.HandleFunc("POST /api/workspaces", s.protected(s.handleWatchWorkspace))
	mux.HandleFunc("GET /api/workspaces/{encodedPath}", s.public(s.handleGetWorkspace))
	mux.HandleFunc("DELETE /api/workspaces/{encodedPath}", s.protected(s.handleUnwatchWorkspace))
	mux.HandleFunc("GET /api/workspace-history", s.public(s.handleWorkspaceHistory))
	mux.HandleFunc("GET /api/workspace-history/{encodedPath}", s.public(s.handleWorkspaceHistory))
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	if s.deps.Workspaces == nil {
		writeError(w, http.StatusServiceUnavailable, "workspace monitor unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Workspaces.Status())
}

func (s *Server) handleWatchWorkspace(w http.ResponseWriter, r *http.Request) {
	if s.deps.Workspaces == nil {
		writeError(w, http.StatusServiceUnavailable, "workspace monitor unavailable")
		return
	}
	var body struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Path == "" {
		writeError(w, http.StatusBadRequest, "path required")
		return
	}
	if err := s.deps.Workspaces.Watch(body.Path); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"monitoring": body.Path})
}

func (s *Server) handleUnwatchWorkspace(w http.ResponseWriter, r *http.Request) {
	if s.deps.Workspaces == nil {
		writeError(w, http.StatusServiceUnavailable, "workspace monitor unavailable")
		return
	}
	path, err := url.PathUnescape(r.PathValue("encodedPath"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid encoded path")
		return
	}
	if err := s.deps.Workspaces.Stop(path); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"stopped": path})
}

func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	if s.deps.Workspaces == nil {
		writeError(w, http.StatusServiceUnavailable, "workspace monitor unavailable")
		return
	}
	path, err := url.PathUnescape(r.PathValue("encodedPath"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid encoded path")
		return
	}
	for _, status := range s.deps.Workspaces.Status() {
		if status.Path == path {
			writeJSON(w, http.StatusOK, status)
			return
		}
	}
	writeError(w, http.StatusNotFound, "workspace not monitored")
}

func (s *Server) handleWorkspaceHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Workspaces == nil {
		writeError(w, http.StatusServiceUnavailable, "workspace monitor unavailable")
		return
	}
	entries := s.deps.Workspaces.History(queryInt(r, "limit", 100))
	if encoded := r.PathValue("encodedPath"); encoded != "" {
		path, err := url.PathUnescape(encoded)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid encoded path")
			return
		}
		filtered := entries[:0:0]
		for _, e := range entries {
			if e.Workspace == path {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- messages ---

func (s *Server) registerMessageRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/messages/channels", s.public(s.handleListChannels))
	mux.HandleFunc("GET /api/messages/stats", s.public(s.handleMessageStats))
	mux.HandleFunc("GET /api/messages/by-id/{id}", s.public(s.handleGetMessage))
	mux.HandleFunc("PUT /api/messages/by-id/{id}", s.protected(s.handleUpdateMessage))
	mux.HandleFunc("GET /api/messages/{channel}", s.public(s.handleReadChannel))
	mux.HandleFunc("GET /api/messages", s.public(s.handleReadMessages))
	mux.HandleFunc("POST /api/messages", s.protected(s.handleSendMessage))
	mux.HandleFunc("POST /api/messages/ack", s.protected(s.handleAckMessages))
	mux.HandleFunc("DELETE /api/messages", s.protected(s.handleDeleteMessages))
	mux.HandleFunc("POST /api/messages/inbound", s.handleInboundMessage)
}

func (s *Server) mail(w http.ResponseWriter) *mailbox.Store {
	if s.deps.Mailbox == nil {
		writeError(w, http.StatusServiceUnavailable, "mailbox unavailable")
		return nil
	}
	return s.deps.Mailbox
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	if m := s.mail(w); m != nil {
		writeJSON(w, http.StatusOK, m.ListChannels())
	}
}

func (s *Server) handleMessageStats(w http.ResponseWriter, r *http.Request) {
	if m := s.mail(w); m != nil {
		writeJSON(w, http.StatusOK, m.GetStats())
	}
}

func readOptionsFromQuery(r *http.Request, channel string) mailbox.ReadOptions {
	q := r.URL.Query()
	return mailbox.ReadOptions{
		Channel:     channel,
		Reader:      q.Get("reader"),
		UnreadOnly:  q.Get("unreadOnly") == "true",
		IncludeRead: q.Get("includeRead") == "true",
		MarkRead:    q.Get("markRead") == "true",
		Limit:       queryInt(r, "limit", 0),
	}
}

func (s *Server) handleReadMessages(w http.ResponseWriter, r *http.Request) {
	if m := s.mail(w); m != nil {
		writeJSON(w, http.StatusOK, m.Read(readOptionsFromQuery(r, r.URL.Query().Get("channel"))))
	}
}

func (s *Server) handleReadChannel(w http.ResponseWriter, r *http.Request) {
	if m := s.mail(w); m != nil {
		writeJSON(w, http.StatusOK, m.Read(readOptionsFromQuery(r, r.PathValue("channel"))))
	}
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	m := s.mail(w)
	if m == nil {
		return
	}
	var opts mailbox.SendOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		writeError(w, http.StatusBadRequest, "invalid message body: "+err.Error())
		return
	}
	id, err := m.Send(opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"messageId": id})
}

func (s *Server) handleAckMessages(w http.ResponseWriter, r *http.Request) {
	m := s.mail(w)
	if m == nil {
		return
	}
	var body struct {
		MessageIDs []string `json:"messageIds"`
		Reader     string   `json:"reader"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Reader == "" {
		writeError(w, http.StatusBadRequest, "messageIds and reader required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"acked": m.Ack(body.MessageIDs, body.Reader)})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	m := s.mail(w)
	if m == nil {
		return
	}
	msg, ok := m.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleUpdateMessage(w http.ResponseWriter, r *http.Request) {
	m := s.mail(w)
	if m == nil {
		return
	}
	var patch mailbox.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid patch body: "+err.Error())
		return
	}
	msg, err := m.Update(r.PathValue("id"), patch)
	if err != nil {
		if errors.Is(err, mailbox.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
		} else {
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleDeleteMessages(w http.ResponseWriter, r *http.Request) {
	m := s.mail(w)
	if m == nil {
		return
	}
	var body struct {
		All        bool     `json:"all"`
		Channel    string   `json:"channel"`
		MessageIDs []string `json:"messageIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	var deleted int
	switch {
	case body.All:
		deleted = m.PurgeAll()
	case body.Channel != "":
		deleted = m.PurgeChannel(body.Channel)
	case len(body.MessageIDs) > 0:
		deleted = m.Delete(body.MessageIDs)
	default:
		writeError(w, http.StatusBadRequest, "one of all, channel, messageIds required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

// handleInboundMessage receives peer-forwarded messages. It is
// unauthenticated on purpose: peers on this host have no shared token,
// and the store dedups by message id.
func (s *Server) handleInboundMessage(w http.ResponseWriter, r *http.Request) {
	m := s.mail(w)
	if m == nil {
		return
	}
	var msg mailbox.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil || msg.ID == "" {
		writeError(w, http.StatusBadRequest, "invalid message")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": m.Inbound(msg)})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
