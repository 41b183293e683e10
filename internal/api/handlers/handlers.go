// Package handlers implements the HTTP handlers for the cardmate API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cardmate/advisor/internal/guardrails"
	"github.com/cardmate/advisor/internal/process"
	"github.com/cardmate/advisor/internal/rag"
	"github.com/cardmate/advisor/internal/store"
	"github.com/cardmate/advisor/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Dispatcher runs conversation turns.
type Dispatcher interface {
	HandleTurn(ctx context.Context, text string, history *models.History) string
	NewHistory() *models.History
}

// AgentDirectory lists the connected sub-agents.
type AgentDirectory interface {
	Info() []models.AgentInfo
}

// ProcessLogs exposes captured sub-agent stderr.
type ProcessLogs interface {
	Logs(name string, n int) ([]process.LogEntry, bool)
	List() []process.Info
}

// Searcher is the retrieval engine as seen by the debug endpoint.
type Searcher interface {
	Search(ctx context.Context, query string, topK int, filter models.Filter) []models.SearchResult
}

// ModelStats reports completion provider state.
type ModelStats interface {
	Usage() map[string]models.TokenUsage
	HealthCheck(ctx context.Context) map[string]string
}

// Handlers holds all handler dependencies. Nil collaborators disable the
// endpoints that need them.
type Handlers struct {
	Store      store.Store
	Dispatcher Dispatcher
	Agents     AgentDirectory
	Processes  ProcessLogs
	Search     Searcher
	Models     ModelStats
	Guard      *guardrails.Guard

	// TurnTimeout bounds one conversation turn. Zero means no bound beyond
	// the request context.
	TurnTimeout time.Duration
}

// New creates a new Handlers instance.
func New(s store.Store, d Dispatcher, agents AgentDirectory) *Handlers {
	return &Handlers{Store: s, Dispatcher: d, Agents: agents}
}

// ══════════════════════════════════════════════════════════════
// ── Conversation Handlers ────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type messageRequest struct {
	Text string `json:"text"`
}

type messageResponse struct {
	ConversationID string  `json:"conversation_id"`
	Turn           int     `json:"turn"`
	Reply          string  `json:"reply"`
	LatencyMS      float64 `json:"latency_ms"`
}

type conversationView struct {
	ID        string           `json:"id"`
	Turns     int              `json:"turns"`
	Messages  []models.Message `json:"messages"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// CreateConversation handles POST /api/v1/conversations
func (h *Handlers) CreateConversation(w http.ResponseWriter, r *http.Request) {
	c, err := h.Store.CreateConversation(r.Context(), *h.Dispatcher.NewHistory())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info().Str("conversation", c.ID).Msg("💬 Conversation created")
	respondJSON(w, http.StatusCreated, conversationView{
		ID:        c.ID,
		Messages:  []models.Message{},
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	})
}

// ListConversations handles GET /api/v1/conversations
func (h *Handlers) ListConversations(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	list, err := h.Store.ListConversations(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// GetConversation handles GET /api/v1/conversations/{id}. The transcript
// holds user and assistant text only; ?full=true returns the raw history
// including the system prompt and tool traffic.
func (h *Handlers) GetConversation(w http.ResponseWriter, r *http.Request) {
	c, err := h.Store.GetConversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	msgs := c.Transcript()
	if full, _ := strconv.ParseBool(r.URL.Query().Get("full")); full {
		msgs = c.History
	}
	respondJSON(w, http.StatusOK, conversationView{
		ID:        c.ID,
		Turns:     c.Turns,
		Messages:  msgs,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	})
}

// DeleteConversation handles DELETE /api/v1/conversations/{id}
func (h *Handlers) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteConversation(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SendMessage handles POST /api/v1/conversations/{id}/messages. Turns on
// one conversation run one at a time.
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		respondError(w, http.StatusBadRequest, "text is required")
		return
	}
	in := h.Guard.Screen(guardrails.StageInput, text)
	if in.Blocked {
		log.Warn().Str("conversation", id).Str("guardrail", string(in.Kind)).Msg("🛡️ Message blocked")
		respondJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":     in.Message,
			"guardrail": string(in.Kind),
		})
		return
	}
	if len(in.Redacted) > 0 {
		log.Info().Str("conversation", id).Strs("pii", in.Redacted).Msg("🛡️ PII redacted from message")
	}
	text = in.Text

	ctx := r.Context()
	if h.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.TurnTimeout)
		defer cancel()
	}

	start := time.Now()
	var turn int
	reply, err := h.Store.RunTurn(ctx, id, func(ctx context.Context, history *models.History) string {
		for _, m := range *history {
			if m.Role == models.RoleUser {
				turn++
			}
		}
		turn++
		return h.Dispatcher.HandleTurn(ctx, text, history)
	})
	if err != nil {
		respondStoreError(w, err)
		return
	}

	latency := time.Since(start)
	log.Info().
		Str("conversation", id).
		Int("turn", turn).
		Dur("latency", latency).
		Msg("💬 Turn completed")

	respondJSON(w, http.StatusOK, messageResponse{
		ConversationID: id,
		Turn:           turn,
		Reply:          h.Guard.Screen(guardrails.StageOutput, reply).Text,
		LatencyMS:      float64(latency.Microseconds()) / 1000,
	})
}

// ══════════════════════════════════════════════════════════════
// ── Agent Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type agentView struct {
	models.AgentInfo
	Process *process.Info `json:"process,omitempty"`
}

// ListAgents handles GET /api/v1/agents
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	if h.Agents == nil {
		respondJSON(w, http.StatusOK, []agentView{})
		return
	}
	procs := map[string]process.Info{}
	if h.Processes != nil {
		for _, p := range h.Processes.List() {
			procs[p.Name] = p
		}
	}

	info := h.Agents.Info()
	out := make([]agentView, 0, len(info))
	for _, a := range info {
		v := agentView{AgentInfo: a}
		if p, ok := procs[a.Name]; ok {
			v.Process = &p
		}
		out = append(out, v)
	}
	respondJSON(w, http.StatusOK, out)
}

// AgentLogs handles GET /api/v1/agents/{name}/logs?n=100
func (h *Handlers) AgentLogs(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if h.Processes == nil {
		respondError(w, http.StatusNotFound, "no local process for agent "+name)
		return
	}
	logs, ok := h.Processes.Logs(name, queryInt(r, "n", 100))
	if !ok {
		respondError(w, http.StatusNotFound, "no local process for agent "+name)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"agent": name,
		"lines": logs,
	})
}

// ══════════════════════════════════════════════════════════════
// ── Retrieval / Models ───────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type searchRequest struct {
	Query  string        `json:"query"`
	TopK   int           `json:"top_k"`
	Filter models.Filter `json:"filter,omitempty"`
}

// SearchCards handles POST /api/v1/search
func (h *Handlers) SearchCards(w http.ResponseWriter, r *http.Request) {
	if h.Search == nil {
		respondError(w, http.StatusServiceUnavailable, "retrieval engine not configured")
		return
	}
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		respondError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.TopK <= 0 {
		req.TopK = rag.DefaultTopK
	}

	results := h.Search.Search(r.Context(), req.Query, req.TopK, req.Filter)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"query":   req.Query,
		"results": results,
	})
}

// ModelUsage handles GET /api/v1/models/usage
func (h *Handlers) ModelUsage(w http.ResponseWriter, r *http.Request) {
	if h.Models == nil {
		respondJSON(w, http.StatusOK, map[string]models.TokenUsage{})
		return
	}
	respondJSON(w, http.StatusOK, h.Models.Usage())
}

// ModelHealth handles GET /api/v1/models/health
func (h *Handlers) ModelHealth(w http.ResponseWriter, r *http.Request) {
	if h.Models == nil {
		respondJSON(w, http.StatusOK, map[string]string{})
		return
	}
	respondJSON(w, http.StatusOK, h.Models.HealthCheck(r.Context()))
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case store.IsNotFound(err):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrBusy):
		respondError(w, http.StatusConflict, "another turn is in progress on this conversation")
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}
