package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/tirs/engine/internal/audit"
	"github.com/tirs/engine/internal/enforcement"
	"github.com/tirs/engine/internal/engine"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps engine errors onto HTTP status codes: unknown agents
// are 404, invalid-state operations are 409, everything else is 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrAgentUnknown):
		return http.StatusNotFound
	case errors.Is(err, enforcement.ErrNotKilled),
		errors.Is(err, enforcement.ErrAgentKilled),
		errors.Is(err, enforcement.ErrResurrectionLimit),
		errors.Is(err, enforcement.ErrAppealDecided):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// AnalyzeIntent evaluates one proposed agent action.
func AnalyzeIntent(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req engine.IntentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		result, err := eng.AnalyzeIntent(r.Context(), req)
		if err != nil {
			if req.AgentID == "" || req.Text == "" {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// GetAgentStatus returns one agent's run-state and risk summary.
func GetAgentStatus(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := eng.GetAgentStatus(mux.Vars(r)["agent_id"])
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

// GetEnforcementHistory returns an agent's enforcement actions, oldest
// first. ?limit=N bounds the result.
func GetEnforcementHistory(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		actions := eng.EnforcementHistory(mux.Vars(r)["agent_id"], limit)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"actions": actions,
			"count":   len(actions),
		})
	}
}

// GetDashboard returns the aggregated risk posture.
func GetDashboard(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, eng.GetRiskDashboard())
	}
}

// ResurrectRequest is the request body for direct resurrection.
type ResurrectRequest struct {
	AdminID string `json:"admin_id"`
	Reason  string `json:"reason"`
}

// ResurrectAgent restores a killed agent after human review.
func ResurrectAgent(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ResurrectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if req.AdminID == "" {
			http.Error(w, "admin_id is required", http.StatusBadRequest)
			return
		}

		action, err := eng.ResurrectAgent(mux.Vars(r)["agent_id"], req.AdminID, req.Reason)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusOK, action)
	}
}

// AppealSubmission is the request body for filing an appeal.
type AppealSubmission struct {
	AgentID       string `json:"agent_id"`
	RequestedBy   string `json:"requested_by"`
	Justification string `json:"justification"`
	EnforcementID string `json:"enforcement_id,omitempty"`
}

// SubmitAppeal files a resurrection appeal for a killed agent.
func SubmitAppeal(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AppealSubmission
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if req.AgentID == "" || req.RequestedBy == "" {
			http.Error(w, "agent_id and requested_by are required", http.StatusBadRequest)
			return
		}

		appeal, err := eng.SubmitResurrectionAppeal(req.AgentID, req.RequestedBy, req.Justification, req.EnforcementID)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusCreated, appeal)
	}
}

// AppealDecision is the request body for deciding an appeal.
type AppealDecision struct {
	DecidedBy string `json:"decided_by"`
	Note      string `json:"note"`
	Approve   bool   `json:"approve"`
}

// DecideAppeal records the human verdict; approval resurrects.
func DecideAppeal(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AppealDecision
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if req.DecidedBy == "" {
			http.Error(w, "decided_by is required", http.StatusBadRequest)
			return
		}

		decided, err := eng.DecideAppeal(mux.Vars(r)["appeal_id"], req.DecidedBy, req.Note, req.Approve)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusOK, decided)
	}
}

// VerifyAudit walks the full audit chain. A tampered chain returns 409
// with the verification report so operators see exactly where the
// chain broke.
func VerifyAudit(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := eng.VerifyAuditChain()
		if err != nil {
			if errors.Is(err, audit.ErrChainTampered) {
				writeJSON(w, http.StatusConflict, report)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// GetAuditEntries returns the newest audit entries. ?limit=N bounds the
// result; default 100.
func GetAuditEntries(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
		if err != nil || limit <= 0 {
			limit = 100
		}
		entries := eng.AuditEntries(limit)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"entries": entries,
			"count":   len(entries),
		})
	}
}

// ExportRequest is the request body for a forensic export.
type ExportRequest struct {
	Path string `json:"path"`
}

// ExportForensics writes the agent's snapshot + timeline bundle to the
// requested path on the server.
func ExportForensics(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ExportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if req.Path == "" {
			http.Error(w, "path is required", http.StatusBadRequest)
			return
		}

		agentID := mux.Vars(r)["agent_id"]
		if err := eng.ExportAgentForensics(agentID, req.Path); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"agent_id": agentID,
			"path":     req.Path,
			"status":   "exported",
		})
	}
}

// Health is the liveness probe.
func Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
