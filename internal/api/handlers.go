package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/result-sentinel/internal/privacy"
	"github.com/raaihank/result-sentinel/internal/rules"
)

// errorResponse is the body of every non-2xx reply
type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// ruleView is the public projection of an effective rule
type ruleView struct {
	ID               string         `json:"id"`
	Scope            rules.Scope    `json:"scope"`
	PatternType      string         `json:"pattern_type"`
	PatternValue     string         `json:"pattern_value"`
	PatternRegex     string         `json:"pattern_regex,omitempty"`
	SensitivityLevel rules.Level    `json:"sensitivity_level"`
	MaskingStrategy  rules.Strategy `json:"masking_strategy"`
}

// rulesResponse lists the effective rules of an agent in precedence order
type rulesResponse struct {
	AgentID  string                `json:"agent_id"`
	Rules    []ruleView            `json:"rules"`
	Warnings []privacy.RuleWarning `json:"warnings,omitempty"`
}

// handleSanitize masks a result set for the agent in the path
func (s *Server) handleSanitize(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agentID"]
	ctx := r.Context()

	rs, err := s.decodeResultSet(w, r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	resp, err := s.service.SanitizeForAgent(ctx, agentID, rs)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) decodeResultSet(w http.ResponseWriter, r *http.Request) (privacy.ResultSet, error) {
	var rs privacy.ResultSet

	body := r.Body
	if s.config.Server.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodyBytes)
	}
	decoder := json.NewDecoder(body)
	decoder.UseNumber()

	if err := decoder.Decode(&rs); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return rs, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		if errors.Is(err, io.EOF) {
			return rs, fmt.Errorf("request body is empty")
		}
		return rs, fmt.Errorf("invalid result set: %w", err)
	}
	if rs.Rows == nil {
		rs.Rows = []privacy.Row{}
	}
	return rs, nil
}

// handleRules returns the effective rules for the agent without sanitizing
func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agentID"]

	set, err := s.service.Resolve(r.Context(), agentID)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}

	resp := rulesResponse{
		AgentID:  agentID,
		Rules:    make([]ruleView, 0, set.Len()),
		Warnings: set.Warnings,
	}
	for _, rule := range set.Rules {
		resp.Rules = append(resp.Rules, ruleView{
			ID:               rule.ID,
			Scope:            rule.Scope,
			PatternType:      string(rule.PatternType),
			PatternValue:     rule.PatternValue,
			PatternRegex:     rule.PatternRegex,
			SensitivityLevel: rule.SensitivityLevel,
			MaskingStrategy:  rule.MaskingStrategy,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleHealth reports the state of every registered dependency
func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, r, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed on %s", r.Method, r.URL.Path))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	checks := make(map[string]string, len(s.checks))
	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			checks[c.Name] = err.Error()
			status = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[c.Name] = "ok"
	}

	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"name":             "result-sentinel",
		"version":          version,
		"uptime_seconds":   int64(time.Since(s.started).Seconds()),
		"storage_driver":   s.config.Storage.Driver,
		"cache_enabled":    s.config.Cache.Enabled,
		"keyed_hash":       s.config.Masking.HashKey != "",
		"include_outcomes": s.config.Masking.IncludeOutcomes,
		"max_rows":         s.config.Masking.MaxRows,
	}
	if s.wsHub != nil {
		info["audit_clients"] = s.wsHub.GetStats().ActiveConnections
	}
	writeJSON(w, http.StatusOK, info)
}

// statusFor maps engine errors to HTTP status codes. Storage outages fail
// closed with 503 so callers never receive unmasked rows.
func statusFor(err error) int {
	switch {
	case errors.Is(err, rules.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, privacy.ErrTooManyRows):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, code int, err error) {
	requestID := privacy.RequestID(r.Context())
	log := s.logger.WithRequestID(requestID)
	if code >= http.StatusInternalServerError {
		log.Error("Request failed", zap.Int("status_code", code), zap.Error(err))
	} else {
		log.Warn("Request rejected", zap.Int("status_code", code), zap.Error(err))
	}

	msg := err.Error()
	if code == http.StatusServiceUnavailable {
		msg = "rule storage unavailable, results withheld"
	}
	writeJSON(w, code, errorResponse{Error: msg, RequestID: requestID})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
