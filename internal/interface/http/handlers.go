package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/tempus-labs/tempus-crowdsale/internal/application/command"
	"github.com/tempus-labs/tempus-crowdsale/internal/application/query"
	"github.com/tempus-labs/tempus-crowdsale/internal/domain/shared"
	"github.com/tempus-labs/tempus-crowdsale/pkg/logger"
)

// CallerHeader carries the account on whose behalf an administrative call
// is made.
const CallerHeader = "X-Caller-Account"

// ══════════════════════════════════════════════════════════════════════════════
// ROOT & HEALTH HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleRoot returns API information.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"name":    "Tempus Crowdsale API",
		"version": s.config.Version,
		"endpoints": map[string]string{
			"health":         "/health",
			"status":         "/api/v1/crowdsale",
			"rounds":         "/api/v1/crowdsale/rounds",
			"contributions":  "/api/v1/crowdsale/contributions",
			"beneficiaries":  "/api/v1/crowdsale/beneficiaries",
			"administrators": "/api/v1/crowdsale/administrators",
		},
	})
}

// handleHealth returns the health status of all dependencies.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.HealthChecker == nil {
		writeJSON(w, r, http.StatusOK, map[string]string{"status": "healthy"})
		return
	}

	status := s.deps.HealthChecker.Check(r.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, status)
}

// handleReady reports whether the service can accept traffic.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.HealthChecker != nil {
		if status := s.deps.HealthChecker.Check(r.Context()); !status.Healthy {
			writeJSONError(w, r, http.StatusServiceUnavailable, "not_ready", status.Message)
			return
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

// handleLive is a liveness probe.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "alive"})
}

// ══════════════════════════════════════════════════════════════════════════════
// QUERY HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleGetStatus returns the crowdsale status.
// Query params: fresh=true bypasses the status cache.
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.GetStatusHandler == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "not_implemented", "status endpoint not configured")
		return
	}

	fresh, _ := strconv.ParseBool(r.URL.Query().Get("fresh"))
	status, err := s.deps.GetStatusHandler.Handle(r.Context(), query.GetStatusQuery{SkipCache: fresh})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, status)
}

// handleListRounds returns every round.
func (s *Server) handleListRounds(w http.ResponseWriter, r *http.Request) {
	if s.deps.GetRoundHandler == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "not_implemented", "rounds endpoint not configured")
		return
	}

	rounds, err := s.deps.GetRoundHandler.ListRounds(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSONWithMeta(w, r, http.StatusOK, rounds, &ResponseMeta{TotalCount: len(rounds)})
}

// handleGetRound returns one round.
func (s *Server) handleGetRound(w http.ResponseWriter, r *http.Request) {
	if s.deps.GetRoundHandler == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "not_implemented", "rounds endpoint not configured")
		return
	}

	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_round_id", "round id must be an integer")
		return
	}

	round, err := s.deps.GetRoundHandler.Handle(r.Context(), query.GetRoundQuery{RoundID: id})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, round)
}

// ══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// ContributeRequest is the body of POST /api/v1/crowdsale/contributions.
// Contributor defaults to the caller header when omitted. The settlement
// time is always taken from the server clock.
type ContributeRequest struct {
	Contributor string `json:"contributor"`
	Value       string `json:"value"`
}

// PayoutResponse is one beneficiary transfer.
type PayoutResponse struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// ContributeResponse describes a settled contribution.
type ContributeResponse struct {
	SettlementID   string           `json:"settlement_id"`
	Contributor    string           `json:"contributor"`
	Value          string           `json:"value"`
	Tokens         string           `json:"tokens"`
	RoundID        int              `json:"round_id"`
	CurrentRoundID int              `json:"current_round_id"`
	Payouts        []PayoutResponse `json:"payouts"`
	SettledAt      time.Time        `json:"settled_at"`
}

// handleContribute settles one contribution.
func (s *Server) handleContribute(w http.ResponseWriter, r *http.Request) {
	if s.deps.ContributeHandler == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "not_implemented", "contributions endpoint not configured")
		return
	}

	var req ContributeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	raw := req.Contributor
	if raw == "" {
		raw = r.Header.Get(CallerHeader)
	}
	contributor, err := shared.ParseAccount(raw)
	if err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_contributor", "contributor must be a hex account address")
		return
	}
	value, err := shared.ParseAmount(req.Value)
	if err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_value", "value must be a decimal amount in base units")
		return
	}

	cmd := command.ContributeCommand{
		Contributor:   contributor,
		Value:         value,
		CorrelationID: getRequestID(r.Context()),
	}

	result, err := s.deps.ContributeHandler.Handle(r.Context(), cmd)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	payouts := make([]PayoutResponse, len(result.Payouts))
	for i, p := range result.Payouts {
		payouts[i] = PayoutResponse{Account: p.Account.Hex(), Amount: shared.FormatAmount(p.Amount)}
	}
	writeJSON(w, r, http.StatusCreated, ContributeResponse{
		SettlementID:   result.SettlementID,
		Contributor:    result.Contributor.Hex(),
		Value:          shared.FormatAmount(result.Value),
		Tokens:         shared.FormatAmount(result.Tokens),
		RoundID:        result.RoundID,
		CurrentRoundID: result.CurrentRoundID,
		Payouts:        payouts,
		SettledAt:      result.SettledAt,
	})
}

// AccountRequest is the body of the membership POST endpoints.
type AccountRequest struct {
	Account string `json:"account"`
}

// MembershipResponse describes a membership list after a change.
type MembershipResponse struct {
	Account string   `json:"account"`
	Index   *int     `json:"index,omitempty"`
	Members []string `json:"members"`
}

// handleAddBeneficiary appends a beneficiary.
func (s *Server) handleAddBeneficiary(w http.ResponseWriter, r *http.Request) {
	if s.deps.BeneficiariesHandler == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "not_implemented", "beneficiaries endpoint not configured")
		return
	}
	caller, ok := callerAccount(w, r)
	if !ok {
		return
	}
	account, ok := decodeAccount(w, r)
	if !ok {
		return
	}

	result, err := s.deps.BeneficiariesHandler.Add(r.Context(), command.AddBeneficiaryCommand{
		Caller:        caller,
		Account:       account,
		CorrelationID: getRequestID(r.Context()),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, beneficiaryResponse(result))
}

// handleRemoveBeneficiary removes the beneficiary at {index}.
func (s *Server) handleRemoveBeneficiary(w http.ResponseWriter, r *http.Request) {
	if s.deps.BeneficiariesHandler == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "not_implemented", "beneficiaries endpoint not configured")
		return
	}
	caller, ok := callerAccount(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_index", "index must be an integer")
		return
	}

	result, err := s.deps.BeneficiariesHandler.Remove(r.Context(), command.RemoveBeneficiaryCommand{
		Caller:        caller,
		Index:         index,
		CorrelationID: getRequestID(r.Context()),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, beneficiaryResponse(result))
}

// handleAddAdministrator grants administrator rights.
func (s *Server) handleAddAdministrator(w http.ResponseWriter, r *http.Request) {
	if s.deps.AdministratorsHandler == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "not_implemented", "administrators endpoint not configured")
		return
	}
	caller, ok := callerAccount(w, r)
	if !ok {
		return
	}
	account, ok := decodeAccount(w, r)
	if !ok {
		return
	}

	result, err := s.deps.AdministratorsHandler.Add(r.Context(), command.AdministratorCommand{
		Caller:        caller,
		Account:       account,
		CorrelationID: getRequestID(r.Context()),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, administratorResponse(result))
}

// handleRemoveAdministrator revokes administrator rights from {account}.
func (s *Server) handleRemoveAdministrator(w http.ResponseWriter, r *http.Request) {
	if s.deps.AdministratorsHandler == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "not_implemented", "administrators endpoint not configured")
		return
	}
	caller, ok := callerAccount(w, r)
	if !ok {
		return
	}
	account, err := shared.ParseAccount(r.PathValue("account"))
	if err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_account", "account must be a hex account address")
		return
	}

	result, err := s.deps.AdministratorsHandler.Remove(r.Context(), command.AdministratorCommand{
		Caller:        caller,
		Account:       account,
		CorrelationID: getRequestID(r.Context()),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, administratorResponse(result))
}

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST & ERROR HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func callerAccount(w http.ResponseWriter, r *http.Request) (shared.Account, bool) {
	raw := r.Header.Get(CallerHeader)
	if raw == "" {
		writeJSONError(w, r, http.StatusUnauthorized, "missing_caller", CallerHeader+" header is required")
		return shared.ZeroAccount, false
	}
	caller, err := shared.ParseAccount(raw)
	if err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_caller", CallerHeader+" must be a hex account address")
		return shared.ZeroAccount, false
	}
	return caller, true
}

func decodeAccount(w http.ResponseWriter, r *http.Request) (shared.Account, bool) {
	var req AccountRequest
	if !decodeBody(w, r, &req) {
		return shared.ZeroAccount, false
	}
	account, err := shared.ParseAccount(req.Account)
	if err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_account", "account must be a hex account address")
		return shared.ZeroAccount, false
	}
	return account, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, r, http.StatusRequestEntityTooLarge, "request_too_large", "Request body too large")
			return false
		}
		writeJSONErrorWithDetails(w, r, http.StatusBadRequest, "invalid_body", "Request body is not valid JSON", err.Error())
		return false
	}
	return true
}

func beneficiaryResponse(result *command.BeneficiaryResult) MembershipResponse {
	index := result.Index
	return MembershipResponse{
		Account: result.Account.Hex(),
		Index:   &index,
		Members: hexAll(result.Beneficiaries),
	}
}

func administratorResponse(result *command.AdministratorResult) MembershipResponse {
	return MembershipResponse{
		Account: result.Account.Hex(),
		Members: hexAll(result.Administrators),
	}
}

func hexAll(accounts []shared.Account) []string {
	out := make([]string, len(accounts))
	for i, a := range accounts {
		out[i] = a.Hex()
	}
	return out
}

// statusFor maps domain errors onto HTTP status codes and error codes.
func statusFor(err error) (int, string) {
	switch {
	case shared.IsUnauthorized(err):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, shared.ErrCapExceeded):
		return http.StatusConflict, "cap_exceeded"
	case shared.IsRejected(err):
		return http.StatusConflict, "rejected"
	case shared.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case shared.IsAlreadyExists(err):
		return http.StatusConflict, "already_exists"
	case shared.IsValidation(err):
		return http.StatusBadRequest, "invalid_request"
	case shared.IsRetryable(err):
		return http.StatusConflict, "concurrent_modification"
	default:
		return http.StatusInternalServerError, "internal_server_error"
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)

	message := "An unexpected error occurred"
	if status != http.StatusInternalServerError {
		message = err.Error()
		var de *shared.DomainError
		if errors.As(err, &de) {
			message = de.Message
		}
	}

	log := logger.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err), zap.String("path", r.URL.Path))
	} else {
		log.Debug("request rejected", zap.Error(err), zap.String("code", code))
	}

	writeJSONError(w, r, status, code, message)
}
