package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/groupfinance/txengine/internal/app/query"
	"github.com/groupfinance/txengine/internal/domain"
)

// ─── Transactions API ───────────────────────────────────────────────────────
//
// POST /api/transactions                           create
// GET  /api/transactions                           all, newest first
// GET  /api/transactions/my-transactions           caller's, newest first
// GET  /api/transactions/{id}                      one of the caller's
// PUT  /api/transactions/{id}/cancel               cancel inside the window
// POST /api/transactions/{id}/correction           correct a completed one
// GET  /api/transactions/{id}/corrections          corrections of an original
// GET  /api/transactions/status/{status}           by status
// GET  /api/transactions/range?from=&to=           created within a range
// POST /api/transactions/{id}/simulate-callback    inject a gateway outcome
//
// Owner-scoped routes read the caller from the X-User-Id header.

// UserHeader carries the caller identity.
const UserHeader = "X-User-Id"

func callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(UserHeader))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing "+UserHeader+" header")
		return "", false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// handleCreate creates a transaction.
// POST /api/transactions
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	owner, ok := callerID(w, r)
	if !ok {
		return
	}
	var req domain.CreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.OwnerID = owner
	req.Category = domain.Category(strings.ToUpper(string(req.Category)))

	tx, err := s.lifecycle.Create(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	msg := "Transaction initiated, confirm the payment on your phone"
	if tx.Status == domain.StatusFailed {
		msg = "Transaction failed"
	}
	writeOK(w, http.StatusCreated, msg, query.Project(tx))
}

// handleCorrection creates a correction of a completed transaction.
// POST /api/transactions/{id}/correction
func (s *Server) handleCorrection(w http.ResponseWriter, r *http.Request) {
	owner, ok := callerID(w, r)
	if !ok {
		return
	}
	var req domain.CorrectionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.OwnerID = owner

	tx, err := s.lifecycle.CreateCorrection(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, "Correction transaction created", query.Project(tx))
}

// handleCancel cancels one of the caller's pending transactions.
// PUT /api/transactions/{id}/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	owner, ok := callerID(w, r)
	if !ok {
		return
	}
	tx, err := s.lifecycle.Cancel(r.Context(), chi.URLParam(r, "id"), owner)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "Transaction cancelled", query.Project(tx))
}

// handleSimulateCallback injects a gateway outcome.
// POST /api/transactions/{id}/simulate-callback?success=true&receiptNumber=…
func (s *Server) handleSimulateCallback(w http.ResponseWriter, r *http.Request) {
	success, err := strconv.ParseBool(r.URL.Query().Get("success"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "success must be true or false")
		return
	}
	receipt := strings.TrimSpace(r.URL.Query().Get("receiptNumber"))

	tx, err := s.lifecycle.InjectOutcome(r.Context(), chi.URLParam(r, "id"), success, receipt)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "Gateway outcome applied", query.Project(tx))
}

// ─── Reads ──────────────────────────────────────────────────────────────────

// GET /api/transactions/my-transactions
func (s *Server) handleMine(w http.ResponseWriter, r *http.Request) {
	owner, ok := callerID(w, r)
	if !ok {
		return
	}
	txs, err := s.queries.UserTransactions(r.Context(), owner)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, fmt.Sprintf("%d transactions", len(txs)), txs)
}

// GET /api/transactions/{id}
func (s *Server) handleByID(w http.ResponseWriter, r *http.Request) {
	owner, ok := callerID(w, r)
	if !ok {
		return
	}
	tx, err := s.queries.TransactionByID(r.Context(), chi.URLParam(r, "id"), owner)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "Transaction found", tx)
}

// GET /api/transactions
func (s *Server) handleAll(w http.ResponseWriter, r *http.Request) {
	txs, err := s.queries.AllTransactions(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, fmt.Sprintf("%d transactions", len(txs)), txs)
}

// GET /api/transactions/status/{status}
func (s *Server) handleByStatus(w http.ResponseWriter, r *http.Request) {
	txs, err := s.queries.TransactionsByStatus(r.Context(), chi.URLParam(r, "status"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, fmt.Sprintf("%d transactions", len(txs)), txs)
}

// GET /api/transactions/{id}/corrections
func (s *Server) handleCorrections(w http.ResponseWriter, r *http.Request) {
	txs, err := s.queries.Corrections(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, fmt.Sprintf("%d corrections", len(txs)), txs)
}

// GET /api/transactions/range?from=2025-03-01T00:00:00Z&to=2025-03-31T23:59:59Z
func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from must be an RFC 3339 timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "to must be an RFC 3339 timestamp")
		return
	}
	txs, err := s.queries.Between(r.Context(), from, to)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, fmt.Sprintf("%d transactions", len(txs)), txs)
}
