package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/majdyz/prisma-bridge/pkg/engine"
	"github.com/majdyz/prisma-bridge/pkg/orm"
	"github.com/majdyz/prisma-bridge/pkg/protocol"
	"github.com/majdyz/prisma-bridge/pkg/txsession"
)

// transactionHeader carries the interactive-transaction id on query calls.
const transactionHeader = "X-transaction-id"

type queryRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type startRequest struct {
	// Both fields are milliseconds on the wire.
	Timeout int64 `json:"timeout"`
	MaxWait int64 `json:"max_wait"`
}

type responseError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Meta    map[string]any `json:"meta,omitempty"`
}

type envelope struct {
	Data   map[string]any  `json:"data"`
	Errors []responseError `json:"errors,omitempty"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.writeFailure(w, http.StatusNotFound, responseError{Code: "P5003", Message: "not found"})
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handleQuery(w, r)
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, map[string]any{"service": "prisma-bridge"})
	default:
		s.writeFailure(w, http.StatusMethodNotAllowed, responseError{Code: "P5003", Message: "method not allowed"})
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeFailure(w, http.StatusBadRequest, responseError{Code: "P2009", Message: "invalid request body: " + err.Error()})
		return
	}
	if s.cfg.LogQueries {
		log.Printf("[Bridge] query: %s", req.Query)
	}

	pq, err := protocol.Parse(req.Query, req.Variables)
	if err != nil {
		s.writeFailure(w, http.StatusBadRequest, responseError{Code: "P2009", Message: "could not parse query: " + err.Error()})
		return
	}

	client := s.client
	if txID := r.Header.Get(transactionHeader); txID != "" {
		scoped, ok := s.tx.Client(txID)
		if !ok {
			s.writeFailure(w, http.StatusNotFound, responseError{
				Code:    "P2028",
				Message: "transaction not found: " + txID,
				Meta:    map[string]any{"transaction_id": txID},
			})
			return
		}
		client = scoped
	}

	result, err := engine.Execute(r.Context(), client, pq)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{Data: map[string]any{"result": result}})
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeFailure(w, http.StatusMethodNotAllowed, responseError{Code: "P5003", Message: "method not allowed"})
		return
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// /transaction/start | /transaction/{id}/commit | /transaction/{id}/rollback
	switch {
	case len(parts) == 2 && parts[1] == "start":
		s.handleStartTransaction(w, r)
	case len(parts) == 3 && parts[2] == "commit":
		s.handleResolveTransaction(w, parts[1], s.tx.Commit)
	case len(parts) == 3 && parts[2] == "rollback":
		s.handleResolveTransaction(w, parts[1], s.tx.Rollback)
	default:
		s.writeFailure(w, http.StatusNotFound, responseError{Code: "P5003", Message: "not found"})
	}
}

func (s *Server) handleStartTransaction(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeFailure(w, http.StatusBadRequest, responseError{Code: "P2009", Message: "invalid request body: " + err.Error()})
		return
	}

	timeout := s.cfg.TxTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Millisecond
	}
	maxWait := s.cfg.TxMaxWait
	if req.MaxWait > 0 {
		maxWait = time.Duration(req.MaxWait) * time.Millisecond
	}

	id, err := s.tx.Start(r.Context(), timeout, maxWait)
	if err != nil {
		s.writeFailure(w, http.StatusInternalServerError, responseError{Code: "P2028", Message: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

func (s *Server) handleResolveTransaction(w http.ResponseWriter, id string, resolve func(string) error) {
	if err := resolve(id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, txsession.ErrNotFound) {
			status = http.StatusNotFound
		}
		s.writeFailure(w, status, responseError{
			Code:    "P2028",
			Message: err.Error() + ": " + id,
			Meta:    map[string]any{"transaction_id": id},
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

// writeEngineError maps execution failures onto the envelope. Typed ORM
// errors keep their native code and metadata for client-side mapping.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var ormErr *orm.Error
	if errors.As(err, &ormErr) {
		s.writeFailure(w, statusForCode(ormErr.Code), responseError{
			Code:    ormErr.Code,
			Message: ormErr.Message,
			Meta:    ormErr.Meta,
		})
		return
	}
	s.writeFailure(w, http.StatusInternalServerError, responseError{Code: "P1000", Message: err.Error()})
}

// statusForCode maps Prisma error codes onto HTTP statuses: the client
// reconstructs exceptions from the code, the status is for middleboxes.
func statusForCode(code string) int {
	switch code {
	case orm.CodeNotFound:
		return http.StatusNotFound
	case orm.CodeUniqueConstraint:
		return http.StatusConflict
	case "P2009", "P2010", "P2012", orm.CodeTableNotFound:
		return http.StatusBadRequest
	case "P2028":
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) readJSON(r *http.Request, dst any) error {
	body := http.MaxBytesReader(nil, r.Body, s.cfg.MaxBodyBytes)
	defer body.Close()
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		// An empty body is fine; every field has a usable zero value.
		return err
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] write response: %v", err)
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, status int, re responseError) {
	s.errorCount.Add(1)
	s.writeJSON(w, status, envelope{Data: nil, Errors: []responseError{re}})
}
