package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/service"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/types"
)

const (
	defaultHistoryLimit = 200
	maxHistoryLimit     = 5000

	headerTruncated = "X-Result-Truncated"
)

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req types.EvaluateRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.evaluator.Decide(r.Context(), req, operatorID(r))
	if err != nil {
		s.writeServiceError(w, r, "evaluate", err)
		return
	}
	respond(w, r, http.StatusOK, resp)
}

// handleCheckout answers 201 with the new loans, or 409 with every key that
// blocked the request.
func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req types.CheckoutRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.coordinator.Checkout(r.Context(), service.CheckoutCommand{
		PersonID: req.PersonID,
		KeyIDs:   req.KeyIDs,
		Operator: operatorID(r),
	})
	if err != nil {
		s.writeServiceError(w, r, "checkout", err)
		return
	}

	resp := types.CheckoutResponse{
		OK:         res.OK(),
		Loans:      []types.LoanView{},
		Failures:   res.Failures,
		ServerTime: res.At.UTC().Format(time.RFC3339Nano),
	}
	if !res.OK() {
		respond(w, r, http.StatusConflict, resp)
		return
	}
	if resp.Loans, err = s.query.LoanViews(r.Context(), res.Loans); err != nil {
		s.writeServiceError(w, r, "checkout", err)
		return
	}
	respond(w, r, http.StatusCreated, resp)
}

func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request) {
	var req types.ReturnRequest
	if !s.decode(w, r, &req) {
		return
	}

	rec, err := s.coordinator.Return(r.Context(), service.ReturnCommand{
		KeyID:    req.KeyID,
		Operator: operatorID(r),
		Note:     req.Note,
	})
	if err != nil {
		s.writeServiceError(w, r, "return", err)
		return
	}
	views, err := s.query.LoanViews(r.Context(), []store.LoanRecord{rec})
	if err != nil {
		s.writeServiceError(w, r, "return", err)
		return
	}
	respond(w, r, http.StatusOK, types.ReturnResponse{
		Loan:       views[0],
		ServerTime: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleAvailableKeys(w http.ResponseWriter, r *http.Request) {
	now, err := queryTime(r, "at", time.Now())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	keys, err := s.query.AvailableKeys(r.Context(), chi.URLParam(r, "personID"), r.URL.Query().Get("location_id"), now)
	if err != nil {
		s.writeServiceError(w, r, "available keys", err)
		return
	}
	respond(w, r, http.StatusOK, keys)
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	keys, err := s.query.Keys(r.Context(), q.Get("location_id"), q.Get("search"))
	if err != nil {
		s.writeServiceError(w, r, "keys", err)
		return
	}
	respond(w, r, http.StatusOK, keys)
}

func (s *Server) handleKeyStatus(w http.ResponseWriter, r *http.Request) {
	v, err := s.query.KeyStatus(r.Context(), chi.URLParam(r, "keyID"))
	if err != nil {
		s.writeServiceError(w, r, "key status", err)
		return
	}
	respond(w, r, http.StatusOK, v)
}

func (s *Server) handleInCustody(w http.ResponseWriter, r *http.Request) {
	keys, err := s.query.InCustody(r.Context(), r.URL.Query().Get("location_id"))
	if err != nil {
		s.writeServiceError(w, r, "custody", err)
		return
	}
	respond(w, r, http.StatusOK, keys)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.query.Summary(r.Context(), r.URL.Query().Get("location_id"))
	if err != nil {
		s.writeServiceError(w, r, "summary", err)
		return
	}
	respond(w, r, http.StatusOK, sum)
}

// handleLoans serves the history report. Query parameters: person_id,
// key_id, location_id, from, to (RFC3339, [from, to)), open=true,
// order=asc|desc (newest first by default), limit. When more rows match
// than limit, the response carries X-Result-Truncated: true.
func (s *Server) handleLoans(w http.ResponseWriter, r *http.Request) {
	f, err := loanFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	limit := f.Limit
	f.Limit++

	rows := []types.LoanView{}
	for v, err := range s.query.History(r.Context(), f) {
		if err != nil {
			s.writeServiceError(w, r, "history", err)
			return
		}
		rows = append(rows, v)
	}
	if len(rows) > limit {
		rows = rows[:limit]
		w.Header().Set(headerTruncated, "true")
	}
	respond(w, r, http.StatusOK, rows)
}

func loanFilter(r *http.Request) (store.LoanFilter, error) {
	q := r.URL.Query()
	f := store.LoanFilter{
		PersonID:   q.Get("person_id"),
		KeyID:      q.Get("key_id"),
		LocationID: q.Get("location_id"),
		Limit:      defaultHistoryLimit,
	}

	var err error
	if f.From, err = queryTime(r, "from", time.Time{}); err != nil {
		return f, err
	}
	if f.To, err = queryTime(r, "to", time.Time{}); err != nil {
		return f, err
	}

	if v := q.Get("open"); v != "" {
		if f.OpenOnly, err = strconv.ParseBool(v); err != nil {
			return f, service.ErrInvalidInput
		}
	}

	switch strings.ToLower(q.Get("order")) {
	case "asc":
		f.Order = store.OrderAsc
	case "", "desc":
		f.Order = store.OrderDesc
	default:
		return f, service.ErrInvalidInput
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, service.ErrInvalidInput
		}
		f.Limit = min(n, maxHistoryLimit)
	}
	return f, nil
}

func queryTime(r *http.Request, name string, def time.Time) (time.Time, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, service.ErrInvalidInput
	}
	return t, nil
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	var limit int
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "invalid_input", "limit must be a positive integer")
			return
		}
		limit = n
	}
	list, err := s.incidents.List(r.Context(), r.URL.Query().Get("location_id"), limit)
	if err != nil {
		s.writeServiceError(w, r, "incidents", err)
		return
	}
	respond(w, r, http.StatusOK, list)
}

func (s *Server) handleReportIncident(w http.ResponseWriter, r *http.Request) {
	var in types.IncidentInput
	if !s.decode(w, r, &in) {
		return
	}
	v, err := s.incidents.Report(r.Context(), in, operatorID(r))
	if err != nil {
		s.writeServiceError(w, r, "report incident", err)
		return
	}
	respond(w, r, http.StatusCreated, v)
}
