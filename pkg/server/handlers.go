package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nsdb-io/nsdb/pkg/engine"
	"github.com/nsdb-io/nsdb/pkg/httpx"
	"github.com/nsdb-io/nsdb/pkg/model"
	"github.com/nsdb-io/nsdb/pkg/sql"
	"github.com/nsdb-io/nsdb/pkg/statement"
)

// statementRequest carries one SQL statement addressed to a namespace.
type statementRequest struct {
	DB        string `json:"db"`
	Namespace string `json:"namespace"`
	Statement string `json:"statement"`
}

func (req *statementRequest) validate() error {
	if req.DB == "" || req.Namespace == "" {
		return fmt.Errorf("db and namespace are required")
	}
	if req.Statement == "" {
		return fmt.Errorf("statement is required")
	}
	return nil
}

// handleCommand parses and executes any statement type.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req statementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if err := req.validate(); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	stmt, err := sql.Parse(req.DB, req.Namespace, req.Statement)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	switch st := stmt.(type) {
	case *statement.SelectStatement:
		s.runSelect(ctx, w, st)
	case *statement.InsertStatement:
		ack, err := s.engine.ExecuteInsert(ctx, st)
		if err != nil {
			httpx.RespondError(w, statusOf(err), err)
			return
		}
		httpx.RespondJSON(w, http.StatusAccepted, ack)
	case *statement.DeleteStatement:
		ack, err := s.engine.ExecuteDelete(ctx, st)
		if err != nil {
			httpx.RespondError(w, statusOf(err), err)
			return
		}
		httpx.RespondJSON(w, http.StatusAccepted, ack)
	case *statement.DropStatement:
		if err := s.engine.ExecuteDrop(ctx, st); err != nil {
			httpx.RespondError(w, statusOf(err), err)
			return
		}
		httpx.RespondJSON(w, http.StatusOK, map[string]string{"metric": st.Metric, "dropped": "ok"})
	default:
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("unsupported statement %T", stmt))
	}
}

// handleQuery accepts SELECT statements only.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req statementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if err := req.validate(); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	stmt, err := sql.Parse(req.DB, req.Namespace, req.Statement)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	sel, ok := stmt.(*statement.SelectStatement)
	if !ok {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("/query accepts SELECT statements only"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	s.runSelect(ctx, w, sel)
}

func (s *Server) runSelect(ctx context.Context, w http.ResponseWriter, sel *statement.SelectStatement) {
	res, err := s.engine.ExecuteSelect(ctx, sel)
	if err != nil {
		s.log.Debug().Err(err).Str("metric", sel.Metric).Msg("select failed")
		httpx.RespondJSON(w, statusOf(err), engine.SelectStatementFailed{Metric: sel.Metric, Reason: err.Error()})
		return
	}
	httpx.RespondJSON(w, http.StatusOK, res)
}

// dataRequest inserts one record without going through SQL.
type dataRequest struct {
	DB        string    `json:"db"`
	Namespace string    `json:"namespace"`
	Metric    string    `json:"metric"`
	Bit       model.Bit `json:"bit"`
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	var req dataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if req.DB == "" || req.Namespace == "" || req.Metric == "" {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("db, namespace, and metric are required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	ts := req.Bit.Timestamp
	stmt := &statement.InsertStatement{
		DB:         req.DB,
		Namespace:  req.Namespace,
		Metric:     req.Metric,
		Dimensions: req.Bit.Dimensions,
		Tags:       req.Bit.Tags,
		Value:      req.Bit.Value,
	}
	if ts != 0 {
		stmt.Timestamp = &ts
	}
	ack, err := s.engine.ExecuteInsert(ctx, stmt)
	if err != nil {
		httpx.RespondError(w, statusOf(err), err)
		return
	}
	httpx.RespondJSON(w, http.StatusAccepted, ack)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	db, namespace := r.URL.Query().Get("db"), r.URL.Query().Get("namespace")
	metrics, err := s.engine.GetMetrics(db, namespace)
	if err != nil {
		httpx.RespondError(w, statusOf(err), err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string][]string{"metrics": metrics})
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sch, err := s.engine.GetSchema(q.Get("db"), q.Get("namespace"), q.Get("metric"))
	if err != nil {
		httpx.RespondError(w, statusOf(err), err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, sch)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
