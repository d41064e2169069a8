package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/kong/adb-failover-client/pkg/dispatch"
	"github.com/kong/adb-failover-client/pkg/registry"
	"go.uber.org/zap"
)

func (ac *appContext) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", ac.getHealth).Methods("GET")
	r.HandleFunc("/endpoints", ac.getEndpoints).Methods("GET")
	r.HandleFunc("/endpoints/{name}/reset", ac.resetEndpoint).Methods("POST")
	r.HandleFunc("/poolstats", ac.getConnectionPoolStats).Methods("GET")
	r.HandleFunc("/query", ac.postQuery).Methods("POST")
	r.Handle("/loglevel", ac.LogLevel).Methods("GET", "PUT")
	return r
}

func (ac *appContext) getHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if ac.Registry.Closed() {
		status = "closed"
	}
	err := ac.writeJSON(w, http.StatusOK, envelope{"status": status}, nil)
	if err != nil {
		ac.logError(err)
	}
}

type endpointView struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (ac *appContext) getEndpoints(w http.ResponseWriter, _ *http.Request) {
	list := make([]endpointView, 0, ac.Registry.Len())
	for _, e := range ac.Registry.Endpoints() {
		list = append(list, endpointView{Name: e.Name(), URL: e.Spec.RedactedURL()})
	}
	err := ac.writeJSON(w, http.StatusOK, envelope{"endpoints": list}, nil)
	if err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) resetEndpoint(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	p, ok := ac.Registry.Lookup(name)
	if !ok {
		ac.errorResponse(w, http.StatusNotFound, "unknown endpoint "+name)
		return
	}
	p.Reset()
	err := ac.writeJSON(w, http.StatusOK, envelope{"reset": name}, nil)
	if err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) getConnectionPoolStats(w http.ResponseWriter, _ *http.Request) {
	payload := envelope{"connectionPoolStats": ac.Registry.Stats()}
	err := ac.writeJSON(w, http.StatusOK, payload, nil)
	if err != nil {
		ac.logError(err)
	}
}

type queryRequest struct {
	SQL string `json:"sql"`
}

func (ac *appContext) postQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := ac.readJSON(w, r, &req); err != nil {
		ac.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.SQL) == "" {
		ac.errorResponse(w, http.StatusBadRequest, "sql is required")
		return
	}

	var result []map[string]interface{}
	served, err := ac.Dispatcher.ExecuteQuery(r.Context(), req.SQL,
		func(_ context.Context, rows *sql.Rows) error {
			var err error
			result, err = scanRows(rows)
			return err
		})
	switch {
	case err == nil:
	case errors.Is(err, dispatch.ErrNoEndpointsConfigured), errors.Is(err, registry.ErrRegistryClosed):
		ac.errorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	case errors.Is(err, dispatch.ErrAllEndpointsFailed):
		ac.errorResponse(w, http.StatusBadGateway, "query failed on all endpoints")
		return
	default:
		ac.Logger.Info("query aborted", zap.Error(err))
		ac.errorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	payload := envelope{"endpoint": served, "rows": result}
	if err := ac.writeJSON(w, http.StatusOK, payload, nil); err != nil {
		ac.logError(err)
	}
}

// scanRows reads every row into a column name to value map. Byte slices are
// returned as strings.
func scanRows(rows *sql.Rows) ([]map[string]interface{}, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []map[string]interface{}{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
