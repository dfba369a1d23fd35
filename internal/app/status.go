package app

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

type positionStatus struct {
	Name       string `json:"name"`
	Key        string `json:"key"`
	Owner      string `json:"owner"`
	Collateral string `json:"collateral_asset"`
	Debt       string `json:"debt_asset"`
	State      string `json:"state"`
	Failure    string `json:"failure,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (a *App) statusHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", a.prom.Handler())
	r.Get("/positions", func(w http.ResponseWriter, r *http.Request) {
		out := make([]positionStatus, 0, len(a.runners))
		for _, run := range a.runners {
			out = append(out, a.positionStatus(run))
		}
		writeJSON(w, http.StatusOK, map[string]any{"run_id": a.runID, "positions": out})
	})
	r.Get("/positions/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		for _, run := range a.runners {
			if run.cfg.Name == name {
				writeJSON(w, http.StatusOK, a.positionStatus(run))
				return
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown position " + name})
	})
	return r
}

func (a *App) positionStatus(run *runner) positionStatus {
	pos := run.orch.Position()
	st := positionStatus{
		Name:       run.cfg.Name,
		Key:        pos.Key.String(),
		Owner:      pos.Owner.Hex(),
		Collateral: pos.CollateralAsset.Hex(),
		Debt:       pos.DebtAsset.Hex(),
		State:      pos.State.String(),
	}
	if pos.Failure != nil {
		st.Failure = string(pos.Failure.Reason)
		if pos.Failure.Err != nil {
			st.Error = pos.Failure.Err.Error()
		}
	}
	return st
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
