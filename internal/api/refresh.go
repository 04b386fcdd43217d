package api

import (
	"net/http"

	"github.com/jdholdren/vesper/internal/serverutil"
	"github.com/jdholdren/vesper/internal/sync"
)

type (
	OutcomeResp struct {
		FeedID  string       `json:"feed_id"`
		Result  *sync.Result `json:"result,omitempty"`
		Error   string       `json:"error,omitempty"`
		Skipped bool         `json:"skipped"`
	}

	RefreshResp struct {
		Outcomes []OutcomeResp `json:"outcomes"`
		Total    int           `json:"total"`
		Failed   int           `json:"failed"`
		Skipped  int           `json:"skipped"`
	}

	RefreshStatusResp struct {
		Running   bool `json:"running"`
		Completed int  `json:"completed"`
		Total     int  `json:"total"`
	}
)

func (s Server) postRefresh(w http.ResponseWriter, r *http.Request) error {
	force := r.URL.Query().Get("force") == "true"

	outcomes, err := s.refresher.RefreshAll(r.Context(), force)
	if err != nil {
		return err
	}

	resp := RefreshResp{
		Outcomes: make([]OutcomeResp, 0, len(outcomes)),
		Total:    len(outcomes),
	}
	for _, o := range outcomes {
		or := OutcomeResp{FeedID: o.FeedID, Skipped: o.Skipped}
		switch {
		case o.Skipped:
			resp.Skipped++
		case o.Err != nil:
			or.Error = o.Err.Error()
			resp.Failed++
		default:
			res := o.Result
			or.Result = &res
		}
		resp.Outcomes = append(resp.Outcomes, or)
	}

	return serverutil.WriteJSON(w, http.StatusOK, resp)
}

func (s Server) getRefresh(w http.ResponseWriter, r *http.Request) error {
	p := s.refresher.Progress()
	if p == nil {
		return serverutil.WriteJSON(w, http.StatusOK, RefreshStatusResp{})
	}

	return serverutil.WriteJSON(w, http.StatusOK, RefreshStatusResp{
		Running:   true,
		Completed: p.Completed,
		Total:     p.Total,
	})
}
