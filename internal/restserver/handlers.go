package restserver

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/hydrowatch/waterlevel-forecast/internal/bias"
	"github.com/hydrowatch/waterlevel-forecast/internal/skill"
	"github.com/hydrowatch/waterlevel-forecast/internal/timeseries"
)

// Handlers contains all HTTP handlers for the REST server.
type Handlers struct {
	controller *Controller
}

func NewHandlers(ctrl *Controller) *Handlers {
	return &Handlers{controller: ctrl}
}

// requestContext applies the configured per-request timeout.
func (h *Handlers) requestContext(req *http.Request) (context.Context, context.CancelFunc) {
	timeout := h.controller.httpConfig.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(req.Context(), timeout)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.controller.logger.Errorf("error encoding response: %v", err)
	}
}

// respondError maps typed failures onto distinct codes so clients can
// render the right empty state per case.
func (h *Handlers) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, timeseries.ErrKeyNotFound):
		h.respondJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Code: "station_not_found"})
	case errors.Is(err, timeseries.ErrNoForecast):
		h.respondJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Code: "no_forecast_available"})
	case errors.Is(err, timeseries.ErrInvalidRange):
		h.respondJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_range"})
	case errors.Is(err, skill.ErrInsufficientPairs):
		h.respondJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Code: "insufficient_overlap"})
	case errors.Is(err, bias.ErrInsufficientOverlap), errors.Is(err, bias.ErrNoObservations):
		h.respondJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Code: "no_correction_available"})
	case errors.Is(err, bias.ErrAlreadyCorrected):
		h.respondJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: "internal"})
	case errors.Is(err, timeseries.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		h.respondJSON(w, http.StatusGatewayTimeout, errorResponse{Error: err.Error(), Code: "timeout"})
	default:
		h.controller.logger.Errorf("request failed: %v", err)
		h.respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Code: "internal"})
	}
}

var errMissingStation = errors.New("missing required parameter: station or reach")

// stationParam resolves the station from the query string, accepting either
// the hydroweb code or a reach id.
func (h *Handlers) stationParam(ctx context.Context, req *http.Request) (string, error) {
	q := req.URL.Query()
	if code := q.Get("station"); code != "" {
		return code, nil
	}
	if reach := q.Get("reach"); reach != "" {
		return h.controller.service.StationCodeForReach(ctx, reach)
	}
	return "", errMissingStation
}

// resolveStation writes the error response itself so handlers can bail with
// a bare return.
func (h *Handlers) resolveStation(ctx context.Context, w http.ResponseWriter, req *http.Request) (string, bool) {
	code, err := h.stationParam(ctx, req)
	if err == nil {
		return code, true
	}
	if errors.Is(err, errMissingStation) {
		h.respondJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "bad_request"})
	} else {
		h.respondError(w, err)
	}
	return "", false
}

// GetHistory handles GET /api/history?station=&reach=
func (h *Handlers) GetHistory(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := h.requestContext(req)
	defer cancel()

	code, ok := h.resolveStation(ctx, w, req)
	if !ok {
		return
	}
	resp, err := h.controller.service.CorrectedHistory(ctx, code)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// GetClimatology handles GET /api/climatology?station=&reach=
func (h *Handlers) GetClimatology(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := h.requestContext(req)
	defer cancel()

	code, ok := h.resolveStation(ctx, w, req)
	if !ok {
		return
	}
	resp, err := h.controller.service.Climatology(ctx, code)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// GetSkill handles GET /api/skill?station=&reach=
func (h *Handlers) GetSkill(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := h.requestContext(req)
	defer cancel()

	code, ok := h.resolveStation(ctx, w, req)
	if !ok {
		return
	}
	resp, err := h.controller.service.Skill(ctx, code)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// dateParam parses the optional date parameter, defaulting to today.
func (h *Handlers) dateParam(req *http.Request) (time.Time, error) {
	raw := req.URL.Query().Get("date")
	if raw == "" {
		return h.controller.service.clock.Now().UTC().Truncate(24 * time.Hour), nil
	}
	return parseDate(raw)
}

// GetForecast handles GET /api/forecast?station=&reach=&date=
func (h *Handlers) GetForecast(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := h.requestContext(req)
	defer cancel()

	code, ok := h.resolveStation(ctx, w, req)
	if !ok {
		return
	}
	date, err := h.dateParam(req)
	if err != nil {
		h.respondJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "bad_date"})
		return
	}
	resp, err := h.controller.service.Forecast(ctx, code, date)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// GetWarnings handles GET /api/warnings?date=
func (h *Handlers) GetWarnings(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := h.requestContext(req)
	defer cancel()

	date, err := h.dateParam(req)
	if err != nil {
		h.respondJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "bad_date"})
		return
	}
	fc, err := h.controller.service.Warnings(ctx, date)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, fc)
}

// exportKinds maps the export path segment to a loader producing the rows.
var exportKinds = map[string]bool{
	"historical": true,
	"observed":   true,
	"corrected":  true,
	"forecast":   true,
}

// ExportCSV handles GET /api/export/{kind}?station=&reach=
func (h *Handlers) ExportCSV(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := h.requestContext(req)
	defer cancel()

	kind := mux.Vars(req)["kind"]
	if !exportKinds[kind] {
		h.respondJSON(w, http.StatusNotFound, errorResponse{Error: "unknown export kind: " + kind, Code: "bad_request"})
		return
	}
	code, ok := h.resolveStation(ctx, w, req)
	if !ok {
		return
	}

	header, rows, err := h.exportRows(ctx, kind, code, req)
	if err != nil {
		h.respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s_%s.csv", kind, code))
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		h.controller.logger.Errorf("error writing CSV: %v", err)
		return
	}
	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			h.controller.logger.Errorf("error writing CSV: %v", err)
			return
		}
	}
	cw.Flush()
}

func (h *Handlers) exportRows(ctx context.Context, kind, code string, req *http.Request) ([]string, [][]string, error) {
	svc := h.controller.service
	switch kind {
	case "observed":
		resp, err := svc.CorrectedHistory(ctx, code)
		if err != nil {
			return nil, nil, err
		}
		return []string{"datetime", "waterlevel"}, valuesToCSV(resp.Observed), nil
	case "historical", "corrected":
		resp, err := svc.CorrectedHistory(ctx, code)
		if err != nil {
			return nil, nil, err
		}
		col := "value"
		if kind == "corrected" {
			col = "corrected_value"
			if !resp.Corrected {
				return nil, nil, bias.ErrInsufficientOverlap
			}
		}
		return []string{"datetime", col}, valuesToCSV(resp.Simulated), nil
	case "forecast":
		date, err := h.dateParam(req)
		if err != nil {
			return nil, nil, err
		}
		resp, err := svc.Forecast(ctx, code, date)
		if err != nil {
			return nil, nil, err
		}
		header := []string{"datetime", "mean", "median", "min", "max", "p25", "p75", "high_res"}
		rows := make([][]string, len(resp.Steps))
		for i, s := range resp.Steps {
			rows[i] = []string{
				s.Date,
				csvValue(s.Mean), csvValue(s.Median), csvValue(s.Min), csvValue(s.Max),
				csvValue(s.P25), csvValue(s.P75), csvValue(s.HighRes),
			}
		}
		return header, rows, nil
	}
	return nil, nil, fmt.Errorf("unknown export kind: %s", kind)
}

func valuesToCSV(values []TimeValue) [][]string {
	rows := make([][]string, len(values))
	for i, v := range values {
		rows[i] = []string{v.Date, csvValue(v.Value)}
	}
	return rows
}

func csvValue(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
