package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"catalyst/internal/finance"
	"catalyst/internal/pricetarget"
)

var reSymbol = regexp.MustCompile(`^[A-Z][A-Z0-9.\-^=]{0,11}$`)

func symbolParam(r *http.Request) (string, bool) {
	sym := strings.ToUpper(strings.TrimSpace(r.PathValue("symbol")))
	return sym, reSymbol.MatchString(sym)
}

func (h *handlers) handleGetTargets(w http.ResponseWriter, r *http.Request) {
	sym, ok := symbolParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid symbol")
		return
	}
	targets, err := h.Targets.PriceTargets(r.Context(), sym)
	if err != nil {
		h.log.Error("load price targets failed", "symbol", sym, "error", err)
		respondError(w, http.StatusInternalServerError, "price targets unavailable")
		return
	}
	targets = pricetarget.Dedupe(targets)
	if targets == nil {
		targets = []pricetarget.PriceTarget{}
	}
	respondJSON(w, http.StatusOK, pricetarget.Response{
		Symbol:  sym,
		Targets: targets,
		Stats:   pricetarget.CalculateStats(targets),
	})
}

func (h *handlers) handlePutTargets(w http.ResponseWriter, r *http.Request) {
	sym, ok := symbolParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid symbol")
		return
	}
	var targets []pricetarget.PriceTarget
	if err := json.NewDecoder(r.Body).Decode(&targets); err != nil {
		respondError(w, http.StatusBadRequest, "bad json")
		return
	}
	for i := range targets {
		targets[i].Symbol = sym
	}
	if err := h.Targets.SavePriceTargets(r.Context(), targets); err != nil {
		h.log.Error("save price targets failed", "symbol", sym, "error", err)
		respondError(w, http.StatusInternalServerError, "save failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func chartStatus(err error) int {
	if errors.Is(err, finance.ErrNoData) {
		return http.StatusNotFound
	}
	return http.StatusBadGateway
}

func (h *handlers) handleChartImage(w http.ResponseWriter, r *http.Request) {
	sym, ok := symbolParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid symbol")
		return
	}
	img, err := h.Charts.Render(r.Context(), sym, r.URL.Query().Get("range"))
	if err != nil {
		h.log.Warn("chart render failed", "symbol", sym, "error", err)
		respondError(w, chartStatus(err), "chart unavailable")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "max-age=60")
	_, _ = w.Write(img)
}

func (h *handlers) handleChartData(w http.ResponseWriter, r *http.Request) {
	sym, ok := symbolParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid symbol")
		return
	}
	data, err := h.Charts.Data(r.Context(), sym, r.URL.Query().Get("range"))
	if err != nil {
		h.log.Warn("chart data failed", "symbol", sym, "error", err)
		respondError(w, chartStatus(err), "chart unavailable")
		return
	}
	respondJSON(w, http.StatusOK, data)
}
