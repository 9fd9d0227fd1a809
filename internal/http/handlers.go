package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"servicex/internal/coordinator"
	"servicex/internal/models"
	"servicex/internal/store"
)

type CreateRequestResponse struct {
	ReqID string `json:"req_id"`
}

type CreatePathResponse struct {
	PathID string `json:"path_id"`
}

type updateRequestBody struct {
	ReqID string `json:"req_id"`
	models.DatasetUpdate
}

func (a *App) log() *zap.Logger {
	if a.Log == nil {
		return zap.NewNop()
	}
	return a.Log
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, store.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		a.log().Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// infoParam returns the optional trailing info segment, unescaped.
func infoParam(r *http.Request) string {
	raw := chi.URLParam(r, "info")
	if s, err := url.PathUnescape(raw); err == nil {
		return s
	}
	return raw
}

func eventsParam(r *http.Request) (int64, error) {
	n, err := strconv.ParseInt(chi.URLParam(r, "events"), 10, 64)
	if err != nil {
		return 0, errors.Join(models.ErrValidation, err)
	}
	return n, nil
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(models.ErrValidation, err)
	}
	return nil
}

func (a *App) createRequest(w http.ResponseWriter, r *http.Request) {
	var spec models.RequestSpec
	if err := decodeJSON(r, &spec); err != nil {
		a.writeError(w, r, err)
		return
	}
	id, err := a.Coordinator.CreateRequest(r.Context(), spec)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CreateRequestResponse{ReqID: id})
}

func (a *App) updateRequest(w http.ResponseWriter, r *http.Request) {
	var body updateRequestBody
	if err := decodeJSON(r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	if body.ReqID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "req_id required"})
		return
	}
	req, err := a.Coordinator.UpdateRequestDataset(r.Context(), body.ReqID, body.DatasetUpdate)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *App) getRequest(w http.ResponseWriter, r *http.Request) {
	req, err := a.Coordinator.GetRequest(r.Context(), chi.URLParam(r, "reqId"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *App) requestInStatus(w http.ResponseWriter, r *http.Request) {
	req, err := a.Coordinator.FindRequestInStatus(r.Context(), chi.URLParam(r, "status"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if req == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no request in that status"})
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *App) changeRequestStatus(w http.ResponseWriter, r *http.Request) {
	req, err := a.Coordinator.ChangeRequestStatus(r.Context(),
		chi.URLParam(r, "reqId"), chi.URLParam(r, "status"), infoParam(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *App) terminateRequest(w http.ResponseWriter, r *http.Request) {
	req, err := a.Coordinator.TerminateRequest(r.Context(), chi.URLParam(r, "reqId"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *App) eventsServed(w http.ResponseWriter, r *http.Request) {
	n, err := eventsParam(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	req, err := a.Coordinator.ReportEventsServed(r.Context(), chi.URLParam(r, "reqId"), chi.URLParam(r, "pathId"), n)
	var partial *coordinator.PartialError
	if errors.As(err, &partial) {
		// The request counter moved; a retry would count it twice.
		a.log().Warn("path counter not updated",
			zap.String("path_id", partial.PathID),
			zap.Error(partial.Err))
		err = nil
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *App) eventsProcessed(w http.ResponseWriter, r *http.Request) {
	n, err := eventsParam(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	req, err := a.Coordinator.ReportEventsProcessed(r.Context(), chi.URLParam(r, "reqId"), n)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *App) createPath(w http.ResponseWriter, r *http.Request) {
	var meta models.FileMeta
	if err := decodeJSON(r, &meta); err != nil {
		a.writeError(w, r, err)
		return
	}
	id, err := a.Coordinator.CreatePath(r.Context(), meta)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CreatePathResponse{PathID: id})
}

func (a *App) changePathStatus(w http.ResponseWriter, r *http.Request) {
	p, err := a.Coordinator.ChangePathStatus(r.Context(),
		chi.URLParam(r, "pathId"), chi.URLParam(r, "status"), infoParam(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *App) pathFailed(w http.ResponseWriter, r *http.Request) {
	p, err := a.Coordinator.ReportPathFailed(r.Context(), chi.URLParam(r, "pathId"), infoParam(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// pathToTransform answers false when nothing is waiting, as transformers expect.
func (a *App) pathToTransform(w http.ResponseWriter, r *http.Request) {
	p, err := a.Coordinator.ClaimNextValidatedPath(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if p == nil {
		writeJSON(w, http.StatusOK, false)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *App) getPath(w http.ResponseWriter, r *http.Request) {
	p, err := a.Coordinator.GetPath(r.Context(), chi.URLParam(r, "pathId"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *App) pathInStatus(w http.ResponseWriter, r *http.Request) {
	p, err := a.Coordinator.FindPathInStatus(r.Context(), chi.URLParam(r, "reqId"), chi.URLParam(r, "status"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if p == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such path"})
		return
	}
	writeJSON(w, http.StatusOK, p)
}
