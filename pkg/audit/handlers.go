package audit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/orchardworks/cellartrail/pkg/contextkeys"
	"github.com/orchardworks/cellartrail/pkg/httputil"
	"github.com/orchardworks/cellartrail/pkg/observability"
)

// Handler exposes the query service, anomaly detector, and exporter
// over HTTP for the application's read-side API layer.
type Handler struct {
	service  *Service
	detector *Detector
	exporter *Exporter
	recorder *Recorder
	logger   *observability.Logger
}

// NewHandler creates the audit API handler.
func NewHandler(service *Service, detector *Detector, exporter *Exporter, recorder *Recorder, logger *observability.Logger) *Handler {
	return &Handler{
		service:  service,
		detector: detector,
		exporter: exporter,
		recorder: recorder,
		logger:   logger,
	}
}

// RegisterRoutes attaches the audit API to the router.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/audit/mutations", h.RecordMutation).Methods(http.MethodPost)
	r.HandleFunc("/audit/entries", h.QueryLogs).Methods(http.MethodGet)
	r.HandleFunc("/audit/entries/{id}", h.GetEntry).Methods(http.MethodGet)
	r.HandleFunc("/audit/entries/{id}/verify", h.VerifyEntry).Methods(http.MethodPost)
	r.HandleFunc("/audit/records/{table}/{id}/history", h.GetRecordHistory).Methods(http.MethodGet)
	r.HandleFunc("/audit/actors/{id}/activity", h.GetUserActivity).Methods(http.MethodGet)
	r.HandleFunc("/audit/anomalies", h.GetAnomalies).Methods(http.MethodGet)
	r.HandleFunc("/audit/coverage", h.GetCoverage).Methods(http.MethodGet)
	r.HandleFunc("/audit/export", h.Export).Methods(http.MethodGet)
}

// ActorMiddleware copies the authenticated actor's identity from the
// upstream auth layer's headers into the request context. Requests
// without an actor are rejected; auditing assumes authentication
// happened upstream.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actorID := r.Header.Get("X-Actor-ID")
		if actorID == "" {
			httputil.WriteErrorMessage(w, http.StatusUnauthorized, "missing actor identity")
			return
		}

		ctx := contextkeys.WithActorID(r.Context(), actorID)
		if email := r.Header.Get("X-Actor-Email"); email != "" {
			ctx = contextkeys.WithActorEmail(ctx, email)
		}
		if session := r.Header.Get("X-Session-ID"); session != "" {
			ctx = contextkeys.WithSessionID(ctx, session)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// mutationRequest is the payload services post after completing a
// state change they could not intercept in-process.
type mutationRequest struct {
	TableName   string    `json:"table_name"`
	RecordID    string    `json:"record_id"`
	Operation   Operation `json:"operation"`
	BeforeState Snapshot  `json:"before_state,omitempty"`
	AfterState  Snapshot  `json:"after_state,omitempty"`
}

// RecordMutation handles POST /audit/mutations. The mutation already
// happened on the caller's side; this only records it, so the response
// is 202 regardless of how the append itself settles.
func (h *Handler) RecordMutation(w http.ResponseWriter, r *http.Request) {
	var req mutationRequest
	if ok := httputil.ParseJSONOrError(w, r, &req); !ok {
		return
	}
	if req.TableName == "" {
		httputil.WriteBadRequest(w, "table_name is required")
		return
	}
	if !req.Operation.Valid() {
		httputil.WriteBadRequest(w, "unknown operation "+string(req.Operation))
		return
	}
	if req.RecordID == "" {
		httputil.WriteBadRequest(w, "record_id is required")
		return
	}

	_, err := h.recorder.Record(r.Context(), MutationInfo{
		TableName: req.TableName,
		Operation: req.Operation,
		RecordID:  req.RecordID,
	}, func(context.Context) (Snapshot, error) {
		return req.BeforeState, nil
	}, func(context.Context) (Snapshot, error) {
		return req.AfterState, nil
	})
	if err != nil {
		// Only sync append mode surfaces errors here
		h.writeQueryError(w, r, err)
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"table_name": req.TableName,
		"record_id":  req.RecordID,
		"operation":  req.Operation,
		"accepted":   true,
	})
}

// QueryLogs handles GET /audit/entries
func (h *Handler) QueryLogs(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.parseFilter(w, r)
	if !ok {
		return
	}

	page, err := h.service.QueryLogs(r.Context(), filter)
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, page)
}

// GetEntry handles GET /audit/entries/{id}
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	entry, err := h.service.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			httputil.WriteNotFoundError(w, "audit entry not found")
			return
		}
		h.writeQueryError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, entry)
}

// VerifyEntry handles POST /audit/entries/{id}/verify
func (h *Handler) VerifyEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	err := h.service.VerifyEntry(r.Context(), id)
	var mismatch *IntegrityMismatchError
	switch {
	case err == nil:
		httputil.WriteSuccess(w, map[string]interface{}{
			"entry_id": id,
			"valid":    true,
		})
	case errors.As(err, &mismatch):
		// Tampering is an operator-facing conflict, not a server fault
		httputil.WriteJSON(w, http.StatusConflict, map[string]interface{}{
			"entry_id":          mismatch.EntryID,
			"valid":             false,
			"stored_checksum":   mismatch.StoredChecksum,
			"computed_checksum": mismatch.ComputedChecksum,
		})
	case errors.Is(err, ErrEntryNotFound):
		httputil.WriteNotFoundError(w, "audit entry not found")
	default:
		h.writeQueryError(w, r, err)
	}
}

// GetRecordHistory handles GET /audit/records/{table}/{id}/history
func (h *Handler) GetRecordHistory(w http.ResponseWriter, r *http.Request) {
	table, ok := httputil.ParsePathStringOrError(w, r, "table")
	if !ok {
		return
	}
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	entries, err := h.service.GetRecordHistory(r.Context(), table, id)
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"table_name": table,
		"record_id":  id,
		"entries":    entries,
	})
}

// GetUserActivity handles GET /audit/actors/{id}/activity
func (h *Handler) GetUserActivity(w http.ResponseWriter, r *http.Request) {
	actorID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	window, err := httputil.ParseQueryDuration(r, "window", 24*time.Hour)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", DefaultQueryLimit)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	entries, err := h.service.GetUserActivity(r.Context(), actorID, window, limit)
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"actor_id": actorID,
		"window":   window.String(),
		"entries":  entries,
	})
}

// GetAnomalies handles GET /audit/anomalies
func (h *Handler) GetAnomalies(w http.ResponseWriter, r *http.Request) {
	from, err := httputil.ParseQueryTime(r, "from")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	to, err := httputil.ParseQueryTime(r, "to")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	var anomalies []Anomaly
	if from != nil && to != nil {
		anomalies, err = h.detector.Scan(r.Context(), *from, *to)
	} else {
		anomalies, err = h.detector.ScanRecent(r.Context())
	}
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"anomalies": anomalies,
	})
}

// GetCoverage handles GET /audit/coverage
func (h *Handler) GetCoverage(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.GetCoverageReport(r.Context())
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}
	if report == nil {
		httputil.WriteNotFoundError(w, "coverage has not been computed yet")
		return
	}

	httputil.WriteSuccess(w, report)
}

// Export handles GET /audit/export
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.parseFilter(w, r)
	if !ok {
		return
	}

	format := ExportFormat(httputil.ParseQueryString(r, "format", string(ExportNDJSON)))
	if !ValidExportFormat(format) {
		httputil.WriteBadRequest(w, "format must be json, ndjson, or csv")
		return
	}

	switch format {
	case ExportCSV:
		w.Header().Set("Content-Type", "text/csv")
	case ExportJSON:
		w.Header().Set("Content-Type", "application/json")
	default:
		w.Header().Set("Content-Type", "application/x-ndjson")
	}
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="audit-export-%s.%s"`, time.Now().UTC().Format("20060102-150405"), format))

	count, err := h.exporter.Export(r.Context(), w, filter, format)
	if err != nil {
		// Headers may already be sent; log instead of rewriting the status
		h.logger.WithError(err).WithField("written", count).Error("audit export failed mid-stream")
		return
	}
}

func (h *Handler) parseFilter(w http.ResponseWriter, r *http.Request) (Filter, bool) {
	limit, err := httputil.ParseQueryInt(r, "limit", 0)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return Filter{}, false
	}
	from, err := httputil.ParseQueryTime(r, "from")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return Filter{}, false
	}
	to, err := httputil.ParseQueryTime(r, "to")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return Filter{}, false
	}

	var operations []Operation
	for _, op := range httputil.ParseQueryCSV(r, "operations") {
		operations = append(operations, Operation(op))
	}

	return Filter{
		TableNames: httputil.ParseQueryCSV(r, "tables"),
		RecordID:   httputil.ParseQueryString(r, "record_id", ""),
		ActorID:    httputil.ParseQueryString(r, "actor_id", ""),
		Operations: operations,
		DateFrom:   from,
		DateTo:     to,
		Search:     httputil.ParseQueryString(r, "search", ""),
		Limit:      limit,
		Cursor:     httputil.ParseQueryString(r, "cursor", ""),
	}, true
}

func (h *Handler) writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *InvalidQueryError
	if errors.As(err, &invalid) {
		httputil.WriteBadRequest(w, invalid.Error())
		return
	}

	observability.FromContext(r.Context()).WithError(err).Error("audit query failed")
	httputil.WriteInternalError(w, errors.New("internal server error"))
}
