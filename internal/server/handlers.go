package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/summa-search/summa/internal/collectors"
	"github.com/summa-search/summa/internal/consumer"
	"github.com/summa-search/summa/internal/errkind"
	"github.com/summa-search/summa/internal/holder"
	"github.com/summa-search/summa/internal/schema"
)

// Handler holds the HTTP handlers of the API.
type Handler struct {
	service *Service
	logger  *zap.Logger
}

func NewHandler(service *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes registers all API routes on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /indexes", h.handleListIndexes)
	mux.HandleFunc("POST /indexes", h.handleCreateIndex)
	mux.HandleFunc("GET /indexes/{name}", h.handleGetIndex)
	mux.HandleFunc("DELETE /indexes/{name}", h.handleDeleteIndex)

	mux.HandleFunc("POST /indexes/{name}/documents", h.handleIngestDocuments)
	mux.HandleFunc("DELETE /indexes/{name}/documents", h.handleDeleteDocument)
	mux.HandleFunc("POST /indexes/{name}/commit", h.handleCommit)
	mux.HandleFunc("POST /indexes/{name}/vacuum", h.handleVacuum)

	mux.HandleFunc("POST /search", h.handleSearch)

	mux.HandleFunc("POST /consumers", h.handleCreateConsumer)
	mux.HandleFunc("DELETE /consumers/{name}", h.handleDeleteConsumer)
}

func (h *Handler) handleListIndexes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"indexes": h.service.Registry().Names()})
}

func (h *Handler) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string            `json:"name"`
		Fields     []schema.FieldDef `json:"fields"`
		Attributes schema.Attributes `json:"attributes"`
		Persistent *bool             `json:"persistent,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "index name is required")
		return
	}
	persistent := req.Persistent == nil || *req.Persistent
	created, err := h.service.CreateIndex(req.Name, req.Fields, req.Attributes, persistent)
	if err != nil {
		h.writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, indexInfo(created))
}

func (h *Handler) handleGetIndex(w http.ResponseWriter, r *http.Request) {
	target, err := h.service.Registry().Get(r.PathValue("name"))
	if err != nil {
		h.writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, indexInfo(target))
}

func (h *Handler) handleDeleteIndex(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteIndex(r.Context(), r.PathValue("name")); err != nil {
		h.writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (h *Handler) handleIngestDocuments(w http.ResponseWriter, r *http.Request) {
	target, err := h.service.Registry().Get(r.PathValue("name"))
	if err != nil {
		h.writeErrorFor(w, err)
		return
	}
	var req struct {
		Documents []json.RawMessage `json:"documents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	raw := make([][]byte, 0, len(req.Documents))
	for _, doc := range req.Documents {
		raw = append(raw, doc)
	}
	success, failed := target.IndexBulk(raw)
	writeJSON(w, http.StatusOK, map[string]any{"success": success, "failed": failed})
}

func (h *Handler) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	target, err := h.service.Registry().Get(r.PathValue("name"))
	if err != nil {
		h.writeErrorFor(w, err)
		return
	}
	var req struct {
		PrimaryKeyI64 *int64  `json:"primary_key_i64,omitempty"`
		PrimaryKeyStr *string `json:"primary_key_str,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	var value schema.Value
	switch {
	case req.PrimaryKeyI64 != nil:
		value = schema.Value{Type: schema.TypeI64, I64: *req.PrimaryKeyI64}
	case req.PrimaryKeyStr != nil:
		value = schema.Value{Type: schema.TypeText, Str: *req.PrimaryKeyStr}
	default:
		writeError(w, http.StatusBadRequest, "primary key value is required")
		return
	}
	err = target.WithWriter(func(writer *holder.WriterHolder) error {
		return writer.DeleteDocumentByPrimaryKey(value)
	})
	if err != nil {
		h.writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (h *Handler) handleCommit(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req struct {
		Payload string `json:"payload,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	updater, err := h.service.Updater(name)
	if err != nil {
		h.writeErrorFor(w, err)
		return
	}
	if err := updater.CommitAndWait(r.Context(), req.Payload); err != nil {
		h.writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"committed": true})
}

func (h *Handler) handleVacuum(w http.ResponseWriter, r *http.Request) {
	target, err := h.service.Registry().Get(r.PathValue("name"))
	if err != nil {
		h.writeErrorFor(w, err)
		return
	}
	err = target.WithWriterExclusive(func(writer *holder.WriterHolder) error {
		return writer.Vacuum(nil)
	})
	if err != nil {
		h.writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vacuumed": true})
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IndexAliases []string             `json:"index_aliases"`
		Query        json.RawMessage      `json:"query"`
		Collectors   []collectors.Request `json:"collectors"`
		Fingerprint  string               `json:"fingerprint,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.IndexAliases) == 0 {
		writeError(w, http.StatusBadRequest, "index_aliases is required")
		return
	}
	parsed, err := DecodeQuery(req.Query)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Collectors) == 0 {
		req.Collectors = []collectors.Request{{TopDocs: &collectors.TopDocsRequest{Limit: 10}}}
	}

	outputs, err := h.service.Registry().Search(r.Context(), req.IndexAliases, parsed, req.Collectors, req.Fingerprint)
	if err != nil {
		h.writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collector_outputs": outputs})
}

func (h *Handler) handleCreateConsumer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string               `json:"name"`
		Config consumer.KafkaConfig `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "consumer name is required")
		return
	}
	if err := h.service.CreateConsumer(r.Context(), req.Name, req.Config); err != nil {
		h.writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"created": true})
}

func (h *Handler) handleDeleteConsumer(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteConsumer(r.Context(), r.PathValue("name")); err != nil {
		h.writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func indexInfo(target *holder.Holder) map[string]any {
	meta := target.Index().Meta()
	segments := make([]map[string]any, 0, len(meta.Segments))
	var numDocs uint64
	for _, segment := range meta.Segments {
		numDocs += uint64(segment.Alive())
		segments = append(segments, map[string]any{
			"id":          segment.ID,
			"num_docs":    segment.NumDocs,
			"num_deleted": segment.NumDeleted,
			"attributes":  segment.Attributes,
		})
	}
	return map[string]any{
		"name":       target.Name(),
		"num_docs":   numDocs,
		"generation": meta.Generation,
		"payload":    meta.Payload,
		"schema":     meta.Schema.Fields,
		"attributes": meta.Attributes,
		"segments":   segments,
	}
}

// statusFor maps error kinds onto the HTTP status space the way the RPC
// boundary maps them onto gRPC codes.
func statusFor(err error) int {
	switch errkind.Of(err) {
	case errkind.NotFound:
		return http.StatusNotFound
	case errkind.AlreadyExists:
		return http.StatusConflict
	case errkind.PermissionDenied:
		return http.StatusForbidden
	case errkind.InvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeErrorFor(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
