package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/fmoretti/semamap/internal/vectordb"
)

// statusVectorStore is the status code the map client expects for vector
// store failures. It deliberately deviates from the registered meaning of
// 505; the client treats it as "retry later".
const statusVectorStore = 505

// Handler is the HTTP surface over the facade. All endpoints are GET,
// JSON-bodied, and live under /api.
type Handler struct {
	facade *Facade
	mux    *http.ServeMux
}

// NewHandler builds the /api route table.
func NewHandler(f *Facade) *Handler {
	h := &Handler{facade: f, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /api/collection-names", h.collectionNames)
	h.mux.HandleFunc("GET /api/collection-info", h.collectionInfo)
	h.mux.HandleFunc("GET /api/image-text", h.imageText)
	h.mux.HandleFunc("GET /api/tiles", h.tiles)
	h.mux.HandleFunc("GET /api/image-to-tile", h.imageToTile)
	h.mux.HandleFunc("GET /api/images", h.images)
	h.mux.HandleFunc("GET /api/neighbors", h.neighbors)
	h.mux.HandleFunc("GET /api/first-tiles", h.firstTiles)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	id := uuid.NewString()
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	h.mux.ServeHTTP(rec, r)
	log.WithFields(log.Fields{
		"request_id": id,
		"method":     r.Method,
		"path":       r.URL.Path,
		"status":     rec.status,
		"duration":   time.Since(start).Round(time.Microsecond).String(),
	}).Info("request")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *Handler) collectionNames(w http.ResponseWriter, r *http.Request) {
	names, err := h.facade.ListCollections(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, map[string]any{"collections": names})
}

func (h *Handler) collectionInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.facade.CollectionInfo(r.Context(), r.URL.Query().Get("collection"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, info)
}

func (h *Handler) imageText(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rep, err := h.facade.SearchByText(r.Context(), q.Get("collection"), q.Get("text"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, rep)
}

func (h *Handler) tiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	indexes, err := parseIndexList(q.Get("indexes"))
	if err != nil {
		writeError(w, err)
		return
	}
	tiles, err := h.facade.GetTiles(r.Context(), q.Get("collection"), indexes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, tiles)
}

func (h *Handler) imageToTile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	index, err := parseIndex(q.Get("index"))
	if err != nil {
		writeError(w, err)
		return
	}
	it, err := h.facade.ImageToTile(r.Context(), q.Get("collection"), index)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, it)
}

func (h *Handler) images(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var indexes []int64
	for _, raw := range q["indexes"] {
		batch, err := parseIndexList(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		indexes = append(indexes, batch...)
	}
	refs, err := h.facade.Paths(r.Context(), q.Get("collection"), indexes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, refs)
}

func (h *Handler) neighbors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	index, err := parseIndex(q.Get("index"))
	if err != nil {
		writeError(w, err)
		return
	}
	k := 10
	if raw := q.Get("k"); raw != "" {
		k64, err := parseIndex(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		k = int(k64)
	}
	reps, err := h.facade.Neighbors(r.Context(), q.Get("collection"), index, k)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, reps)
}

func (h *Handler) firstTiles(w http.ResponseWriter, r *http.Request) {
	tiles, err := h.facade.FirstTiles(r.Context(), r.URL.Query().Get("collection"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, tiles)
}

func parseIndex(raw string) (int64, error) {
	idx, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || idx < 0 {
		return 0, badRequest(errors.New("index must be a non-negative integer"))
	}
	return idx, nil
}

func parseIndexList(raw string) ([]int64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		idx, err := parseIndex(p)
		if err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusVectorStore
	switch {
	case errors.Is(err, vectordb.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, vectordb.ErrBadRequest):
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(map[string]string{"error": err.Error()}); encErr != nil {
		log.Warnf("write error response: %v", encErr)
	}
}
