package indexer

import (
	"encoding/json"
	"net/http"

	"github.com/bitmask/vaultd/rgb"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewHandler returns an HTTP handler exposing idx with the routes a Client
// consumes, so that a local stash can stand in for a remote service.
func NewHandler(idx AssetIndexer) http.Handler {
	h := &handler{idx: idx}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/getasset", h.getAsset)
	r.Get("/list", h.list)

	return r
}

type handler struct {
	idx AssetIndexer
}

func (h *handler) getAsset(w http.ResponseWriter, r *http.Request) {
	var req getAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	assets, err := h.idx.GetAsset(r.Context(), req.Asset)
	if err != nil {
		log.Errorf("getasset %s: %v", req.Asset, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeAssets(w, assets)
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	assets, err := h.idx.ListAssets(r.Context())
	if err != nil {
		log.Errorf("list: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeAssets(w, assets)
}

// writeAssets writes the assets as a JSON list. A nil list is written as an
// empty one.
func writeAssets(w http.ResponseWriter, assets []rgb.Asset) {
	if assets == nil {
		assets = []rgb.Asset{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(assets); err != nil {
		log.Warnf("Unable to write response: %v", err)
	}
}
