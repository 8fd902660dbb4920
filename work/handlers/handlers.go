package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"sonicwave/work/facade"
	"sonicwave/work/logger"
	"sonicwave/work/metadata"
	"sonicwave/work/resolver"

	"github.com/gorilla/mux"
)

// maxUploadBytes bounds the JSON upload body. Variants are base64 in the
// document, so this is roughly 96MB of raw audio across all tiers.
const maxUploadBytes = 128 << 20

// HandleStream resolves a handle for {id} at {quality} and returns it as
// JSON along with the blob URL a player can fetch. The heavy lifting
// (descriptor lookup, gateway race, materialization) lives in the service.
func HandleStream(svc *facade.StreamService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		contentID := vars["id"]
		quality := vars["quality"]

		handle, err := svc.GetStreamingURL(r.Context(), contentID, quality)
		if err != nil {
			writeStreamError(w, contentID, quality, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"contentId": contentID,
			"quality":   quality,
			"handle":    handle,
			"url":       svc.HandleURL(handle),
		})
	}
}

// HandleBlob serves the materialized bytes behind a handle. Range requests
// are honored so players can seek without refetching the whole track.
func HandleBlob(svc *facade.StreamService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handle := mux.Vars(r)["handle"]

		data, mimeType, err := svc.Allocator.Open(handle)
		if err != nil {
			logger.Debug("{handlers - HandleBlob} Unknown handle requested: %s", handle)
			http.Error(w, "Handle not found or revoked", http.StatusNotFound)
			return
		}

		// keep recency honest for the LRU eviction pass
		svc.Blobs.RecordAccess(handleContentID(handle))

		w.Header().Set("Content-Type", mimeType)
		w.Header().Set("Cache-Control", "no-store")
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
	}
}

// HandlePlaylist renders the HLS master playlist for a track's quality
// tiers.
func HandlePlaylist(svc *facade.StreamService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		contentID := mux.Vars(r)["id"]

		playlist, err := svc.GeneratePlaylist(r.Context(), contentID)
		if err != nil {
			writeStreamError(w, contentID, "", err)
			return
		}

		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(playlist))
	}
}

// HandleUpload accepts a JSON upload document (descriptor fields plus
// base64 variant payloads), publishes the descriptor, and returns the
// assigned content id.
func HandleUpload(svc *facade.StreamService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
		if err != nil {
			http.Error(w, "Failed to read request body", http.StatusBadRequest)
			return
		}

		var input facade.UploadInput
		if err := json.Unmarshal(body, &input); err != nil {
			http.Error(w, "Invalid upload document: "+err.Error(), http.StatusBadRequest)
			return
		}

		result, err := svc.UploadContent(r.Context(), input)
		if err != nil {
			logger.Warn("{handlers - HandleUpload} Upload rejected: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		writeJSON(w, http.StatusCreated, result)
	}
}

// writeStreamError maps the service error taxonomy onto HTTP statuses so
// clients can distinguish a permanent miss from a transient outage.
func writeStreamError(w http.ResponseWriter, contentID, quality string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, facade.ErrInvalidContentID):
		status = http.StatusBadRequest
	case errors.Is(err, facade.ErrQualityUnavailable):
		status = http.StatusNotFound
	case errors.Is(err, metadata.ErrDescriptorUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, resolver.ErrAllGatewaysUnreachable):
		status = http.StatusServiceUnavailable
	}

	if status >= 500 {
		logger.Warn("{handlers - writeStreamError} %s/%s failed: %v", contentID, quality, err)
	}
	writeJSON(w, status, map[string]string{
		"error":     err.Error(),
		"contentId": contentID,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// handleContentID extracts the content id segment from a "blob:<id>:<seq>"
// handle for access accounting. Malformed handles yield an empty string,
// which RecordAccess treats as a no-op miss.
func handleContentID(handle string) string {
	const prefix = "blob:"
	if len(handle) <= len(prefix) || handle[:len(prefix)] != prefix {
		return ""
	}
	rest := handle[len(prefix):]
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == ':' {
			return rest[:i]
		}
	}
	return ""
}
