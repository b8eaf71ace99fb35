package devserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	idKey       = "_id"
	metadataKey = "_kmd"
	lmtKey      = "lmt"
	ectKey      = "ect"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	c := s.col(chi.URLParam(r, "collection"))
	out := make([]map[string]any, 0, len(c.order))
	for _, id := range c.order {
		if doc, ok := c.docs[id]; ok {
			out = append(out, doc)
		}
	}
	s.mu.Unlock()

	stampServerTime(w)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	c := s.col(chi.URLParam(r, "collection"))
	doc, ok := c.docs[chi.URLParam(r, "id")]
	s.mu.Unlock()

	if !ok {
		WriteProblem(w, r, http.StatusNotFound, "Entity not found")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	n := len(s.col(chi.URLParam(r, "collection")).docs)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	doc, ok := decodeDoc(w, r)
	if !ok {
		return
	}
	id, _ := doc[idKey].(string)
	if id == "" {
		id = uuid.NewString()
		doc[idKey] = id
	}
	s.store(chi.URLParam(r, "collection"), id, doc, true)
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	doc, ok := decodeDoc(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	doc[idKey] = id
	s.store(chi.URLParam(r, "collection"), id, doc, false)
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	c := s.col(chi.URLParam(r, "collection"))
	_, existed := c.docs[id]
	if existed {
		delete(c.docs, id)
		delete(c.updated, id)
		c.tombstones[id] = time.Now().UTC()
		for i, cur := range c.order {
			if cur == id {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	if !existed {
		WriteProblem(w, r, http.StatusNotFound, "Entity not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelta(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("since")
	since, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Missing or malformed since parameter")
		return
	}
	if since.Before(s.epoch) {
		WriteProblem(w, r, http.StatusGone, "Requested since timestamp predates the retained change window")
		return
	}

	s.mu.Lock()
	c := s.col(chi.URLParam(r, "collection"))
	changed := make([]map[string]any, 0)
	for _, id := range c.order {
		if c.updated[id].After(since) {
			changed = append(changed, c.docs[id])
		}
	}
	deleted := make([]map[string]any, 0)
	for id, at := range c.tombstones {
		if at.After(since) {
			deleted = append(deleted, map[string]any{idKey: id})
		}
	}
	s.mu.Unlock()

	stampServerTime(w)
	writeJSON(w, http.StatusOK, map[string]any{
		"changed": changed,
		"deleted": deleted,
	})
}

// store upserts a document, stamping server metadata and keeping first
// insertion order.
func (s *Server) store(collectionName, id string, doc map[string]any, created bool) {
	now := time.Now().UTC()
	kmd, _ := doc[metadataKey].(map[string]any)
	if kmd == nil {
		kmd = make(map[string]any, 2)
	}
	kmd[lmtKey] = now.Format(time.RFC3339Nano)
	if created || kmd[ectKey] == nil {
		kmd[ectKey] = now.Format(time.RFC3339Nano)
	}
	doc[metadataKey] = kmd

	s.mu.Lock()
	c := s.col(collectionName)
	if _, exists := c.docs[id]; !exists {
		c.order = append(c.order, id)
	}
	c.docs[id] = doc
	c.updated[id] = now
	delete(c.tombstones, id)
	s.mu.Unlock()
}

func decodeDoc(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var doc map[string]any
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Malformed JSON body")
		return nil, false
	}
	return doc, true
}

func stampServerTime(w http.ResponseWriter) {
	w.Header().Set("X-Server-Time", time.Now().UTC().Format(time.RFC3339Nano))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "devserver", "error", err)
	}
}
