// CLAUDE:SUMMARY chi router for the operational API: health, items with ETag, status, cycle metrics, audit trail, check trigger, digest, track/untrack.
package shelf

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/shelfwatch/shield"
)

// Handler returns the HTTP API. /health is always open; the rest requires
// Basic Auth when http.username is set.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.APIStack(s.logger) {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	limiter := shield.NewRateLimiter(s.config.HTTP.RateLimit, time.Minute)

	r.Group(func(r chi.Router) {
		r.Use(shield.BasicAuth(s.config.HTTP.Username, s.config.HTTP.PasswordHash))

		r.Get("/api/items", s.handleItems)
		r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
			rep, err := s.Status(r.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, rep)
		})
		r.Get("/api/metrics/{name}", s.handleMetrics)
		r.Get("/api/audit", s.handleAudit)

		r.Group(func(r chi.Router) {
			r.Use(limiter.Middleware)
			r.Post("/api/check", s.handleCheck)
			r.Post("/api/digest", s.handleDigest)
			r.Post("/api/items", s.handleTrack)
			r.Delete("/api/items/{id}", s.handleUntrack)
		})
	})
	return r
}

func (s *Service) handleItems(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Items(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	etag := `"` + snap.Digest() + `"`
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	var filter *bool
	if v := r.URL.Query().Get("available"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("available: want true or false"))
			return
		}
		filter = &b
	}
	items := make([]Record, 0, len(snap))
	for _, rec := range snap.Records() {
		if filter != nil && rec.Available != *filter {
			continue
		}
		items = append(items, rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Service) handleCheck(w http.ResponseWriter, r *http.Request) {
	// wait=false only wakes the running loop.
	if v := r.URL.Query().Get("wait"); v != "" {
		if wait, err := strconv.ParseBool(v); err == nil && !wait {
			writeJSON(w, http.StatusAccepted, map[string]bool{"triggered": s.Trigger()})
			return
		}
	}
	ep := s.audited("check")(func(ctx context.Context, _ any) (any, error) {
		return s.CheckNow(ctx)
	})
	s.serve(w, r, ep, nil)
}

func (s *Service) handleDigest(w http.ResponseWriter, r *http.Request) {
	ep := s.audited("digest")(func(ctx context.Context, _ any) (any, error) {
		outcomes, err := s.SendStatus(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"outcomes": outcomes}, nil
	})
	s.serve(w, r, ep, nil)
}

func (s *Service) handleTrack(w http.ResponseWriter, r *http.Request) {
	var req trackReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ep := s.audited("track")(func(ctx context.Context, req any) (any, error) {
		return s.Track(ctx, req.(*trackReq).MarcNos...)
	})
	s.serve(w, r, ep, &req)
}

func (s *Service) handleUntrack(w http.ResponseWriter, r *http.Request) {
	ep := s.audited("untrack")(func(ctx context.Context, req any) (any, error) {
		removed, err := s.Untrack(ctx, req.(*untrackReq).IDs...)
		if err != nil {
			return nil, err
		}
		return map[string]any{"removed": removed}, nil
	})
	s.serve(w, r, ep, &untrackReq{IDs: []string{chi.URLParam(r, "id")}})
}

func (s *Service) handleMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	since, err := querySince(q.Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	points, err := s.Metrics(r.Context(), chi.URLParam(r, "name"), since, limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"points": points, "count": len(points)})
}

func (s *Service) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := AuditFilter{Operation: q.Get("operation"), Status: q.Get("status")}
	var err error
	if f.Limit, err = queryInt(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if f.Since, err = querySince(q.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := s.AuditTrail(r.Context(), f)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// serve runs ep with req and writes the response or the mapped error.
func (s *Service) serve(w http.ResponseWriter, r *http.Request, ep func(context.Context, any) (any, error), req any) {
	resp, err := ep(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("limit: want a non-negative integer")
	}
	return n, nil
}

// querySince accepts an RFC 3339 time or a duration back from now ("24h").
func querySince(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return time.Now().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New("since: want RFC 3339 time or duration")
	}
	return t, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrShelfManaged), errors.Is(err, ErrLocked), errors.Is(err, ErrTimeout):
		return http.StatusConflict
	case errors.Is(err, ErrNotTracked), errors.Is(err, ErrTelemetryDisabled):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
