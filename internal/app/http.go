// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/bcem/mailer/internal/models"
)

// Pinger is anything with a connectivity check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Routes registers the health and search endpoints on mux.
func Routes(mux *http.ServeMux, stores *Stores, redis Pinger) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := redis.Ping(r.Context()); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		if err := stores.Ping(r.Context()); err != nil {
			http.Error(w, stores.Backend+" unhealthy", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]string{"status": "healthy", "store": stores.Backend})
	})

	mux.HandleFunc("GET /dispatches", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		records, err := stores.Dispatches.SearchDispatches(r.Context(), models.DispatchFilter{
			TrackingID: q.Get("tracking_id"),
			Email:      q.Get("email"),
			Limit:      queryInt(q.Get("limit")),
		})
		if err != nil {
			slog.Error("dispatch search failed", "error", err)
			http.Error(w, "search failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, nonNil(records))
	})

	mux.HandleFunc("GET /returns", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := models.ReturnFilter{
			TrackingKey: q.Get("tracking_key"),
			Email:       q.Get("email"),
			Limit:       queryInt(q.Get("limit")),
		}
		if s := q.Get("status"); s != "" {
			status, ok := models.ParseReturnStatus(s)
			if !ok {
				http.Error(w, "unknown status "+strconv.Quote(s), http.StatusBadRequest)
				return
			}
			filter.Status = status
		}
		threads, err := stores.Returns.SearchReturns(r.Context(), filter)
		if err != nil {
			slog.Error("return search failed", "error", err)
			http.Error(w, "search failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, nonNil(threads))
	})
}

func queryInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}
