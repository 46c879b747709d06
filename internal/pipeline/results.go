// Copyright 2025 Tom Barlow
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

package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tombee/monitord/internal/log"
	"github.com/tombee/monitord/internal/model"
)

// resultQuerier is the read side of the result store.
type resultQuerier interface {
	Latest(ctx context.Context, entityID string) ([]model.AggregationResult, error)
	History(ctx context.Context, entityID, attribute string, limit int) ([]model.AggregationResult, error)
}

// resultsHandler serves GET /results/{entity}. Without query parameters it
// returns the latest result per attribute; ?attribute=name returns that
// attribute's history, newest first, bounded by ?limit.
func resultsHandler(q resultQuerier, logger *slog.Logger) http.Handler {
	logger = log.Or(logger)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entity := r.PathValue("entity")
		attribute := r.URL.Query().Get("attribute")

		if attribute == "" {
			results, err := q.Latest(r.Context(), entity)
			if err != nil {
				logger.Error("failed to query latest results", log.Entity(entity), log.Error(err))
				writeError(w, http.StatusInternalServerError, "failed to query results")
				return
			}
			writeJSON(w, http.StatusOK, results)
			return
		}

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}
		results, err := q.History(r.Context(), entity, attribute, limit)
		if err != nil {
			logger.Error("failed to query result history", log.Entity(entity), log.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to query results")
			return
		}
		writeJSON(w, http.StatusOK, results)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", log.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
