// Copyright 2024 The DebugProxy Authors
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

// Package admin implements the Admin Surface (component E): the
// token-gated control plane routed under /_proxy on the same listener
// as the proxy itself.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	debugproxy "github.com/YouXam/debug-proxy"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Dependencies the admin surface needs from the rest of the proxy.
type Dependencies struct {
	Configs  *debugproxy.ConfigStore
	Store    *debugproxy.Store
	Logger   *zap.Logger
	Metrics  http.Handler // nil disables /metrics
}

// New builds the http.Handler mounted at /_proxy by the engine's admin
// bridge. Every route except /healthz requires a valid token query
// parameter.
func New(deps Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handleHealthz)
	if deps.Metrics != nil {
		r.With(tokenAuth(deps.Configs)).Handle("/metrics", deps.Metrics)
	}

	r.Route("/api", func(api chi.Router) {
		api.Use(tokenAuth(deps.Configs))
		api.Get("/config", handleGetConfig(deps.Configs))
		api.Post("/config", handlePostConfig(deps.Configs, deps.Store, deps.Logger))
		api.Get("/logs", handleGetLogs(deps.Store))
		api.Delete("/logs", handleDeleteLogs(deps.Store, deps.Logger))
	})

	// The static UI bundle is out of scope: any other path
	// under /_proxy just confirms the admin surface is reachable.
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	return r
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

// tokenAuth rejects any request whose token query parameter doesn't
// match the current admin token, compared in constant time.
func tokenAuth(configs *debugproxy.ConfigStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			want := configs.Load().AdminToken
			got := r.URL.Query().Get("token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// configDTO is the wire shape of the mutable config for the admin API.
type configDTO struct {
	ClientTimeoutMS   *uint32 `json:"client_timeout_ms,omitempty"`
	UpstreamTimeoutMS *uint32 `json:"upstream_timeout_ms,omitempty"`
	MaxHistorySize    *uint32 `json:"max_history_size,omitempty"`
	MaxBodySize       *uint32 `json:"max_body_size,omitempty"`
	TruncateBodyAt    *uint32 `json:"truncate_body_at,omitempty"`
}

func configToDTO(c *debugproxy.Config) configDTO {
	return configDTO{
		ClientTimeoutMS:   &c.ClientTimeoutMS,
		UpstreamTimeoutMS: &c.UpstreamTimeoutMS,
		MaxHistorySize:    &c.MaxHistorySize,
		MaxBodySize:       &c.MaxBodySize,
		TruncateBodyAt:    &c.TruncateBodyAt,
	}
}

func handleGetConfig(configs *debugproxy.ConfigStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, configToDTO(configs.Load()))
	}
}

func handlePostConfig(configs *debugproxy.ConfigStore, store *debugproxy.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch configDTO
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		updated, err := configs.Update(func(c *debugproxy.Config) {
			if patch.ClientTimeoutMS != nil {
				c.ClientTimeoutMS = *patch.ClientTimeoutMS
			}
			if patch.UpstreamTimeoutMS != nil {
				c.UpstreamTimeoutMS = *patch.UpstreamTimeoutMS
			}
			if patch.MaxHistorySize != nil {
				c.MaxHistorySize = *patch.MaxHistorySize
			}
			if patch.MaxBodySize != nil {
				c.MaxBodySize = *patch.MaxBodySize
			}
			if patch.TruncateBodyAt != nil {
				c.TruncateBodyAt = *patch.TruncateBodyAt
			}
		})
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if patch.MaxHistorySize != nil {
			store.Resize(updated.MaxHistorySize)
		}
		logger.Info("admin updated config",
			zap.String("max_body_size", humanize.Bytes(uint64(updated.MaxBodySize))),
			zap.String("truncate_body_at", humanize.Bytes(uint64(updated.TruncateBodyAt))))
		writeJSON(w, http.StatusOK, configToDTO(updated))
	}
}

// headerPairs renders Headers as the [[name,value],...] wire shape,
// preserving order and duplicates the way a plain JSON object could not.
func headerPairs(h debugproxy.Headers) [][2]string {
	out := make([][2]string, len(h))
	for i, kv := range h {
		out[i] = [2]string{kv.Name, kv.Value}
	}
	return out
}

type bodySummaryDTO struct {
	ContentType string `json:"content_type"`
	IsBinary    bool   `json:"is_binary"`
	Size        uint64 `json:"size"`
	Preview     string `json:"preview"`
}

func bodyDTO(b debugproxy.BodySummary) bodySummaryDTO {
	return bodySummaryDTO{ContentType: b.ContentType, IsBinary: b.IsBinary, Size: b.Size, Preview: b.Preview}
}

type requestDTO struct {
	ID         string          `json:"id"`
	Timestamp  int64           `json:"timestamp"`
	Method     string          `json:"method"`
	Path       string          `json:"path"`
	Version    string          `json:"version"`
	Headers    [][2]string     `json:"headers"`
	Body       bodySummaryDTO  `json:"body"`
	ClientAddr string          `json:"client_addr"`
}

type responseDTO struct {
	ID         string         `json:"id"`
	Timestamp  int64          `json:"timestamp"`
	Status     int            `json:"status"`
	Version    string         `json:"version"`
	Headers    [][2]string    `json:"headers"`
	Body       bodySummaryDTO `json:"body"`
	DurationMS int64          `json:"duration_ms"`
}

type transactionDTO struct {
	Request  requestDTO   `json:"request"`
	Response *responseDTO `json:"response"`
	Error    *string      `json:"error"`
}

func transactionToDTO(t debugproxy.Transaction) transactionDTO {
	dto := transactionDTO{
		Request: requestDTO{
			ID:         t.Request.ID,
			Timestamp:  t.Request.Timestamp.UnixMilli(),
			Method:     t.Request.Method,
			Path:       t.Request.Path,
			Version:    t.Request.Version,
			Headers:    headerPairs(t.Request.Headers),
			Body:       bodyDTO(t.Request.Body),
			ClientAddr: t.Request.ClientAddr,
		},
	}
	if t.Response != nil {
		dto.Response = &responseDTO{
			ID:         t.Response.ID,
			Timestamp:  t.Response.Timestamp.UnixMilli(),
			Status:     t.Response.Status,
			Version:    t.Response.Version,
			Headers:    headerPairs(t.Response.Headers),
			Body:       bodyDTO(t.Response.Body),
			DurationMS: t.Response.DurationMS,
		}
	}
	if t.Error != "" {
		e := t.Error
		dto.Error = &e
	}
	return dto
}

func handleGetLogs(store *debugproxy.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		txs := store.Snapshot()
		out := make([]transactionDTO, len(txs))
		for i, t := range txs {
			out[i] = transactionToDTO(t)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleDeleteLogs(store *debugproxy.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := store.Clear()
		logger.Info("admin cleared transaction history", zap.Int("cleared", n))
		writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// MetricsHandler returns the standard promhttp handler for mounting at
// /_proxy/metrics.
func MetricsHandler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
