// Copyright 2025 Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent serves the local ingest API of `relay agent`: producers that
// cannot link the channel library post record batches here and the agent
// forwards them through its own channel.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/LeeDigitalWorks/relay/pkg/compression"
	"github.com/LeeDigitalWorks/relay/pkg/debug"
	"github.com/LeeDigitalWorks/relay/pkg/logger"
	"github.com/LeeDigitalWorks/relay/pkg/storage"
	"github.com/LeeDigitalWorks/relay/pkg/telemetry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// DefaultMaxBodyBytes bounds the body of one ingest request as sent.
const DefaultMaxBodyBytes = 4 << 20

// Sink is the part of a channel the handler feeds.
type Sink interface {
	Send(r telemetry.Record)
	Flush(ctx context.Context) error
}

// Handler accepts batches encoded with the agent's codec and hands each
// record to the sink unchanged.
type Handler struct {
	sink         Sink
	codec        telemetry.Codec
	maxBodyBytes int64
	log          zerolog.Logger
	mux          *http.ServeMux
}

// NewHandler routes POST /v1/track and POST /v1/flush. A nil codec means
// JSON lines.
func NewHandler(sink Sink, codec telemetry.Codec) *Handler {
	if codec == nil {
		codec = telemetry.JSONLines
	}
	h := &Handler{
		sink:         sink,
		codec:        codec,
		maxBodyBytes: DefaultMaxBodyBytes,
		log:          logger.With("agent"),
		mux:          http.NewServeMux(),
	}
	h.mux.HandleFunc("POST /v1/track", h.track)
	h.mux.HandleFunc("POST /v1/flush", h.flush)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type trackResponse struct {
	Accepted int `json:"accepted"`
}

func (h *Handler) track(w http.ResponseWriter, r *http.Request) {
	if !h.acceptsContentType(r.Header.Get("Content-Type")) {
		ingestRequestsTotal.WithLabelValues("unsupported").Inc()
		http.Error(w, "content type must be "+h.codec.ContentType(), http.StatusUnsupportedMediaType)
		return
	}
	algo, err := compression.FromContentEncoding(r.Header.Get("Content-Encoding"))
	if err != nil {
		ingestRequestsTotal.WithLabelValues("unsupported").Inc()
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			ingestRequestsTotal.WithLabelValues("too_large").Inc()
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		ingestRequestsTotal.WithLabelValues("bad_request").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	plain, err := compression.Decompress(algo, body)
	if err != nil {
		ingestRequestsTotal.WithLabelValues("bad_request").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	records, err := h.codec.Split(plain)
	if err != nil {
		ingestRequestsTotal.WithLabelValues("bad_request").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	for _, rec := range records {
		h.sink.Send(rec)
	}
	ingestRequestsTotal.WithLabelValues("accepted").Inc()
	ingestRecordsTotal.Add(float64(len(records)))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(trackResponse{Accepted: len(records)})
}

// acceptsContentType allows a missing header, the codec's own type, and
// plain application/json when the codec is JSON lines.
func (h *Handler) acceptsContentType(header string) bool {
	if header == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return false
	}
	if mt == h.codec.ContentType() {
		return true
	}
	return mt == "application/json" && h.codec.Name() == telemetry.JSONLines.Name()
}

func (h *Handler) flush(w http.ResponseWriter, r *http.Request) {
	err := h.sink.Flush(r.Context())
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, storage.ErrQuotaExceeded):
		h.log.Warn().Err(err).Msg("agent: flush rejected by storage quota")
		http.Error(w, err.Error(), http.StatusInsufficientStorage)
	default:
		h.log.Error().Err(err).Msg("agent: flush failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

var (
	ingestRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "agent",
		Name:      "ingest_requests_total",
		Help:      "Ingest requests by result",
	}, []string{"result"})

	ingestRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "agent",
		Name:      "ingest_records_total",
		Help:      "Records accepted over the ingest API",
	})
)

func init() {
	debug.Registry().MustRegister(ingestRequestsTotal, ingestRecordsTotal)
}
