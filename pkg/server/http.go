// Package server exposes a node over HTTP: message processing, signed
// queries, OOBI introductions and identifier heads.
package server

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/relves/kerilog/internal/storage"
	"github.com/relves/kerilog/pkg/kel"
	"github.com/relves/kerilog/pkg/signing"
	"github.com/relves/kerilog/pkg/tel"
	"github.com/relves/kerilog/pkg/transport"
	"github.com/relves/kerilog/pkg/types"
	"github.com/relves/kerilog/pkg/witness"
)

// HTTPHandler serves a transport.Peer on the routes transport.HTTPClient
// speaks.
type HTTPHandler struct {
	peer      transport.Peer
	kel       *kel.Database
	validator RequestValidator
	logger    *slog.Logger
	maxBody   int64
}

// NewHTTPHandler creates a new HTTP handler for peer.
func NewHTTPHandler(peer transport.Peer, opts ...Option) (*HTTPHandler, error) {
	if peer == nil {
		return nil, fmt.Errorf("peer is required")
	}
	cfg := applyOptions(opts...)
	return &HTTPHandler{
		peer:      peer,
		kel:       cfg.KEL,
		validator: cfg.Validator,
		logger:    cfg.Logger,
		maxBody:   cfg.MaxBodyBytes,
	}, nil
}

// Routes registers the handler's endpoints on mux.
func (h *HTTPHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST "+transport.PathProcess, h.guard(h.HandleProcess))
	mux.HandleFunc("POST "+transport.PathQuery, h.guard(h.HandleQuery))
	mux.HandleFunc("GET "+transport.PathOOBI+"/{eid}/{role}", h.guard(h.HandleOOBI))
	mux.HandleFunc("GET /identifiers/{prefix}/head", h.guard(h.HandleGetHead))
}

// Handler returns a mux serving all routes.
func (h *HTTPHandler) Handler() http.Handler {
	mux := http.NewServeMux()
	h.Routes(mux)
	return mux
}

func (h *HTTPHandler) guard(next http.HandlerFunc) http.HandlerFunc {
	if h.validator == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.validator.ValidateRequest(r); err != nil {
			h.logger.Warn("request rejected by validator", "path", r.URL.Path, "error", err)
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

// HandleProcess handles POST /process with a JSON array of messages.
func (h *HTTPHandler) HandleProcess(w http.ResponseWriter, r *http.Request) {
	var msgs []types.Message
	if !h.decode(w, r, &msgs) {
		return
	}
	if len(msgs) == 0 {
		http.Error(w, "no messages", http.StatusBadRequest)
		return
	}
	if err := h.peer.Process(r.Context(), msgs); err != nil {
		h.fail(w, "process", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleQuery handles POST /query with a signed query and answers with the
// matching envelopes.
func (h *HTTPHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	var sq types.SignedQuery
	if !h.decode(w, r, &sq) {
		return
	}
	envs, err := h.peer.Query(r.Context(), sq)
	if err != nil {
		h.fail(w, "query", err)
		return
	}
	if envs == nil {
		envs = []types.Envelope{}
	}
	h.respond(w, envs)
}

// HandleOOBI handles GET /oobi/{eid}/{role}.
func (h *HTTPHandler) HandleOOBI(w http.ResponseWriter, r *http.Request) {
	role, err := types.ParseRole(r.PathValue("role"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	eid := r.PathValue("eid")
	if eid == "" {
		http.Error(w, "eid required", http.StatusBadRequest)
		return
	}
	rec, err := h.peer.Introduce(r.Context(), eid, role)
	if err != nil {
		h.fail(w, "introduce", err)
		return
	}
	h.respond(w, rec)
}

// HeadResponse is the response for GET /identifiers/{prefix}/head.
type HeadResponse struct {
	Prefix string `json:"prefix"`
	Sn     uint64 `json:"sn"`
	Digest string `json:"digest"`
	Size   uint64 `json:"size"`
	Root   string `json:"root"`
}

// HandleGetHead handles GET /identifiers/{prefix}/head.
// Returns the key state tip and the Merkle tree head over the log.
func (h *HTTPHandler) HandleGetHead(w http.ResponseWriter, r *http.Request) {
	prefix := r.PathValue("prefix")
	if prefix == "" {
		http.Error(w, "prefix required", http.StatusBadRequest)
		return
	}
	if h.kel == nil {
		http.Error(w, "heads not served", http.StatusNotFound)
		return
	}

	ctx := r.Context()
	st, err := h.kel.State(ctx, prefix)
	if err != nil {
		h.fail(w, "get state", err)
		return
	}
	head, err := h.kel.Head(ctx, prefix)
	if err != nil {
		h.fail(w, "get head", err)
		return
	}

	h.respond(w, HeadResponse{
		Prefix: prefix,
		Sn:     st.Sn,
		Digest: st.Digest,
		Size:   head.Size,
		Root:   hex.EncodeToString(head.Root),
	})
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *HTTPHandler) respond(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *HTTPHandler) fail(w http.ResponseWriter, op string, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "op", op, "error", err)
	} else {
		h.logger.Debug("request refused", "op", op, "status", status, "error", err)
	}
	http.Error(w, err.Error(), status)
}

// StatusFor maps an error from the node to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, witness.ErrUnauthorized), errors.Is(err, signing.ErrInvalidSignature):
		return http.StatusForbidden
	case errors.Is(err, witness.ErrNotFound),
		errors.Is(err, kel.ErrUnknown),
		errors.Is(err, tel.ErrUnknownRegistry),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrMalformed),
		errors.Is(err, witness.ErrUnsupported),
		errors.Is(err, kel.ErrInvalidSignature),
		errors.Is(err, kel.ErrEmptyKeySet),
		errors.Is(err, kel.ErrInvalidWitnessConfig),
		errors.Is(err, tel.ErrInvalidTransition),
		kel.IsIntegrityError(err),
		kel.IsThresholdError(err),
		tel.IsAnchoringError(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
