// Package httpapi is the engine's inbound HTTP front door: an
// OpenAI-compatible /v1/chat/completions and /v1/embeddings surface backed
// by the Dispatcher. Grounded on the teacher's single unified
// http.HandleFunc("/", ...) entry point in main.go and handler.HandleRequest
// — same flat routing style, here on an http.ServeMux, same bearer-token
// gate — adapted from a reverse-proxy pass-through to a Dispatcher-backed
// handler.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"llm-router/internal/dispatch"
	"llm-router/internal/llmapi"
	"llm-router/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NewMux builds the engine's HTTP handler.
func NewMux(cfg *model.Config, disp *dispatch.Dispatcher) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", withAuth(cfg, handleCompletions(disp, cfg.Logger)))
	mux.HandleFunc("/v1/embeddings", withAuth(cfg, handleEmbeddings(disp, cfg.Logger)))
	mux.HandleFunc("/healthz", handleHealthz)
	return mux
}

func withAuth(cfg *model.Config, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.LLMRouterAPIKey == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if token == "" || token != cfg.LLMRouterAPIKey {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func decodeParams(r *http.Request) (llmapi.Params, string, bool, error) {
	var params llmapi.Params
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		return nil, "", false, err
	}
	modelID, _ := params["model"].(string)
	if modelID == "" {
		return nil, "", false, errors.New("httpapi: missing \"model\" field")
	}
	stream, _ := params["stream"].(bool)
	return params, modelID, stream, nil
}

func handleCompletions(disp *dispatch.Dispatcher, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		params, modelID, stream, err := decodeParams(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		if stream {
			streamCompletion(w, r, disp, modelID, params, reqID, logger)
			return
		}

		resp, err := disp.Complete(r.Context(), modelID, params)
		if err != nil {
			writeDispatchError(w, err)
			return
		}
		if resp == nil {
			writeError(w, http.StatusServiceUnavailable, "no eligible credential for this model right now")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(resp.Raw)
	}
}

func handleEmbeddings(disp *dispatch.Dispatcher, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, modelID, _, err := decodeParams(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		resp, err := disp.Embed(r.Context(), modelID, params)
		if err != nil {
			writeDispatchError(w, err)
			return
		}
		if resp == nil {
			writeError(w, http.StatusServiceUnavailable, "no eligible credential for this model right now")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(resp.Raw)
	}
}

func streamCompletion(w http.ResponseWriter, r *http.Request, disp *dispatch.Dispatcher, modelID string, params llmapi.Params, reqID string, logger *zap.Logger) {
	s, err := disp.StreamComplete(r.Context(), modelID, params)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	defer s.Close()

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for {
		event, err := s.Next(r.Context())
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("httpapi: stream terminated with error", zap.String("request_id", reqID), zap.Error(err))
			}
			break
		}
		if _, werr := w.Write([]byte("data: ")); werr != nil {
			return
		}
		if _, werr := w.Write(event); werr != nil {
			return
		}
		if _, werr := w.Write([]byte("\n\n")); werr != nil {
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}
	w.Write([]byte("data: [DONE]\n\n"))
	if canFlush {
		flusher.Flush()
	}
}

func writeDispatchError(w http.ResponseWriter, err error) {
	var ce *llmapi.CallError
	if errors.As(err, &ce) {
		status := ce.Status
		if status == 0 {
			status = http.StatusBadGateway
		}
		writeError(w, status, err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
