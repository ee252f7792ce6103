// Package testupstream provides a configurable OpenAI-compatible upstream
// double for proxy, dispatcher, and gateway tests: a models listing, a chat
// completion endpoint with scriptable failures, and SSE streaming.
package testupstream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"
)

// Server is one fake upstream provider.
type Server struct {
	*httptest.Server

	mu     sync.Mutex
	models []string

	chatStatus int
	chatBody   []byte
	chunks     []string
	latency    time.Duration

	chatRequests   int64
	modelsRequests int64
}

// New starts a fake upstream advertising the given models. By default chat
// completions answer 200 with a small canned envelope.
func New(models ...string) *Server {
	s := &Server{models: models}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/v1/chat/completions", s.handleChat)
	s.Server = httptest.NewServer(mux)
	return s
}

// SetModels replaces the advertised model list.
func (s *Server) SetModels(models ...string) {
	s.mu.Lock()
	s.models = models
	s.mu.Unlock()
}

// RespondWith scripts the next chat responses: a fixed status and body.
// Status 0 restores the default canned success.
func (s *Server) RespondWith(status int, body string) {
	s.mu.Lock()
	s.chatStatus = status
	s.chatBody = []byte(body)
	s.chunks = nil
	s.mu.Unlock()
}

// StreamChunks makes chat respond as an SSE stream emitting each chunk as a
// data: line, then [DONE].
func (s *Server) StreamChunks(chunks ...string) {
	s.mu.Lock()
	s.chatStatus = 0
	s.chatBody = nil
	s.chunks = chunks
	s.mu.Unlock()
}

// SetLatency delays every chat response.
func (s *Server) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

// ChatRequests returns how many chat completions were received.
func (s *Server) ChatRequests() int64 { return atomic.LoadInt64(&s.chatRequests) }

// ModelsRequests returns how many model listings were received.
func (s *Server) ModelsRequests() int64 { return atomic.LoadInt64(&s.modelsRequests) }

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&s.modelsRequests, 1)

	s.mu.Lock()
	models := append([]string(nil), s.models...)
	s.mu.Unlock()

	type entry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	data := make([]entry, len(models))
	for i, m := range models {
		data[i] = entry{ID: m, Object: "model", OwnedBy: "test"}
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&s.chatRequests, 1)

	s.mu.Lock()
	status := s.chatStatus
	body := s.chatBody
	chunks := append([]string(nil), s.chunks...)
	latency := s.latency
	s.mu.Unlock()

	if latency > 0 {
		time.Sleep(latency)
	}

	if status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
		return
	}

	if len(chunks) > 0 {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
			if flusher != nil {
				flusher.Flush()
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		if flusher != nil {
			flusher.Flush()
		}
		return
	}

	var req struct {
		Model string `json:"model"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   req.Model,
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": "hello from the test upstream"},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{"prompt_tokens": 3, "completion_tokens": 6, "total_tokens": 9},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
