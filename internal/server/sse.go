package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/knoguchi/ragpipe/internal/pipeline"
	"github.com/knoguchi/ragpipe/internal/retriever"
)

// sseWriter emits server-sent events, flushing after each one so tokens
// reach the client as they are generated.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &sseWriter{w: w, flusher: flusher}, nil
}

// Send writes one event with a JSON payload.
func (s *sseWriter) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	events := s.pipe.ChatStream(r.Context(), s.opts.Current(), req.Prompt, req.History, req.Datasets)
	for ev := range events {
		switch ev.Kind {
		case pipeline.EventStep:
			err = sse.Send("step", map[string]string{"step": ev.Step})
		case pipeline.EventToken:
			err = sse.Send("token", map[string]string{"token": ev.Token})
		case pipeline.EventDocuments:
			err = sse.Send("documents", map[string][]retriever.Document{"documents": ev.Documents})
		case pipeline.EventDone:
			documents := ev.Result.Documents
			if len(documents) == 0 {
				documents = req.Docs
			}
			err = sse.Send("done", chatResponse{
				Reply:      ev.Result.Reply,
				History:    ev.Result.History,
				Documents:  documents,
				Rewritten:  ev.Result.Rewritten,
				Question:   ev.Result.Question,
				FetchedNew: ev.Result.FetchedNew,
			})
		case pipeline.EventError:
			s.logger.Error("streaming error", "error", ev.Err)
			err = sse.Send("error", map[string]string{"error": ev.Err.Error()})
		}
		if err != nil {
			// Client gone; the context cancellation stops the producer.
			return
		}
	}
}
