package serve

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/everydev1618/spikenet"
)

const (
	sseKeepAlive  = 25 * time.Second
	sseRetryDelay = 2 * time.Second
)

// eventStream writes server-sent events and flushes after each one.
type eventStream struct {
	w     io.Writer
	flush func()
	seq   uint64
}

func (es *eventStream) comment(text string) {
	fmt.Fprintf(es.w, ": %s\n\n", text)
	es.flush()
}

func (es *eventStream) retry(d time.Duration) {
	fmt.Fprintf(es.w, "retry: %d\n\n", d.Milliseconds())
	es.flush()
}

func (es *eventStream) send(ev spikenet.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	es.seq++
	fmt.Fprintf(es.w, "id: %d\nevent: %s\ndata: %s\n\n", es.seq, ev.Type, body)
	es.flush()
	return nil
}

// handleSSE relays orchestrator events as a text/event-stream. Repeated
// ?type= parameters restrict the stream to those event types.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	f, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "response writer cannot stream", http.StatusInternalServerError)
		return
	}
	only := r.URL.Query()["type"]

	events := s.orch.Events()
	sub := events.Subscribe()
	if sub == nil {
		http.Error(w, "event stream is full, retry later", http.StatusServiceUnavailable)
		return
	}
	defer events.Unsubscribe(sub)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	es := &eventStream{w: w, flush: f.Flush}
	es.comment("connected")
	es.retry(sseRetryDelay)

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			es.comment("keep-alive")
		case ev, open := <-sub:
			if !open {
				return
			}
			if len(only) > 0 && !slices.Contains(only, string(ev.Type)) {
				continue
			}
			if err := es.send(ev); err != nil {
				s.logger.Warn("encode event", "type", ev.Type, "error", err)
			}
		}
	}
}
