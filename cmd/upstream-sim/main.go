// Command upstream-sim is a small SSE upstream simulator used for local
// testing of the relay. It answers POST /v1/chat/completions with a
// stream of data:-framed delta events followed by a [DONE] marker.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

func main() {
	addr := flag.String("addr", ":9090", "Listen address")
	chunks := flag.Int("chunks", 40, "Number of delta events per response")
	chunkSize := flag.Int("chunk-size", 48, "Approximate text size per delta event")
	interval := flag.Duration("interval", 25*time.Millisecond, "Delay between events")
	flag.Parse()

	http.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		log.Printf("request from %s (%d bytes), streaming %d events", r.RemoteAddr, len(body), *chunks)

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		filler := make([]byte, *chunkSize)
		for i := range filler {
			filler[i] = 'a' + byte(i%26)
		}

		for i := 0; i < *chunks; i++ {
			event := map[string]any{
				"id":      fmt.Sprintf("sim-%d", i),
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"choices": []map[string]any{
					{
						"index": 0,
						"delta": map[string]any{"content": string(filler)},
					},
				},
			}
			payload, err := json.Marshal(event)
			if err != nil {
				log.Printf("marshal error: %v", err)
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				log.Printf("client gone after %d events: %v", i, err)
				return
			}
			flusher.Flush()

			select {
			case <-r.Context().Done():
				log.Printf("client cancelled after %d events", i)
				return
			case <-time.After(*interval):
			}
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
		log.Printf("stream complete, %d events sent", *chunks)
	})

	http.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "sim-small", "object": "model", "created": time.Now().Unix(), "owned_by": "upstream-sim"},
				{"id": "sim-large", "object": "model", "created": time.Now().Unix(), "owned_by": "upstream-sim"},
			},
		})
	})

	log.Printf("upstream simulator listening on %s", *addr)
	if err := http.ListenAndServe(*addr, nil); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
