// Command drivesync-mockremote is a stand-in sync backend for local
// development. It accepts the mutation replay routes the agent's HTTP remote
// uses, de-duplicates on the idempotency key, and can inject transient
// failures to exercise the retry path.
package main

import (
	"encoding/json"
	"flag"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

type appliedMutation struct {
	IdempotencyKey string    `json:"idempotency_key"`
	Method         string    `json:"method"`
	Path           string    `json:"path"`
	ResourceID     string    `json:"resource_id"`
	Body           string    `json:"body,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
}

type mutationLog struct {
	mu      sync.Mutex
	seen    map[string]bool
	applied []appliedMutation
	calls   int
}

func (l *mutationLog) record(m appliedMutation) (duplicate bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m.IdempotencyKey != "" && l.seen[m.IdempotencyKey] {
		return true
	}
	if m.IdempotencyKey != "" {
		l.seen[m.IdempotencyKey] = true
	}
	l.applied = append(l.applied, m)
	return false
}

func (l *mutationLog) snapshot() []appliedMutation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]appliedMutation, len(l.applied))
	copy(out, l.applied)
	return out
}

// nextCall increments the request counter and reports whether this call
// should be failed according to failEvery.
func (l *mutationLog) nextCall(failEvery int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return failEvery > 0 && l.calls%failEvery == 0
}

func main() {
	addr := flag.String("addr", ":8081", "listen address")
	failEvery := flag.Int("fail-every", 0, "return 503 on every Nth request (0 disables)")
	flag.Parse()

	store := &mutationLog{seen: make(map[string]bool)}

	log.Printf("Starting mock sync remote on %s", *addr)
	if *failEvery > 0 {
		log.Printf("Failure injection enabled: every %d requests", *failEvery)
	}

	// Mutation replay endpoint. The agent routes create as POST /v1/sync/{type},
	// update as PUT and delete as DELETE on /v1/sync/{type}/{id}.
	http.HandleFunc("/v1/sync/", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("Mock sync request: %s %s key=%s", r.Method, r.URL.Path, r.Header.Get("X-Idempotency-Key"))
		w.Header().Set("Content-Type", "application/json")

		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodDelete:
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error": "unsupported method",
			})
			return
		}

		if store.nextCall(*failEvery) {
			log.Printf("Injecting transient failure for %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error": "injected transient failure",
			})
			return
		}

		body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		mutation := appliedMutation{
			IdempotencyKey: r.Header.Get("X-Idempotency-Key"),
			Method:         r.Method,
			Path:           strings.TrimPrefix(r.URL.Path, "/v1/sync"),
			ResourceID:     r.Header.Get("X-Resource-ID"),
			Body:           string(body),
			ReceivedAt:     time.Now().UTC(),
		}

		if store.record(mutation) {
			// Replays of an already-applied mutation succeed without
			// being recorded again.
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status":    "duplicate",
				"timestamp": time.Now().Format(time.RFC3339),
			})
			return
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "applied",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	// Inspection endpoint for tests and manual poking
	http.HandleFunc("/mutations", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		applied := store.snapshot()
		json.NewEncoder(w).Encode(map[string]interface{}{
			"count":     len(applied),
			"mutations": applied,
		})
	})

	// Health check endpoint
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	log.Fatal(http.ListenAndServe(*addr, nil))
}
