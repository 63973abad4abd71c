package main

// ============================================================================
// Self-contained demo: an in-memory cluster scraping a local HTTP server.
//
//   go run ./cmd/demo
//
// Runs a controller and one worker against the in-memory store, submits a
// few jobs over pub/sub and prints the result records. No Redis and no
// network access required.
// ============================================================================

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	"github.com/adaptivescrape/asc/internal/controller"
	"github.com/adaptivescrape/asc/internal/dispatch"
	"github.com/adaptivescrape/asc/internal/governor"
	"github.com/adaptivescrape/asc/internal/parser"
	"github.com/adaptivescrape/asc/internal/proxy"
	"github.com/adaptivescrape/asc/internal/store"
	"github.com/adaptivescrape/asc/internal/useragent"
	"github.com/adaptivescrape/asc/internal/worker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head><title>Demo Page</title></head>`+
			`<body><h1>Hello from the demo server</h1>`+
			`<a href="/page/2">next</a></body></html>`)
	})
	mux.HandleFunc("/api", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"items": [1, 2, 3], "ok": true}`)
	})
	mux.HandleFunc("/blocked", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, "rate limit exceeded")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := store.NewMemory()
	defer st.Close()
	keys := store.NewKeys("demo:")

	ctx := context.Background()

	ctrl, err := controller.New(st, keys, nil, controller.Config{
		WorkerTimeout:   10 * time.Second,
		MetricsInterval: time.Hour, // keep the demo output quiet
	})
	if err != nil {
		log.Fatalf("controller: %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("controller start: %v", err)
	}
	defer ctrl.Stop()

	gov := governor.New(st, keys, governor.Config{
		InitialDelay:   10 * time.Millisecond,
		MaxDelay:       time.Second,
		BackoffFactor:  1.5,
		CooldownFactor: 1.1,
	})
	dispatcher := dispatch.New(gov, proxy.NewManager(st, keys, nil), useragent.New(nil), nil, nil)
	w := worker.New(st, keys, dispatcher, parser.NewRegistry(), nil, worker.Config{
		Concurrency:   1,
		WorkerTimeout: 10 * time.Second,
	})
	if err := w.Start(); err != nil {
		log.Fatalf("worker start: %v", err)
	}
	defer w.Stop()

	jobs := []map[string]any{
		{"id": "demo-html", "url": srv.URL + "/page", "parser": "html-cheerio", "priority": 5},
		{"id": "demo-json", "url": srv.URL + "/api", "parser": "json", "priority": 3},
		{"id": "demo-blocked", "url": srv.URL + "/blocked", "parser": "raw"},
	}
	for _, j := range jobs {
		payload, _ := json.Marshal(j)
		if err := st.Publish(ctx, keys.SubmitChannel(), string(payload)); err != nil {
			log.Fatalf("publish: %v", err)
		}
	}
	fmt.Printf("Submitted %d jobs, waiting for results...\n\n", len(jobs))

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		ok, _ := st.LLen(ctx, keys.ResultsSuccess())
		failed, _ := st.LLen(ctx, keys.ResultsFailed())
		if int(ok+failed) >= len(jobs) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	printResults(ctx, st, keys.ResultsSuccess(), "SUCCESS")
	printResults(ctx, st, keys.ResultsFailed(), "FAILED")
}

func printResults(ctx context.Context, st store.Store, key, label string) {
	records, err := st.LRange(ctx, key, 0, -1)
	if err != nil {
		log.Fatalf("read %s: %v", key, err)
	}
	for _, raw := range records {
		var rec map[string]any
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		pretty, _ := json.MarshalIndent(rec, "  ", "  ")
		fmt.Printf("[%s] job %v\n  %s\n\n", label, rec["jobId"], pretty)
	}
}
