package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"quotefeed/internal/config"
	"quotefeed/internal/logging"
	"quotefeed/internal/metrics"
	"quotefeed/internal/quote"
	"quotefeed/internal/service"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		panic("config: " + err.Error())
	}

	log, sync := logging.New(cfg.Server.Prod)
	defer func() { _ = sync() }()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := service.Build(ctx, cfg, m, log)
	if err != nil {
		log.Fatal("build engine", zap.Error(err))
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.Warn("close engine", zap.Error(err))
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/quotes", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handleGetQuotes(w, r, engine)
		case http.MethodPost:
			handlePostQuotes(w, r, engine)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/watchlist/quotes", func(w http.ResponseWriter, r *http.Request) {
		if engine.Store == nil {
			http.Error(w, "persistence disabled", http.StatusNotImplemented)
			return
		}
		batch, err := engine.Aggregator.FetchWatchlist(r.Context(), engine.Store)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeBatch(w, batch)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           withJSONHeaders(mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func parseQueries(symbolsCSV, typ, market string) []quote.Query {
	if typ == "" {
		typ = string(quote.TypeStock)
	}
	if market == "" {
		market = string(quote.MarketCN)
	}
	var out []quote.Query
	for _, s := range strings.Split(symbolsCSV, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, quote.Query{
			Symbol: s,
			Type:   quote.AssetType(strings.ToUpper(typ)),
			Market: quote.Market(strings.ToUpper(market)),
		})
	}
	return out
}

func handleGetQuotes(w http.ResponseWriter, r *http.Request, engine *service.Engine) {
	queries := parseQueries(r.URL.Query().Get("symbols"), r.URL.Query().Get("type"), r.URL.Query().Get("market"))
	if len(queries) == 0 {
		http.Error(w, "missing symbols query param", http.StatusBadRequest)
		return
	}
	if len(queries) > 500 {
		http.Error(w, "too many symbols (max 500)", http.StatusBadRequest)
		return
	}
	writeBatch(w, engine.Aggregator.Fetch(r.Context(), queries))
}

type postBody struct {
	Queries []struct {
		Symbol string `json:"symbol"`
		Type   string `json:"type"`
		Market string `json:"market"`
	} `json:"queries"`
}

func handlePostQuotes(w http.ResponseWriter, r *http.Request, engine *service.Engine) {
	var b postBody
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if len(b.Queries) == 0 {
		http.Error(w, "queries cannot be empty", http.StatusBadRequest)
		return
	}
	if len(b.Queries) > 500 {
		http.Error(w, "too many queries (max 500)", http.StatusBadRequest)
		return
	}
	queries := make([]quote.Query, 0, len(b.Queries))
	for _, q := range b.Queries {
		queries = append(queries, quote.Query{
			Symbol: q.Symbol,
			Type:   quote.AssetType(strings.ToUpper(q.Type)),
			Market: quote.Market(strings.ToUpper(q.Market)),
		})
	}
	writeBatch(w, engine.Aggregator.Fetch(r.Context(), queries))
}

type resultJSON struct {
	Symbol   string        `json:"symbol"`
	Record   *quote.Record `json:"record,omitempty"`
	Error    string        `json:"error,omitempty"`
	CacheHit bool          `json:"cache_hit"`
	Tier     string        `json:"tier,omitempty"`
	AgeSec   float64       `json:"age_sec,omitempty"`
}

type batchJSON struct {
	Results  []resultJSON `json:"results"`
	Warnings []string     `json:"warnings,omitempty"`
}

func writeBatch(w http.ResponseWriter, batch quote.BatchResult) {
	out := batchJSON{Warnings: batch.Warnings, Results: make([]resultJSON, 0, len(batch.Results))}
	for _, r := range batch.Results {
		rj := resultJSON{
			Symbol:   r.Symbol,
			Record:   r.Record,
			CacheHit: r.CacheHit,
			Tier:     r.Tier,
			AgeSec:   r.Age.Seconds(),
		}
		if r.Err != nil {
			rj.Error = r.Err.Error()
		}
		out.Results = append(out.Results, rj)
	}
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(out)
}

func withJSONHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/metrics" {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
		}
		next.ServeHTTP(w, r)
	})
}
