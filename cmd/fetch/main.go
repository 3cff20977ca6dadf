package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"quotefeed/internal/config"
	"quotefeed/internal/logging"
	"quotefeed/internal/quote"
	"quotefeed/internal/service"
)

func main() {
	var (
		symbolsCSV string
		typ        string
		market     string
		watchlist  bool
		configPath string
		timeout    int
	)
	flag.StringVar(&symbolsCSV, "symbols", os.Getenv("SYMBOLS"), "comma-separated symbols")
	flag.StringVar(&typ, "type", "STOCK", "asset type (STOCK, FUND, INDEX, FOREX, GOLD, GPR)")
	flag.StringVar(&market, "market", "CN", "market (CN, HK, US, GLOBAL)")
	flag.BoolVar(&watchlist, "watchlist", false, "fetch the stored watchlist instead of -symbols")
	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "path to config.yaml (optional)")
	flag.IntVar(&timeout, "timeout", 30, "overall timeout seconds")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		panic("config: " + err.Error())
	}

	log, sync := logging.New(cfg.Server.Prod)
	defer func() { _ = sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()

	engine, err := service.Build(ctx, cfg, nil, log)
	if err != nil {
		log.Fatal("build engine", zap.Error(err))
	}
	defer func() { _ = engine.Close() }()

	var batch quote.BatchResult
	if watchlist {
		if engine.Store == nil {
			log.Fatal("watchlist requires persistence.enabled")
		}
		batch, err = engine.Aggregator.FetchWatchlist(ctx, engine.Store)
		if err != nil {
			log.Fatal("watchlist", zap.Error(err))
		}
	} else {
		var queries []quote.Query
		for _, s := range strings.Split(symbolsCSV, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			queries = append(queries, quote.Query{
				Symbol: s,
				Type:   quote.AssetType(strings.ToUpper(typ)),
				Market: quote.Market(strings.ToUpper(market)),
			})
		}
		if len(queries) == 0 {
			log.Fatal("no symbols given; use -symbols or -watchlist")
		}
		batch = engine.Aggregator.Fetch(ctx, queries)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	for _, r := range batch.Results {
		if r.Err != nil {
			log.Warn("symbol failed", zap.String("symbol", r.Symbol), zap.Error(r.Err))
			continue
		}
		_ = enc.Encode(r)
	}
	for _, w := range batch.Warnings {
		log.Warn("batch warning", zap.String("warning", w))
	}
}
