package httpjson

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"quotefeed/internal/httpx"
	"quotefeed/internal/quote"
)

// Config describes one JSON quote endpoint. The URL may contain a {symbol}
// placeholder; each requested symbol becomes one request.
type Config struct {
	ID      string
	URL     string
	Method  string
	Headers map[string]string
	// MaxConcurrency limits concurrent per-symbol requests. Defaults to 1 when <= 0.
	MaxConcurrency int
}

// Source fetches quotes from a JSON HTTP endpoint and exposes the response
// as provider-native field maps. It does no schema interpretation; that is
// the pipeline's job.
type Source struct {
	cfg    Config
	client *httpx.Client
}

func New(cfg Config, hc *httpx.Client) *Source {
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	return &Source{cfg: cfg, client: hc}
}

func (s *Source) ID() string { return s.cfg.ID }

func (s *Source) Fetch(ctx context.Context, queries []quote.Query) ([]quote.RawPayload, error) {
	var (
		mu       sync.Mutex
		payloads []quote.RawPayload
		firstErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)

	for _, q := range queries {
		g.Go(func() error {
			p, err := s.fetchOne(gctx, q)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				// partial failure: siblings keep going
				return nil
			}
			payloads = append(payloads, p)
			return nil
		})
	}
	_ = g.Wait()

	if len(payloads) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return payloads, nil
}

func (s *Source) fetchOne(ctx context.Context, q quote.Query) (quote.RawPayload, error) {
	url := strings.ReplaceAll(s.cfg.URL, "{symbol}", q.Symbol)
	req, err := http.NewRequestWithContext(ctx, s.cfg.Method, url, nil)
	if err != nil {
		return quote.RawPayload{}, err
	}
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return quote.RawPayload{}, fmt.Errorf("%s: %w", s.cfg.ID, quote.ErrAdapterTimeout)
		}
		return quote.RawPayload{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<10))
		return quote.RawPayload{}, &quote.RejectedError{
			Adapter: s.cfg.ID,
			Reason:  fmt.Sprintf("%s %s -> %d: %s", s.cfg.Method, url, resp.StatusCode, string(b)),
		}
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return quote.RawPayload{}, &quote.RejectedError{Adapter: s.cfg.ID, Reason: "decode: " + err.Error()}
	}

	fields := make(map[string]string, len(body))
	flatten("", body, fields)
	fields["symbol"] = q.Symbol

	return quote.RawPayload{
		Source:    s.cfg.ID,
		FetchedAt: time.Now().UTC(),
		Fields:    fields,
	}, nil
}

// flatten turns nested JSON objects into dotted keys with string values so
// the normalize stage can address any provider field by name.
func flatten(prefix string, v any, out map[string]string) {
	switch x := v.(type) {
	case map[string]any:
		for k, val := range x {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flatten(key, val, out)
		}
	case []any:
		for i, val := range x {
			flatten(fmt.Sprintf("%s.%d", prefix, i), val, out)
		}
	case json.Number:
		out[prefix] = x.String()
	case string:
		out[prefix] = x
	case bool:
		out[prefix] = fmt.Sprintf("%t", x)
	case nil:
		// absent
	default:
		out[prefix] = fmt.Sprintf("%v", x)
	}
}
