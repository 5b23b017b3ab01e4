package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// label is a single Prometheus label pair.
type label struct {
	name  string
	value string
}

// writeHeader emits the HELP and TYPE lines for a metric family.
func writeHeader(b *strings.Builder, name, kind, help string) {
	b.WriteString("# HELP ")
	b.WriteString(name)
	b.WriteString(" ")
	b.WriteString(help)
	b.WriteString("\n# TYPE ")
	b.WriteString(name)
	b.WriteString(" ")
	b.WriteString(kind)
	b.WriteString("\n")
}

// writeSample emits one sample line with its label set.
func writeSample(b *strings.Builder, name string, labels []label, value string) {
	b.WriteString(name)
	if len(labels) > 0 {
		b.WriteString("{")
		for i, l := range labels {
			if i > 0 {
				b.WriteString(",")
			}
			// %q covers the backslash, quote and newline escaping the
			// exposition format requires for label values.
			fmt.Fprintf(b, "%s=%q", l.name, l.value)
		}
		b.WriteString("}")
	}
	b.WriteString(" ")
	b.WriteString(value)
	b.WriteString("\n")
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

var defaultBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// histogram keeps per-bucket counts; cumulation happens at render time.
type histogram struct {
	counts []uint64
	sum    float64
	count  uint64
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for i, bound := range defaultBuckets {
		if value <= bound {
			h.counts[i]++
			return
		}
	}
	// Above the last bound the sample is visible only through +Inf.
}

type routeKey struct {
	handler string
	method  string
}

type httpStats struct {
	mu       sync.Mutex
	requests map[routeKey]map[int]uint64
	errors   map[routeKey]uint64
	latency  map[routeKey]*histogram
}

var httpCollector = &httpStats{
	requests: make(map[routeKey]map[int]uint64),
	errors:   make(map[routeKey]uint64),
	latency:  make(map[routeKey]*histogram),
}

// ObserveHTTPRequest records one finished HTTP request.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c := httpCollector
	key := routeKey{handler: handler, method: method}

	c.mu.Lock()
	defer c.mu.Unlock()

	byStatus := c.requests[key]
	if byStatus == nil {
		byStatus = make(map[int]uint64)
		c.requests[key] = byStatus
	}
	byStatus[status]++
	if status >= 500 {
		c.errors[key]++
	}

	hist := c.latency[key]
	if hist == nil {
		hist = &histogram{counts: make([]uint64, len(defaultBuckets))}
		c.latency[key] = hist
	}
	hist.observe(duration.Seconds())
}

func sortedRoutes[V any](m map[routeKey]V) []routeKey {
	keys := make([]routeKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].handler != keys[j].handler {
			return keys[i].handler < keys[j].handler
		}
		return keys[i].method < keys[j].method
	})
	return keys
}

func (c *httpStats) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	b.Grow(1024)

	writeHeader(&b, "chainpilot_http_requests_total", "counter",
		"Total number of HTTP requests processed.")
	for _, key := range sortedRoutes(c.requests) {
		byStatus := c.requests[key]
		codes := make([]int, 0, len(byStatus))
		for code := range byStatus {
			codes = append(codes, code)
		}
		sort.Ints(codes)
		for _, code := range codes {
			writeSample(&b, "chainpilot_http_requests_total", []label{
				{"handler", key.handler},
				{"method", key.method},
				{"code", strconv.Itoa(code)},
			}, strconv.FormatUint(byStatus[code], 10))
		}
	}

	writeHeader(&b, "chainpilot_http_request_errors_total", "counter",
		"Total number of HTTP requests that resulted in a server error.")
	for _, key := range sortedRoutes(c.errors) {
		writeSample(&b, "chainpilot_http_request_errors_total", []label{
			{"handler", key.handler},
			{"method", key.method},
		}, strconv.FormatUint(c.errors[key], 10))
	}

	writeHeader(&b, "chainpilot_http_request_duration_seconds", "histogram",
		"HTTP request duration in seconds.")
	for _, key := range sortedRoutes(c.latency) {
		hist := c.latency[key]
		route := []label{{"handler", key.handler}, {"method", key.method}}
		var cumulative uint64
		for i, bound := range defaultBuckets {
			cumulative += hist.counts[i]
			writeSample(&b, "chainpilot_http_request_duration_seconds_bucket",
				append(route[:len(route):len(route)], label{"le", formatFloat(bound)}),
				strconv.FormatUint(cumulative, 10))
		}
		writeSample(&b, "chainpilot_http_request_duration_seconds_bucket",
			append(route[:len(route):len(route)], label{"le", "+Inf"}),
			strconv.FormatUint(hist.count, 10))
		writeSample(&b, "chainpilot_http_request_duration_seconds_sum", route, formatFloat(hist.sum))
		writeSample(&b, "chainpilot_http_request_duration_seconds_count", route, strconv.FormatUint(hist.count, 10))
	}

	return b.String()
}

// Handler exposes all collectors in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, httpCollector.render())
		_, _ = fmt.Fprint(w, provisionCollector.render())
	})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
