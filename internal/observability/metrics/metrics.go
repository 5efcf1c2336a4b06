// Package metrics keeps in-process counters and latency histograms for the
// HTTP surface and upstream model calls, exposed in the Prometheus text
// exposition format.
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

type requestKey struct {
	handler string
	method  string
	code    string
}

type modelKey struct {
	model   string
	outcome string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu           sync.Mutex
	requests     map[requestKey]uint64
	httpLatency  map[string]*histogram
	modelCalls   map[modelKey]uint64
	modelLatency map[string]*histogram
}

var defaultCollector = &collector{
	requests:     make(map[requestKey]uint64),
	httpLatency:  make(map[string]*histogram),
	modelCalls:   make(map[modelKey]uint64),
	modelLatency: make(map[string]*histogram),
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.observeHTTP(handler, method, status, duration)
}

// ObserveModelCall records the outcome and latency of one upstream model call.
// Outcome is "success", "error" or "breaker_open".
func ObserveModelCall(model, outcome string, duration time.Duration) {
	defaultCollector.observeModel(model, outcome, duration)
}

func (c *collector) observeHTTP(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++

	hist := c.httpLatency[handler]
	if hist == nil {
		hist = newHistogram()
		c.httpLatency[handler] = hist
	}
	hist.observe(duration.Seconds())
}

func (c *collector) observeModel(model, outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.modelCalls[modelKey{model: model, outcome: outcome}]++

	hist := c.modelLatency[model]
	if hist == nil {
		hist = newHistogram()
		c.modelLatency[model] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
	// Values beyond the last bucket only land in +Inf via h.count.
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)

	type requestMetric struct {
		requestKey
		value uint64
	}
	reqs := make([]requestMetric, 0, len(c.requests))
	for key, value := range c.requests {
		reqs = append(reqs, requestMetric{requestKey: key, value: value})
	}
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].handler == reqs[j].handler {
			if reqs[i].method == reqs[j].method {
				return reqs[i].code < reqs[j].code
			}
			return reqs[i].method < reqs[j].method
		}
		return reqs[i].handler < reqs[j].handler
	})

	builder.WriteString("# HELP orchestra_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE orchestra_http_requests_total counter\n")
	for _, metric := range reqs {
		builder.WriteString(fmt.Sprintf("orchestra_http_requests_total{handler=%q,method=%q,code=%q} %d\n",
			metric.handler, metric.method, metric.code, metric.value))
	}

	renderHistograms(&builder, "orchestra_http_request_duration_seconds",
		"HTTP request duration in seconds.", "handler", c.httpLatency)

	type callMetric struct {
		modelKey
		value uint64
	}
	calls := make([]callMetric, 0, len(c.modelCalls))
	for key, value := range c.modelCalls {
		calls = append(calls, callMetric{modelKey: key, value: value})
	}
	sort.Slice(calls, func(i, j int) bool {
		if calls[i].model == calls[j].model {
			return calls[i].outcome < calls[j].outcome
		}
		return calls[i].model < calls[j].model
	})

	builder.WriteString("# HELP orchestra_model_calls_total Total number of upstream model calls.\n")
	builder.WriteString("# TYPE orchestra_model_calls_total counter\n")
	for _, metric := range calls {
		builder.WriteString(fmt.Sprintf("orchestra_model_calls_total{model=%q,outcome=%q} %d\n",
			metric.model, metric.outcome, metric.value))
	}

	renderHistograms(&builder, "orchestra_model_call_duration_seconds",
		"Upstream model call duration in seconds.", "model", c.modelLatency)

	return builder.String()
}

func renderHistograms(builder *strings.Builder, name, help, label string, hists map[string]*histogram) {
	keys := make([]string, 0, len(hists))
	for key := range hists {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	builder.WriteString(fmt.Sprintf("# HELP %s %s\n", name, help))
	builder.WriteString(fmt.Sprintf("# TYPE %s histogram\n", name))
	for _, key := range keys {
		hist := hists[key]
		for idx, bound := range hist.buckets {
			builder.WriteString(fmt.Sprintf("%s_bucket{%s=%q,le=%q} %d\n",
				name, label, key, formatFloat(bound), hist.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("%s_bucket{%s=%q,le=\"+Inf\"} %d\n", name, label, key, hist.count))
		builder.WriteString(fmt.Sprintf("%s_sum{%s=%q} %s\n", name, label, key, formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("%s_count{%s=%q} %d\n", name, label, key, hist.count))
	}
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
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
