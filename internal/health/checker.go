package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Probe checks one dependency and returns nil when it is usable.
type Probe func(ctx context.Context) error

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(name string, success bool)

// Result is the latest outcome of one named probe.
type Result struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	FailCount int       `json:"fail_count"`
	CheckedAt time.Time `json:"checked_at"`
}

// Report is the outcome of a full round of probes.
type Report struct {
	Ready  bool     `json:"ready"`
	Checks []Result `json:"checks"`
}

// Checker runs named readiness probes against the service's dependencies.
type Checker struct {
	probes     map[string]Probe
	failCounts map[string]int
	mu         sync.Mutex
	cfg        Config
	onMetrics  MetricsRecordFunc
	logger     *zap.Logger
}

// New creates a new Checker.
func New(cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	return &Checker{
		probes:     make(map[string]Probe),
		failCounts: make(map[string]int),
		cfg:        cfg,
		logger:     logger,
	}
}

// Register adds a named probe. Registering a name twice replaces the probe.
func (h *Checker) Register(name string, p Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = p
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start runs CheckAll every CheckInterval until ctx is cancelled, so
// degradations are logged even when nobody polls /readyz.
func (h *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll runs every probe concurrently, each bounded by ProbeTimeout.
// Results are ordered by probe name.
func (h *Checker) CheckAll(ctx context.Context) Report {
	h.mu.Lock()
	names := make([]string, 0, len(h.probes))
	probes := make([]Probe, 0, len(h.probes))
	for name := range h.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		probes = append(probes, h.probes[name])
	}
	h.mu.Unlock()

	results := make([]Result, len(names))
	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.run(ctx, names[i], probes[i])
		}(i)
	}
	wg.Wait()

	report := Report{Ready: true, Checks: results}
	for _, r := range results {
		if !r.Healthy {
			report.Ready = false
		}
	}
	return report
}

func (h *Checker) run(ctx context.Context, name string, p Probe) Result {
	pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	defer cancel()

	err := p(pctx)
	success := err == nil
	if h.onMetrics != nil {
		h.onMetrics(name, success)
	}

	h.mu.Lock()
	prevCount := h.failCounts[name]
	if success {
		h.failCounts[name] = 0
	} else {
		h.failCounts[name]++
	}
	count := h.failCounts[name]
	h.mu.Unlock()

	if success && prevCount >= h.cfg.FailThreshold {
		h.logger.Info("health: recovered", zap.String("probe", name))
	} else if count == h.cfg.FailThreshold {
		h.logger.Warn("health: degraded",
			zap.String("probe", name),
			zap.Int("fail_count", count),
			zap.Error(err),
		)
	}

	res := Result{Name: name, Healthy: success, FailCount: count, CheckedAt: time.Now().UTC()}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// HTTPProbe returns a probe that succeeds on any 2xx response, trying HEAD
// then GET.
func HTTPProbe(client *http.Client, endpoint string) Probe {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
		}

		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err = client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		return &StatusError{Endpoint: endpoint, Code: resp.StatusCode}
	}
}

// StatusError reports a non-2xx probe response.
type StatusError struct {
	Endpoint string
	Code     int
}

func (e *StatusError) Error() string {
	return e.Endpoint + " returned " + http.StatusText(e.Code)
}
