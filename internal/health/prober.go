// Package health implements the Health Prober of spec §4.2: evaluating a
// list of HealthCheckSpecs concurrently, each bounded by its own per-kind
// deadline, the whole call bounded by an overall budget.
//
// Concurrency is fanned out with golang.org/x/sync/errgroup, the same
// bounded-fan-out idiom hashicorp/nomad and joeycumines/go-utilpkg use for
// concurrent subtask execution, rather than hand-rolled WaitGroup
// bookkeeping.
package health

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"time"

	"github.com/armon/circbuf"
	"golang.org/x/sync/errgroup"

	"github.com/osmoda/safeswitch/internal/model"
	"github.com/osmoda/safeswitch/internal/observability"
	"github.com/osmoda/safeswitch/internal/processctl"
)

// Per-kind evaluation deadlines, per spec §3.
const (
	tcpDeadline     = 2 * time.Second
	httpDeadline    = 5 * time.Second
	commandDeadline = 10 * time.Second

	// DefaultBudget is the default overall probe() budget, per spec §4.2.
	DefaultBudget = 15 * time.Second

	// commandOutputCap is the Command check's captured output bound, per
	// spec §4.2 ("truncated to 2 KiB").
	commandOutputCap = 2 * 1024
)

// Prober evaluates HealthCheckSpecs. It holds no state beyond its
// collaborators and is safe for concurrent use, matching spec §4.2's
// "probes are side-effect-free" contract (aside from Command).
type Prober struct {
	processes processctl.Controller
	dialer    net.Dialer
	http      *http.Client
	metrics   *observability.Metrics
}

// New creates a Prober. processes is used for ServiceUnit checks.
func New(processes processctl.Controller) *Prober {
	return &Prober{
		processes: processes,
		dialer:    net.Dialer{},
		http:      &http.Client{},
	}
}

// WithMetrics attaches Prometheus instrumentation, returning p for chaining
// at construction time in cmd/safeswitchd's wiring.
func (p *Prober) WithMetrics(m *observability.Metrics) *Prober {
	p.metrics = m
	return p
}

// Probe evaluates specs concurrently and returns a HealthReport whose
// PerCheck order matches the input order, per spec §4.2. Any check still
// running when budget elapses is recorded as a failure with detail
// "deadline exceeded".
func (p *Prober) Probe(ctx context.Context, specs []model.HealthCheckSpec, budget time.Duration) model.HealthReport {
	if budget <= 0 {
		budget = DefaultBudget
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	results := make([]model.PerCheckResult, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			results[i] = p.runOne(gctx, spec)
			return nil
		})
	}
	_ = g.Wait() // runOne never returns an error; budget is enforced per-check.

	// g.Wait returns only after every runOne has stored its result, so this
	// is a defensive fill: any result still zero-valued is recorded as a
	// deadline-exceeded failure so the report is always fully populated.
	for i, spec := range specs {
		if results[i].Spec.Kind == "" {
			results[i] = model.PerCheckResult{Spec: spec, Passed: false, Detail: "deadline exceeded"}
		}
	}

	allPassed := true
	for _, r := range results {
		if !r.Passed {
			allPassed = false
			break
		}
	}

	if p.metrics != nil {
		outcome := "passed"
		if !allPassed {
			outcome = "failed"
		}
		p.metrics.ProbesTotal.WithLabelValues(outcome).Inc()
	}

	return model.HealthReport{
		Timestamp: time.Now(),
		PerCheck:  results,
		AllPassed: allPassed,
	}
}

func (p *Prober) runOne(ctx context.Context, spec model.HealthCheckSpec) model.PerCheckResult {
	start := time.Now()
	passed, detail := p.evaluate(ctx, spec)
	if ctx.Err() != nil {
		// The overall budget ran out while this check was still running.
		passed, detail = false, "deadline exceeded"
	}
	elapsed := time.Since(start)
	if p.metrics != nil {
		p.metrics.ProbeLatencySeconds.WithLabelValues(string(spec.Kind)).Observe(elapsed.Seconds())
	}
	return model.PerCheckResult{
		Spec:       spec,
		Passed:     passed,
		Detail:     detail,
		DurationMS: elapsed.Milliseconds(),
	}
}

func (p *Prober) evaluate(ctx context.Context, spec model.HealthCheckSpec) (bool, string) {
	switch spec.Kind {
	case model.CheckServiceUnit:
		return p.evalServiceUnit(ctx, spec)
	case model.CheckTcpPort:
		return p.evalTCPPort(ctx, spec)
	case model.CheckHttpGet:
		return p.evalHTTPGet(ctx, spec)
	case model.CheckCommand:
		return p.evalCommand(ctx, spec)
	default:
		return false, fmt.Sprintf("unknown check kind %q", spec.Kind)
	}
}

func (p *Prober) evalServiceUnit(ctx context.Context, spec model.HealthCheckSpec) (bool, string) {
	status, err := p.processes.UnitStatus(ctx, spec.UnitName)
	if err != nil {
		return false, fmt.Sprintf("unit query failed: %v", err)
	}
	if status.Active() {
		return true, fmt.Sprintf("%s/%s", status.ActiveState, status.SubState)
	}
	return false, fmt.Sprintf("%s/%s", status.ActiveState, status.SubState)
}

func (p *Prober) evalTCPPort(ctx context.Context, spec model.HealthCheckSpec) (bool, string) {
	dctx, cancel := context.WithTimeout(ctx, tcpDeadline)
	defer cancel()

	addr := fmt.Sprintf("%s:%d", spec.Host, spec.Port)
	conn, err := p.dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		return false, fmt.Sprintf("connect %s: %v", addr, err)
	}
	_ = conn.Close()
	return true, fmt.Sprintf("connected to %s", addr)
}

func (p *Prober) evalHTTPGet(ctx context.Context, spec model.HealthCheckSpec) (bool, string) {
	hctx, cancel := context.WithTimeout(ctx, httpDeadline)
	defer cancel()

	req, err := http.NewRequestWithContext(hctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		return false, fmt.Sprintf("invalid request: %v", err)
	}

	// Redirects are not followed, per spec §4.2.
	client := *p.http
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Sprintf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == spec.ExpectStatus {
		return true, fmt.Sprintf("got status %d", resp.StatusCode)
	}
	return false, fmt.Sprintf("expected status %d, got %d", spec.ExpectStatus, resp.StatusCode)
}

func (p *Prober) evalCommand(ctx context.Context, spec model.HealthCheckSpec) (bool, string) {
	cctx, cancel := context.WithTimeout(ctx, commandDeadline)
	defer cancel()

	cmd := exec.CommandContext(cctx, spec.Program, spec.Args...)

	out, err := circbuf.NewBuffer(commandOutputCap)
	if err != nil {
		// Only fails on a non-positive size, which commandOutputCap never is.
		out = &circbuf.Buffer{}
	}
	cmd.Stdout = out
	cmd.Stderr = out

	runErr := cmd.Run()

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return false, fmt.Sprintf("exec failed: %v", runErr)
		}
	}

	detail := bytesToDetail(out.Bytes())
	if exitCode == spec.ExpectExit {
		return true, detail
	}
	return false, fmt.Sprintf("expected exit %d, got %d: %s", spec.ExpectExit, exitCode, detail)
}

func bytesToDetail(b []byte) string {
	return string(bytes.TrimSpace(b))
}
