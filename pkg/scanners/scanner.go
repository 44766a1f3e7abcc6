// Package scanners implements the content inspection pipeline: a set of
// registered scanners fanned out over each normalized request, with
// per-scanner timeouts and an aggregated verdict.
//
// Scanners are fail-open individually but surface their failure as a
// low-severity ScannerError finding, so a broken scanner degrades the
// verdict without taking the pipeline down.
package scanners

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
)

// ErrNoInput is returned when the pipeline cannot text-extract the request.
var ErrNoInput = errors.New("scanners: request has no extractable input")

// FindingScannerError is the finding type synthesized for scanner
// timeouts and crashes.
const FindingScannerError = "ScannerError"

// Scanner inspects a normalized request and returns a verdict.
type Scanner interface {
	ID() string
	Name() string
	Scan(ctx context.Context, req *contracts.Request) (contracts.ScannerVerdict, error)
}

// Config controls pipeline execution.
type Config struct {
	Parallel    bool          // fan-out mode; sequential when false
	ScanTimeout time.Duration // per-scanner cap
}

// DefaultConfig returns the production defaults: parallel fan-out with a
// 5s per-scanner cap.
func DefaultConfig() Config {
	return Config{Parallel: true, ScanTimeout: 5 * time.Second}
}

// Pipeline runs every registered scanner once per request and aggregates
// the results. The scanner list is published copy-on-write: Scan reads a
// stable snapshot, SetScanners swaps the whole slice.
type Pipeline struct {
	cfg      Config
	scanners atomicSnapshot
	logger   *slog.Logger
}

// NewPipeline creates a pipeline over the given scanners.
func NewPipeline(cfg Config, scs ...Scanner) *Pipeline {
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = DefaultConfig().ScanTimeout
	}
	p := &Pipeline{
		cfg:    cfg,
		logger: slog.Default().With("component", "scanners"),
	}
	p.scanners.store(scs)
	return p
}

// SetScanners atomically replaces the scanner set. In-flight scans keep
// their snapshot.
func (p *Pipeline) SetScanners(scs []Scanner) {
	p.scanners.store(scs)
}

// Scanners returns the current snapshot.
func (p *Pipeline) Scanners() []Scanner {
	return p.scanners.load()
}

// Scan runs all scanners and aggregates their verdicts. An empty scanner
// set yields a clean verdict {passed, threat none, score 1}.
func (p *Pipeline) Scan(ctx context.Context, req *contracts.Request) (contracts.AggregatedVerdict, error) {
	if req == nil || len(req.Messages) == 0 {
		return contracts.AggregatedVerdict{}, ErrNoInput
	}

	scs := p.scanners.load()
	started := time.Now()
	if len(scs) == 0 {
		return contracts.AggregatedVerdict{
			Passed:      true,
			ThreatLevel: contracts.SeverityNone,
			Score:       1.0,
			Duration:    time.Since(started),
		}, nil
	}

	verdicts := make([]contracts.ScannerVerdict, len(scs))
	if p.cfg.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		for i, s := range scs {
			g.Go(func() error {
				verdicts[i] = p.runOne(gctx, s, req)
				return nil
			})
		}
		// runOne never returns an error; Wait only observes ctx cancellation.
		_ = g.Wait()
	} else {
		for i, s := range scs {
			verdicts[i] = p.runOne(ctx, s, req)
		}
	}

	agg := Aggregate(verdicts)
	agg.Duration = time.Since(started)
	return agg, nil
}

// runOne executes a single scanner under the per-scanner timeout. A
// timeout or crash is substituted with a failed verdict carrying one
// low-severity ScannerError finding; other scanners are unaffected.
func (p *Pipeline) runOne(ctx context.Context, s Scanner, req *contracts.Request) contracts.ScannerVerdict {
	sctx, cancel := context.WithTimeout(ctx, p.cfg.ScanTimeout)
	defer cancel()

	type result struct {
		verdict contracts.ScannerVerdict
		err     error
	}
	ch := make(chan result, 1)
	started := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: errors.New("scanner panic")}
			}
		}()
		v, err := s.Scan(sctx, req)
		ch <- result{verdict: v, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			p.logger.Warn("scanner failed", "scanner", s.ID(), "error", res.err)
			return substituteVerdict(s.ID(), time.Since(started))
		}
		return res.verdict
	case <-sctx.Done():
		p.logger.Warn("scanner timed out", "scanner", s.ID(), "timeout", p.cfg.ScanTimeout)
		return substituteVerdict(s.ID(), p.cfg.ScanTimeout)
	}
}

func substituteVerdict(scannerID string, d time.Duration) contracts.ScannerVerdict {
	f := contracts.Finding{
		ScannerID:  scannerID,
		Type:       FindingScannerError,
		Severity:   contracts.SeverityLow,
		Confidence: 1,
	}
	return contracts.ScannerVerdict{
		ScannerID:   scannerID,
		Passed:      false,
		Score:       f.Severity.Score(),
		Findings:    []contracts.Finding{f},
		ThreatLevel: contracts.SeverityLow,
		Duration:    d,
	}
}

// Aggregate combines scanner verdicts: threat level is the max, score the
// mean, findings the union, passed the conjunction.
func Aggregate(verdicts []contracts.ScannerVerdict) contracts.AggregatedVerdict {
	agg := contracts.AggregatedVerdict{
		Passed:      true,
		ThreatLevel: contracts.SeverityNone,
		Score:       1.0,
	}
	if len(verdicts) == 0 {
		return agg
	}

	var sum float64
	for _, v := range verdicts {
		agg.Passed = agg.Passed && v.Passed
		agg.ThreatLevel = contracts.MaxSeverity(agg.ThreatLevel, v.ThreatLevel)
		sum += v.Score
		agg.Findings = append(agg.Findings, v.Findings...)
	}
	agg.Score = sum / float64(len(verdicts))
	return agg
}

// Verdict builds a scanner verdict from findings using the shared
// composition rules: threat = max severity, score = mean of severity
// scores, or {clean, score 1} when no findings.
func Verdict(scannerID string, findings []contracts.Finding, d time.Duration) contracts.ScannerVerdict {
	v := contracts.ScannerVerdict{
		ScannerID:   scannerID,
		Passed:      len(findings) == 0,
		Score:       1.0,
		ThreatLevel: contracts.SeverityNone,
		Findings:    findings,
		Duration:    d,
	}
	if len(findings) == 0 {
		return v
	}
	sortFindings(v.Findings)
	var sum float64
	for _, f := range findings {
		v.ThreatLevel = contracts.MaxSeverity(v.ThreatLevel, f.Severity)
		sum += f.Severity.Score()
	}
	v.Score = sum / float64(len(findings))
	return v
}

// sortFindings orders findings by descending severity then type, for
// stable test output. Aggregation itself is set-semantic.
func sortFindings(fs []contracts.Finding) {
	sort.Slice(fs, func(i, j int) bool {
		if fs[i].Severity.Rank() != fs[j].Severity.Rank() {
			return fs[i].Severity.Rank() > fs[j].Severity.Rank()
		}
		return fs[i].Type < fs[j].Type
	})
}
