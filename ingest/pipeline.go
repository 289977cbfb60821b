package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"dealledger/ledger"
	"dealledger/normalize"
	"dealledger/observation"
)

var tracer = otel.Tracer("dealledger/ingest")

// Normalizer turns raw observations into ledger input.
type Normalizer interface {
	Normalize(obs observation.Observation) (normalize.Result, error)
}

// Ledger is the write side the pipeline feeds.
type Ledger interface {
	Apply(ctx context.Context, obs normalize.Result) (ledger.ApplyResult, error)
	Flush(ctx context.Context) error
}

// Options configures parallelism and retries.
type Options struct {
	// Workers bounds how many brokers are ingested at once.
	Workers int
	Retry   RetryConfig
}

func DefaultOptions() Options {
	return Options{
		Workers: 4,
		Retry:   RetryConfig{MaxAttempts: 4, BaseDelay: 200 * time.Millisecond},
	}
}

// Outcome classifies what happened to one observation.
type Outcome string

const (
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
	OutcomeSkipped  Outcome = "skipped"
)

// ObservationError is an observation that did not reach the ledger.
type ObservationError struct {
	BrokerID  string
	SourceURL string
	Outcome   Outcome
	Err       error
}

// Report summarizes one batch.
type Report struct {
	Observed   int
	Applied    int
	Created    int
	Changed    int
	Unchanged  int
	Rejected   int
	Failed     int
	Skipped    int
	Anomalies  int
	Duplicates int
	Ambiguous  int
	Brokers    int
	Errors     []ObservationError
	Duration   time.Duration
}

// Pipeline normalizes and applies observation batches. Brokers run in parallel, observations of
// one broker are applied in input order.
type Pipeline struct {
	normalizer Normalizer
	ledger     Ledger
	opts       Options
	logger     *slog.Logger
	now        func() time.Time
}

func NewPipeline(n Normalizer, l Ledger) *Pipeline {
	return &Pipeline{
		normalizer: n,
		ledger:     l,
		opts:       DefaultOptions(),
		logger:     slog.Default(),
		now:        time.Now,
	}
}

func (p *Pipeline) WithOptions(opts Options) *Pipeline {
	p.opts = opts
	return p
}

func (p *Pipeline) WithLogger(logger *slog.Logger) *Pipeline {
	p.logger = logger
	return p
}

// RunSource ingests everything a source currently yields. Lines the source could not decode
// are reported as rejected; they do not hold back the rest of the source.
func (p *Pipeline) RunSource(ctx context.Context, src observation.Source) (Report, error) {
	batch, err := src.Observations(ctx)
	var bad observation.DecodeErrors
	if err != nil && !errors.As(err, &bad) {
		return Report{}, fmt.Errorf("ingest: read %s: %w", src.Name(), err)
	}
	p.logger.Info("source loaded", "source", src.Name(), "observations", len(batch), "malformed", len(bad))

	report, err := p.Run(ctx, batch)
	for _, le := range bad {
		p.logger.Warn("observation rejected", "source", src.Name(), "line", le.Line, "err", le.Err)
		report.Observed++
		report.Rejected++
		report.Errors = append(report.Errors, ObservationError{
			SourceURL: fmt.Sprintf("%s:%d", src.Name(), le.Line), Outcome: OutcomeRejected, Err: le,
		})
	}
	return report, err
}

// Run applies a batch and flushes the ledger. A failing observation never stops the rest of
// the batch; the returned error is reserved for cancellation and flush failures.
func (p *Pipeline) Run(ctx context.Context, batch []observation.Observation) (report Report, err error) {
	ctx, span := tracer.Start(ctx, "Pipeline.Run")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	start := p.now()

	groups := groupByBroker(batch)
	report.Observed = len(batch)
	report.Brokers = len(groups)
	span.SetAttributes(attribute.Int("observations", len(batch)), attribute.Int("brokers", len(groups)))

	var mu sync.Mutex
	var g errgroup.Group
	workers := p.opts.Workers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)

	for _, group := range groups {
		g.Go(func() error {
			partial := p.runBroker(ctx, group)
			mu.Lock()
			report.merge(partial)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	flushErr := p.ledger.Flush(context.WithoutCancel(ctx))
	report.Duration = p.now().Sub(start)

	p.logger.Info("ingest finished",
		"observed", report.Observed, "applied", report.Applied, "created", report.Created,
		"changed", report.Changed, "rejected", report.Rejected, "failed", report.Failed,
		"skipped", report.Skipped, "anomalies", report.Anomalies, "duration", report.Duration)

	if flushErr != nil {
		return report, fmt.Errorf("ingest: flush ledger: %w", flushErr)
	}
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("ingest: %w", err)
	}
	return report, nil
}

type brokerBatch struct {
	brokerID     string
	observations []observation.Observation
}

// groupByBroker keeps brokers in first-seen order and observations in input order.
func groupByBroker(batch []observation.Observation) []brokerBatch {
	index := make(map[string]int)
	var out []brokerBatch
	for _, obs := range batch {
		i, ok := index[obs.BrokerID]
		if !ok {
			i = len(out)
			index[obs.BrokerID] = i
			out = append(out, brokerBatch{brokerID: obs.BrokerID})
		}
		out[i].observations = append(out[i].observations, obs)
	}
	return out
}

func (p *Pipeline) runBroker(ctx context.Context, group brokerBatch) Report {
	var r Report
	logger := p.logger.With("broker_id", group.brokerID)

	for i, obs := range group.observations {
		if ctx.Err() != nil {
			for _, rest := range group.observations[i:] {
				r.Skipped++
				r.Errors = append(r.Errors, ObservationError{
					BrokerID: rest.BrokerID, SourceURL: rest.SourceURL, Outcome: OutcomeSkipped, Err: ctx.Err(),
				})
			}
			return r
		}

		res, err := p.normalizer.Normalize(obs)
		if err != nil {
			logger.Warn("observation rejected", "source_url", obs.SourceURL, "err", err)
			r.reject(obs, err)
			continue
		}

		var applied ledger.ApplyResult
		err = p.opts.Retry.Do(ctx, logger, "apply "+res.SourceURL, func() error {
			var applyErr error
			applied, applyErr = p.ledger.Apply(ctx, res)
			return applyErr
		})
		switch {
		case err == nil:
		case errors.Is(err, ledger.ErrPersistence) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			logger.Error("observation failed", "source_url", obs.SourceURL, "err", err)
			r.Failed++
			r.Errors = append(r.Errors, ObservationError{
				BrokerID: obs.BrokerID, SourceURL: obs.SourceURL, Outcome: OutcomeFailed, Err: err,
			})
			continue
		default:
			logger.Warn("observation rejected", "source_url", obs.SourceURL, "err", err)
			r.reject(obs, err)
			continue
		}

		r.Applied++
		switch {
		case applied.Created:
			r.Created++
		case len(applied.History) > 0:
			r.Changed++
		default:
			r.Unchanged++
		}
		if applied.Anomaly != nil {
			r.Anomalies++
		}
		if applied.Ambiguous {
			r.Ambiguous++
		}
		r.Duplicates += len(applied.Duplicates)
	}
	return r
}

func (r *Report) reject(obs observation.Observation, err error) {
	r.Rejected++
	r.Errors = append(r.Errors, ObservationError{
		BrokerID: obs.BrokerID, SourceURL: obs.SourceURL, Outcome: OutcomeRejected, Err: err,
	})
}

func (r *Report) merge(o Report) {
	r.Applied += o.Applied
	r.Created += o.Created
	r.Changed += o.Changed
	r.Unchanged += o.Unchanged
	r.Rejected += o.Rejected
	r.Failed += o.Failed
	r.Skipped += o.Skipped
	r.Anomalies += o.Anomalies
	r.Duplicates += o.Duplicates
	r.Ambiguous += o.Ambiguous
	r.Errors = append(r.Errors, o.Errors...)
}
