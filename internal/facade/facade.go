package facade

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"orderflow/config"
	"orderflow/internal/idem"
	"orderflow/internal/risk"
	"orderflow/internal/router"
	"orderflow/logger"
	"orderflow/models"
)

// AuditSink receives one record per execute call. The facade's only
// obligation is producing a well-formed record; storage is the sink's
// problem.
type AuditSink interface {
	Write(rec models.AuditRecord) error
}

type nopSink struct{}

func (nopSink) Write(models.AuditRecord) error { return nil }

// Options tweak a single execute call.
type Options struct {
	// KeyOverride replaces the intent's (or derived) idempotency key.
	KeyOverride string
	// DryRun overrides the configured dry-run flag when non-nil.
	DryRun *bool
}

// Facade is the single entry point strategies call. It composes the
// idempotency guard, the admission rails and the execution router, and
// audits every decision. Callers always get a structured result; venue
// faults never escape as bare errors.
type Facade struct {
	rails     *risk.Rails
	router    *router.Router
	guard     *idem.Guard
	audit     AuditSink
	dryRun    bool
	keyBucket time.Duration
	now       func() time.Time
	log       *logger.Entry
}

// New builds a facade. A nil audit sink is replaced with a no-op.
func New(cfg config.ExecutionConfig, idemCfg config.IdempotencyConfig, rails *risk.Rails, rtr *router.Router, guard *idem.Guard, audit AuditSink) *Facade {
	if audit == nil {
		audit = nopSink{}
	}
	bucket := idemCfg.KeyBucket
	if bucket <= 0 {
		bucket = time.Minute
	}
	return &Facade{
		rails:     rails,
		router:    rtr,
		guard:     guard,
		audit:     audit,
		dryRun:    cfg.DryRun,
		keyBucket: bucket,
		now:       time.Now,
		log:       logger.GetLogger().WithComponent("facade"),
	}
}

// Execute runs one order intent end to end and returns its outcome.
func (f *Facade) Execute(ctx context.Context, intent models.OrderIntent, opts Options) models.ExecutionResult {
	key := f.resolveKey(intent, opts)

	replay, err := f.guard.Reserve(key)
	if err != nil {
		if errors.Is(err, idem.ErrPending) {
			res := f.rejected(key, models.ReasonDuplicatePending, "an execution for this key is already in flight")
			f.record(intent, res)
			return res
		}
		res := f.rejected(key, models.ReasonVenueFailed, err.Error())
		f.record(intent, res)
		return res
	}
	if replay != nil {
		replay.Key = key
		logger.IncrementOrderReplayed()
		f.record(intent, *replay)
		return *replay
	}

	adapter, rerr := f.router.ResolveVenue(intent)
	if rerr != nil {
		f.guard.Release(key)
		res := f.rejected(key, rerr.Code, rerr.Message)
		f.record(intent, res)
		return res
	}

	decision := f.rails.CheckOrder(risk.CheckRequest{
		Symbol:     intent.BaseSymbol(),
		Venue:      adapter.Name(),
		Side:       intent.Side,
		Quote:      intent.Quote,
		Quantity:   intent.Quantity,
		ReduceOnly: intent.ReduceOnly,
	})
	if !decision.Allowed {
		f.guard.Release(key)
		res := f.rejected(key, decision.Code, decision.Message)
		f.record(intent, res)
		return res
	}

	if f.isDryRun(opts) {
		f.guard.Release(key)
		res := models.ExecutionResult{
			Status:  models.ExecStatusDryRun,
			Key:     key,
			Message: "admission passed, submission skipped",
			Decided: f.now(),
		}
		f.record(intent, res)
		return res
	}

	logger.IncrementOrderSubmitted()
	fill, err := f.router.Submit(ctx, intent)
	if err != nil {
		f.guard.Release(key)
		var rej *models.RejectError
		var res models.ExecutionResult
		if errors.As(err, &rej) {
			res = f.rejected(key, rej.Code, rej.Message)
		} else {
			res = f.rejected(key, models.ReasonVenueFailed, err.Error())
		}
		f.record(intent, res)
		return res
	}

	logger.IncrementOrderFilled()
	res := models.ExecutionResult{
		Status:  models.ExecStatusSubmitted,
		Key:     key,
		Fill:    &fill,
		Decided: f.now(),
	}
	f.guard.Complete(key, res)
	f.record(intent, res)
	return res
}

func (f *Facade) resolveKey(intent models.OrderIntent, opts Options) string {
	if opts.KeyOverride != "" {
		return opts.KeyOverride
	}
	if intent.IdempotencyKey != "" {
		return intent.IdempotencyKey
	}
	return idem.DeriveKey(intent.Strategy, intent.BaseSymbol(), intent.Side, f.now(), f.keyBucket)
}

func (f *Facade) isDryRun(opts Options) bool {
	if opts.DryRun != nil {
		return *opts.DryRun
	}
	return f.dryRun
}

func (f *Facade) rejected(key string, code models.Reason, message string) models.ExecutionResult {
	logger.IncrementOrderRejected()
	return models.ExecutionResult{
		Status:  models.ExecStatusRejected,
		Reason:  code,
		Message: message,
		Key:     key,
		Decided: f.now(),
	}
}

// record writes the audit entry for one call. Audit failures are
// logged, never propagated; the execution outcome stands.
func (f *Facade) record(intent models.OrderIntent, res models.ExecutionResult) {
	rec := models.AuditRecord{
		ID:        uuid.NewString(),
		Key:       res.Key,
		Symbol:    intent.BaseSymbol(),
		Side:      intent.Side,
		Quote:     intent.Quote,
		Quantity:  intent.Quantity,
		Strategy:  intent.Strategy,
		Tag:       intent.Tag,
		Status:    res.Status,
		Reason:    res.Reason,
		Message:   res.Message,
		CreatedAt: f.now(),
	}
	if res.Fill != nil {
		rec.Venue = res.Fill.Venue
		rec.FilledQty = res.Fill.Quantity
		rec.AvgPrice = res.Fill.AvgPrice
		rec.Fee = res.Fill.Fee
		rec.SlippageBps = res.Fill.SlippageBps
	}
	if err := f.audit.Write(rec); err != nil {
		f.log.WithError(err).Warn("audit write failed")
	}
}
