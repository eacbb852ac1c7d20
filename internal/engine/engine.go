package engine

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"printerwatch/internal/config"
	"printerwatch/internal/logging"
	"printerwatch/internal/metrics"
	"printerwatch/internal/model"
	"printerwatch/internal/normalize"
	"printerwatch/internal/retry"
	"printerwatch/internal/storage"
)

// Dispatcher publishes a firing. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, deviceID string, eventCount int) (model.Event, error)
}

type Engine struct {
	logger   *slog.Logger
	metrics  *metrics.Collectors
	store    storage.ProfileStore
	dispatch Dispatcher
	cfg      *config.Manager
	deDupe   *DedupeCache
	started  time.Time
	now      func() time.Time

	processed  atomic.Uint64
	fired      atomic.Uint64
	duplicates atomic.Uint64
	conflicts  atomic.Uint64
}

// Stats is a snapshot of engine counters since start.
type Stats struct {
	Started    time.Time `json:"started"`
	Processed  uint64    `json:"processed"`
	Fired      uint64    `json:"fired"`
	Duplicates uint64    `json:"duplicates"`
	Conflicts  uint64    `json:"conflicts"`
}

func NewEngine(cfg *config.Manager, store storage.ProfileStore, dispatcher Dispatcher, m *metrics.Collectors, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg = config.NewStaticManager(nil)
	}
	return &Engine{
		logger:   logging.OrDiscard(logger),
		metrics:  m,
		store:    store,
		dispatch: dispatcher,
		cfg:      cfg,
		deDupe:   NewDedupeCache(),
		started:  time.Now().UTC(),
		now:      time.Now,
	}
}

func (e *Engine) config() *config.Config {
	return e.cfg.Get()
}

// HandleRaw validates a JSON payload and handles it. Nothing is read from the
// store when validation fails. A non-empty messageKey is caller-chosen and
// unique per message, so a repeat of it is treated as a redelivery.
func (e *Engine) HandleRaw(ctx context.Context, raw []byte, source, messageKey string) (model.Outcome, error) {
	obs, err := normalize.ParseObservation(raw)
	if err != nil {
		e.metrics.Observe(source, metrics.ResultInvalid, 0)
		return model.Outcome{}, err
	}
	obs.Source = source
	obs.MessageKey = messageKey
	obs.Redelivered = messageKey != ""
	return e.Handle(ctx, obs)
}

// Handle runs one observation through load, evaluate, compare-and-swap and,
// when the window is reached, dispatch. Counters are committed before the
// event is published; a publish failure returns the outcome together with a
// model.DispatchError.
func (e *Engine) Handle(ctx context.Context, obs model.Observation) (model.Outcome, error) {
	start := e.now()
	out, err := e.handle(ctx, obs)
	e.metrics.Observe(obs.Source, resultLabel(out, err), e.now().Sub(start))
	if err != nil && !errors.Is(err, model.ErrDispatch) {
		return out, err
	}
	if e.config().Detection.LogRanking && !out.Duplicate {
		e.logRanking(ctx)
	}
	return out, err
}

func (e *Engine) handle(ctx context.Context, obs model.Observation) (model.Outcome, error) {
	id := normalize.CanonicalID(obs.DeviceID)
	if id == "" {
		return model.Outcome{}, model.ValidationError{Reason: normalize.ReasonMissingID}
	}
	if math.IsNaN(obs.Value) || math.IsInf(obs.Value, 0) {
		return model.Outcome{DeviceID: id}, model.ValidationError{Reason: normalize.ReasonInvalidValue}
	}
	det := e.config().Detection
	dedupeKey := ""
	if obs.MessageKey != "" && det.DedupeWindow > 0 {
		dedupeKey = obs.Source + "/" + obs.MessageKey
		if obs.Redelivered {
			if !e.deDupe.Claim(dedupeKey, e.now(), det.DedupeWindow) {
				e.duplicates.Add(1)
				e.logger.Info("duplicate delivery skipped", "printer_id", id, "source", obs.Source, "key", obs.MessageKey)
				return model.Outcome{DeviceID: id, Duplicate: true}, nil
			}
			// no-op once Remember has run
			defer e.deDupe.Release(dedupeKey)
		}
	}

	out := model.Outcome{DeviceID: id}
	attempts := det.ConflictRetries
	if attempts < 1 {
		attempts = 1
	}
	committed := false
	var res Result
	for attempt := 1; attempt <= attempts; attempt++ {
		out.Attempts = attempt
		profile, err := e.load(ctx, id)
		if err != nil {
			return out, err
		}
		res = Evaluate(profile, obs.Value)
		current, next := profile.Counters(), res.Counters()
		if current == next {
			committed = true
			break
		}
		err = e.commit(ctx, id, current, next)
		switch {
		case err == nil:
			committed = true
		case errors.Is(err, storage.ErrConflict):
			e.conflicts.Add(1)
			e.metrics.Conflict()
			e.logger.Debug("counter conflict, reloading", "printer_id", id, "attempt", attempt)
			continue
		case errors.Is(err, storage.ErrNotFound):
			return out, model.NotFoundError{DeviceID: id}
		default:
			return out, model.StoreError{Op: "update", Err: err}
		}
		break
	}
	if !committed {
		e.logger.Error("counter update kept conflicting", "printer_id", id, "attempts", out.Attempts)
		return out, model.StoreError{Op: "update", Err: storage.ErrConflict}
	}

	e.processed.Add(1)
	if dedupeKey != "" {
		e.deDupe.Remember(dedupeKey, e.now(), det.DedupeWindow)
	}
	out.OutOfBounds = res.OutOfBounds
	out.OutOfBoundsCount = res.OutOfBoundsCount
	out.EventCount = res.EventCount
	out.Fired = res.Fired
	if !res.Fired {
		e.logger.Debug("observation processed",
			"printer_id", id,
			"value", obs.Value,
			"out_of_bounds", res.OutOfBounds,
			"out_of_bounds_count", res.OutOfBoundsCount,
		)
		return out, nil
	}

	e.fired.Add(1)
	e.logger.Warn("anomaly event fired", "printer_id", id, "event_count", res.EventCount, "source", obs.Source)
	if e.dispatch == nil {
		return out, nil
	}
	if _, err := e.dispatch.Dispatch(ctx, id, res.EventCount); err != nil {
		return out, err
	}
	return out, nil
}

// commit writes next with compare-and-swap. A transient error may hide a
// write that did land, so before retrying the stored counters are checked:
// equal to next means the earlier attempt committed.
func (e *Engine) commit(ctx context.Context, id string, expected, next model.Counters) error {
	uncertain := false
	return e.storeOp(ctx, "update", func(ctx context.Context) error {
		if uncertain {
			p, err := e.store.Get(ctx, id)
			if err != nil {
				return err
			}
			switch p.Counters() {
			case next:
				e.logger.Debug("counter update found committed after error", "printer_id", id)
				return nil
			case expected:
			default:
				return storage.ErrConflict
			}
		}
		err := e.store.UpdateCounters(ctx, id, expected, next)
		if err != nil && transient(err) {
			uncertain = true
		}
		return err
	})
}

func (e *Engine) load(ctx context.Context, id string) (model.DeviceProfile, error) {
	var profile model.DeviceProfile
	err := e.storeOp(ctx, "get", func(ctx context.Context) error {
		var err error
		profile, err = e.store.Get(ctx, id)
		return err
	})
	switch {
	case err == nil:
		return profile, nil
	case errors.Is(err, storage.ErrNotFound):
		return profile, model.NotFoundError{DeviceID: id}
	default:
		return profile, model.StoreError{Op: "get", Err: err}
	}
}

// storeOp retries transient store failures with backoff. Not-found, conflict
// and cancellation are returned at once.
func (e *Engine) storeOp(ctx context.Context, op string, fn func(context.Context) error) error {
	det := e.config().Detection
	b := retry.Backoff{
		Attempts: det.StoreRetries,
		Min:      det.RetryMinInterval,
		Max:      det.RetryMaxInterval,
		Logger:   e.logger,
	}
	return b.Do(ctx, "store "+op, func(ctx context.Context) (bool, error) {
		err := fn(ctx)
		return err != nil && transient(err), err
	})
}

func transient(err error) bool {
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrConflict),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func resultLabel(out model.Outcome, err error) string {
	switch {
	case err == nil && out.Duplicate:
		return metrics.ResultDuplicate
	case err == nil && out.Fired, errors.Is(err, model.ErrDispatch):
		return metrics.ResultFired
	case err == nil:
		return metrics.ResultProcessed
	case errors.Is(err, model.ErrValidation):
		return metrics.ResultInvalid
	case errors.Is(err, model.ErrNotFound):
		return metrics.ResultNotFound
	}
	return metrics.ResultStoreError
}

// List returns every profile, highest EventCount first. Profiles with equal
// counts keep the store's scan order.
func (e *Engine) List(ctx context.Context) ([]model.DeviceProfile, error) {
	var profiles []model.DeviceProfile
	err := e.storeOp(ctx, "scan", func(ctx context.Context) error {
		var err error
		profiles, err = e.store.Scan(ctx)
		return err
	})
	if err != nil {
		return nil, model.StoreError{Op: "scan", Err: err}
	}
	if profiles == nil {
		profiles = []model.DeviceProfile{}
	}
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].EventCount > profiles[j].EventCount
	})
	return profiles, nil
}

// Ranking is List reduced to (PrinterId, EventCount) pairs.
func (e *Engine) Ranking(ctx context.Context) ([]model.RankEntry, error) {
	profiles, err := e.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.RankEntry, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, model.RankEntry{PrinterID: p.PrinterID, EventCount: p.EventCount})
	}
	return out, nil
}

func (e *Engine) logRanking(ctx context.Context) {
	ranking, err := e.Ranking(ctx)
	if err != nil {
		e.logger.Warn("ranking unavailable", "err", err)
		return
	}
	e.logger.Debug("ranking", "printers", ranking)
}

// Get returns one profile by any spelling of its id.
func (e *Engine) Get(ctx context.Context, rawID string) (model.DeviceProfile, error) {
	id := normalize.CanonicalID(rawID)
	if id == "" {
		return model.DeviceProfile{}, model.ValidationError{Reason: normalize.ReasonMissingID}
	}
	return e.load(ctx, id)
}

// Provision creates or replaces a profile under its canonical id.
func (e *Engine) Provision(ctx context.Context, p model.DeviceProfile) (model.DeviceProfile, error) {
	p.PrinterID = normalize.CanonicalID(p.PrinterID)
	if err := storage.ValidateProfile(p); err != nil {
		return p, model.ValidationError{Reason: err.Error()}
	}
	err := e.storeOp(ctx, "put", func(ctx context.Context) error {
		_, err := storage.Provision(ctx, e.store, p, true)
		return err
	})
	if err != nil {
		return p, model.StoreError{Op: "put", Err: err}
	}
	e.logger.Info("profile provisioned", "printer_id", p.PrinterID, "window", p.Window,
		"lower", p.Thresholds.Lower, "upper", p.Thresholds.Upper)
	return p, nil
}

func (e *Engine) Stats() Stats {
	return Stats{
		Started:    e.started,
		Processed:  e.processed.Load(),
		Fired:      e.fired.Load(),
		Duplicates: e.duplicates.Load(),
		Conflicts:  e.conflicts.Load(),
	}
}

func (e *Engine) StoreDriver() string {
	return e.store.Driver()
}

// Run drains in until it is closed or ctx ends. Observations are sharded by
// printer id over the configured number of workers, so readings for one
// printer are handled in arrival order and never race each other in this
// process.
func (e *Engine) Run(ctx context.Context, in <-chan model.Observation) {
	n := e.config().Ingest.Workers
	if n < 1 {
		n = 1
	}
	shards := make([]chan model.Observation, n)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan model.Observation, 64)
		wg.Add(1)
		go func(ch <-chan model.Observation) {
			defer wg.Done()
			for obs := range ch {
				e.handleLogged(ctx, obs)
			}
		}(shards[i])
	}
	defer func() {
		for _, ch := range shards {
			close(ch)
		}
		wg.Wait()
	}()
	for {
		select {
		case obs, ok := <-in:
			if !ok {
				return
			}
			select {
			case shards[shardFor(obs.DeviceID, n)] <- obs:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) handleLogged(ctx context.Context, obs model.Observation) {
	if ctx.Err() != nil {
		return
	}
	_, err := e.Handle(ctx, obs)
	if err == nil {
		return
	}
	var nf model.NotFoundError
	switch {
	case errors.As(err, &nf):
		e.logger.Warn("observation for unknown printer dropped", "printer_id", nf.DeviceID, "source", obs.Source)
	case errors.Is(err, model.ErrValidation):
		e.logger.Warn("invalid observation dropped", "err", err, "source", obs.Source)
	case errors.Is(err, model.ErrDispatch):
		// already logged by the dispatcher
	default:
		e.logger.Error("observation dropped", "printer_id", obs.DeviceID, "source", obs.Source, "err", err)
	}
}

func shardFor(deviceID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(normalize.CanonicalID(deviceID)))
	return int(h.Sum32() % uint32(n))
}
