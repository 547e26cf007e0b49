package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sessiongate/internal/aggregate"
	"sessiongate/internal/audit"
	"sessiongate/internal/config"
	"sessiongate/internal/domain"
	"sessiongate/internal/gate"
	"sessiongate/internal/metrics"
	"sessiongate/internal/plan"
	"sessiongate/internal/store"
	"sessiongate/internal/validate"
)

type Engine struct {
	Store     store.Store
	Audit     audit.Recorder
	Config    *config.Config
	Validator *validate.Validator
	Gate      gate.Gate
	Logger    *slog.Logger
	Now       func() time.Time
	// Sleep waits between retries of a conflicting write.
	Sleep func(ctx context.Context, d time.Duration) error
}

// New wires an engine over a document store and an audit log. artifacts may
// be nil, in which case every referenced artifact counts as missing.
func New(st store.Store, log store.AuditLog, cfg *config.Config, artifacts gate.ArtifactSource) (Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	v, err := validate.New(ValidatorOptions(cfg))
	if err != nil {
		return Engine{}, err
	}
	return Engine{
		Store:     st,
		Audit:     audit.Recorder{Log: log},
		Config:    cfg,
		Validator: v,
		Gate: gate.Gate{
			Validator: v,
			Artifacts: artifacts,
			Policy: gate.Policy{
				Threshold:           cfg.Gate.Threshold,
				MajorsBlocking:      cfg.Gate.MajorsBlocking,
				EscalateMajorsAfter: cfg.Gate.EscalateMajorsAfter,
			},
		},
		Logger: slog.Default(),
		Now:    time.Now,
	}, nil
}

// ValidatorOptions maps the validation and scoring sections of cfg.
func ValidatorOptions(cfg *config.Config) validate.Options {
	opts := validate.Options{
		ArtifactRequiredFields: cfg.Validation.ArtifactRequiredFields,
		FilenameFields:         cfg.Validation.FilenameFields,
		FilenamePattern:        cfg.Validation.FilenamePattern,
		EstimateFields:         cfg.Validation.EstimateFields,
		DenyPatterns:           cfg.Validation.DenyPatterns,
		AllowTerms:             cfg.Validation.AllowTerms,
		Scoring: validate.Scoring{
			Critical:       cfg.Scoring.Critical,
			Major:          cfg.Scoring.Major,
			Warning:        cfg.Scoring.Warning,
			ZeroOnCritical: cfg.Scoring.ZeroOnCritical,
		},
	}
	for _, p := range cfg.Validation.CountPairs {
		opts.CountPairs = append(opts.CountPairs, validate.CountPair{Field: p.Field, CountOf: p.CountOf})
	}
	return opts
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) recorder() audit.Recorder {
	r := e.Audit
	if r.Now == nil {
		r.Now = e.now
	}
	if r.Logger == nil {
		r.Logger = e.logger()
	}
	return r
}

func (e Engine) gate() gate.Gate {
	g := e.Gate
	if g.Now == nil {
		g.Now = e.now
	}
	if g.Validator == nil {
		g.Validator = e.Validator
	}
	return g
}

func (e Engine) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e Engine) retryPolicy() (attempts int, base, max time.Duration) {
	if e.Config == nil {
		return 3, 10 * time.Millisecond, 200 * time.Millisecond
	}
	base, max = e.Config.RetryDelays()
	attempts = e.Config.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return attempts, base, max
}

// backoff doubles base for every failed attempt, capped at max.
func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

// move is one accepted status change, reported after commit.
type move struct {
	entity string
	id     string
	from   domain.Status
	to     domain.Status
}

// txn carries one attempt at mutating a session copy.
type txn struct {
	doc     *domain.Session
	idx     plan.Index
	actor   string
	now     string
	changed bool
	moves   []move
	entries []domain.AuditEntry
	gates   []domain.GateResult
	// wantStatus is an explicit orchestrator write to the session status.
	wantStatus *domain.Status
}

func (tx *txn) move(entity, id string, from, to domain.Status) {
	tx.moves = append(tx.moves, move{entity: entity, id: id, from: from, to: to})
	tx.changed = true
}

// update runs fn against a deep copy of the stored session and writes the
// result back with the version it was read at. Version conflicts re-read and
// re-run fn with exponential backoff until the configured attempts are spent.
func (e Engine) update(ctx context.Context, op, id, actorID string, fn func(tx *txn) error) (domain.Session, error) {
	attempts, base, max := e.retryPolicy()
	for attempt := 1; ; attempt++ {
		cur, version, err := e.Store.Get(ctx, id)
		if err != nil {
			return domain.Session{}, err
		}
		if cur.Archived() {
			return domain.Session{}, fmt.Errorf("%w: session %s is archived", domain.ErrInvalidTransition, id)
		}
		idx, err := plan.FromSession(&cur)
		if err != nil {
			return domain.Session{}, err
		}
		next := cur.Clone()
		tx := &txn{doc: &next, idx: idx, actor: actorID, now: e.now().UTC().Format(time.RFC3339)}
		if err := fn(tx); err != nil {
			e.rejected(ctx, op, id, actorID, err)
			return domain.Session{}, err
		}
		if err := e.finish(tx); err != nil {
			e.rejected(ctx, op, id, actorID, err)
			return domain.Session{}, err
		}
		if !tx.changed {
			aggregate.Refresh(&cur)
			return cur, nil
		}
		stamped := e.stamp(tx.entries)
		stored, err := e.put(ctx, next, version, stamped)
		if err != nil {
			if !errors.Is(err, store.ErrVersionConflict) {
				return domain.Session{}, err
			}
			metrics.RecordConflict(ctx, op)
			if attempt >= attempts {
				e.logger().Warn("giving up after version conflicts", "op", op, "session", id, "attempts", attempt)
				return domain.Session{}, fmt.Errorf("%w: %s on session %s failed after %d attempts", domain.ErrConcurrentModification, op, id, attempt)
			}
			delay := backoff(base, max, attempt)
			e.logger().Debug("version conflict, retrying", "op", op, "session", id, "attempt", attempt, "delay", delay)
			if err := e.sleep(ctx, delay); err != nil {
				return domain.Session{}, err
			}
			continue
		}
		e.committed(ctx, op, next.ID, tx)
		if stored == nil && len(stamped) > 0 {
			e.appendCommitted(ctx, op, next.ID, stamped)
		}
		return next, nil
	}
}

func (e Engine) stamp(entries []domain.AuditEntry) []domain.AuditEntry {
	if len(entries) == 0 {
		return nil
	}
	r := e.recorder()
	out := make([]domain.AuditEntry, 0, len(entries))
	for _, en := range entries {
		out = append(out, r.Entry(en.SessionID, en.EventType, en.ActorID, audit.Detail(en.Detail)))
	}
	return out
}

// journal returns the store as a Journal when it is also the audit log.
func (e Engine) journal() (store.Journal, bool) {
	j, ok := e.Store.(store.Journal)
	if !ok || e.Audit.Log == nil {
		return nil, false
	}
	if l, ok := e.Store.(store.AuditLog); !ok || l != e.Audit.Log {
		return nil, false
	}
	return j, true
}

// put writes next and, on a journaling backend, its entries in the same
// transaction. A nil stored slice means the entries still need appending.
func (e Engine) put(ctx context.Context, next domain.Session, version int64, entries []domain.AuditEntry) ([]domain.AuditEntry, error) {
	if j, ok := e.journal(); ok && len(entries) > 0 {
		_, stored, err := j.PutJournaled(ctx, next, version, entries)
		if err != nil {
			return nil, err
		}
		e.recorder().Logged(stored...)
		return stored, nil
	}
	_, err := e.Store.Put(ctx, next, version)
	return nil, err
}

// appendCommitted appends entries for a write that is already durable. The
// write stands when the log fails, so the loss is logged and counted instead
// of returned.
func (e Engine) appendCommitted(ctx context.Context, op, id string, entries []domain.AuditEntry) {
	stored, err := e.recorder().Append(ctx, entries...)
	if err == nil {
		return
	}
	lost := len(entries) - len(stored)
	metrics.RecordAuditFailure(ctx, op, lost)
	events := make([]string, 0, lost)
	for _, en := range entries[len(stored):] {
		events = append(events, string(en.EventType))
	}
	e.logger().Error("audit append failed after commit", "op", op, "session", id, "lost", events, "err", err)
}

// finish stamps a changed copy, rederives its caches and status, and refuses
// to persist a document the validator would reject.
func (e Engine) finish(tx *txn) error {
	doc := tx.doc
	derived := aggregate.SessionStatus(aggregate.PhaseStatuses(doc))
	if tx.wantStatus != nil && *tx.wantStatus != derived {
		return domain.TransitionError{Entity: "session", ID: doc.ID, From: doc.Status, To: *tx.wantStatus,
			Reason: fmt.Sprintf("session status is derived from its phases and must be %s", derived)}
	}
	if !tx.changed {
		return nil
	}
	if doc.Status != derived {
		tx.move("session", doc.ID, doc.Status, derived)
		doc.Status = derived
	}
	doc.LastUpdated = tx.now
	aggregate.Refresh(doc)
	if e.Validator == nil {
		return nil
	}
	rep, err := e.Validator.ValidateSession(*doc)
	if err != nil {
		return err
	}
	return rep.Err()
}

func (e Engine) committed(ctx context.Context, op, id string, tx *txn) {
	for _, m := range tx.moves {
		metrics.RecordTransition(ctx, m.entity, string(m.to))
		e.logger().Info("transition", "op", op, "session", id, "entity", m.entity, "id", m.id, "from", string(m.from), "to", string(m.to), "actor", tx.actor)
	}
	for _, g := range tx.gates {
		metrics.RecordGate(ctx, g.Passed, g.Score)
	}
}

func (e Engine) rejected(ctx context.Context, op, id, actorID string, err error) {
	var perm domain.PermissionError
	if errors.As(err, &perm) {
		reason := perm.Reason
		if reason == "" {
			reason = "not owner"
		}
		metrics.RecordDenial(ctx, reason)
		e.logger().Warn("write denied", "op", op, "session", id, "actor", actorID, "path", perm.Path, "reason", reason)
		return
	}
	e.logger().Debug("write rejected", "op", op, "session", id, "actor", actorID, "err", err)
}

// CreateSession decomposes a workorder into a fresh session document.
// actorID, when set, must be the workorder's orchestrator.
func (e Engine) CreateSession(ctx context.Context, wo plan.Workorder, actorID string) (domain.Session, error) {
	g, err := plan.Build(wo)
	if err != nil {
		return domain.Session{}, err
	}
	orch := g.Workorder.Orchestrator.ID
	if actorID == "" {
		actorID = orch
	}
	if actorID != orch {
		return domain.Session{}, domain.PermissionError{ActorID: actorID, Path: "id", Reason: "only the workorder orchestrator may create the session"}
	}
	doc := g.Session(e.now())
	if e.Validator != nil {
		rep, err := e.Validator.ValidateSession(doc)
		if err != nil {
			return domain.Session{}, err
		}
		if err := rep.Err(); err != nil {
			return domain.Session{}, err
		}
		metrics.RecordScore(ctx, "session", rep.Score)
	}
	tasks := 0
	for _, ph := range doc.Phases {
		tasks += len(ph.Tasks)
	}
	created := []domain.AuditEntry{e.recorder().Entry(doc.ID, domain.EventCreated, actorID, audit.Detail{
		"phases":  len(doc.Phases),
		"tasks":   tasks,
		"workers": len(doc.Workers),
	})}
	if j, ok := e.journal(); ok {
		stored, err := j.CreateJournaled(ctx, doc, created)
		if err != nil {
			return domain.Session{}, err
		}
		e.recorder().Logged(stored...)
	} else {
		if err := e.Store.Create(ctx, doc); err != nil {
			return domain.Session{}, err
		}
		e.appendCommitted(ctx, "create", doc.ID, created)
	}
	e.logger().Info("session created", "session", doc.ID, "phases", len(doc.Phases), "tasks", tasks)
	return doc, nil
}

// GetSession returns the stored document with fresh aggregation caches.
func (e Engine) GetSession(ctx context.Context, id string) (domain.Session, error) {
	doc, _, err := e.Store.Get(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}
	aggregate.Refresh(&doc)
	return doc, nil
}

// ListSessions summarizes stored sessions, newest first.
func (e Engine) ListSessions(ctx context.Context, f store.ListFilter) ([]domain.SessionSummary, error) {
	docs, err := e.Store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SessionSummary, 0, len(docs))
	for i := range docs {
		doc := &docs[i]
		aggregate.Refresh(doc)
		out = append(out, domain.SessionSummary{
			ID:          doc.ID,
			Description: doc.Description,
			Status:      doc.Status,
			CreatedAt:   doc.CreatedAt,
			LastUpdated: doc.LastUpdated,
			Archived:    doc.Archived(),
			Progress:    *doc.Aggregation,
		})
	}
	return out, nil
}

// CountByStatus feeds the session gauge.
func (e Engine) CountByStatus(ctx context.Context) (map[string]int64, error) {
	docs, err := e.Store.List(ctx, store.ListFilter{})
	if err != nil {
		return nil, err
	}
	counts := map[string]int64{}
	for _, s := range domain.Statuses {
		counts[string(s)] = 0
	}
	for _, doc := range docs {
		counts[string(doc.Status)]++
	}
	return counts, nil
}

// ValidateSession reports on the stored document exactly as persisted.
func (e Engine) ValidateSession(ctx context.Context, id string) (validate.Report, error) {
	doc, _, err := e.Store.Get(ctx, id)
	if err != nil {
		return validate.Report{}, err
	}
	rep, err := e.Validator.ValidateSession(doc)
	if err != nil {
		return validate.Report{}, err
	}
	metrics.RecordScore(ctx, "session", rep.Score)
	return rep, nil
}

// AuditEntries reads the audit log.
func (e Engine) AuditEntries(ctx context.Context, f store.AuditFilter) ([]domain.AuditEntry, error) {
	if e.Audit.Log == nil {
		return nil, errors.New("audit log not configured")
	}
	return e.Audit.Log.Entries(ctx, f)
}
