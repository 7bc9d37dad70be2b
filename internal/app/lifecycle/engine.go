// Package lifecycle owns every state change of a transaction after the
// request reaches the service.
//
// A transaction is created PENDING and then leaves PENDING exactly once,
// through whichever finalizer reaches the store's guarded write first:
//  1. Cancel, by the owner, inside the cancellation window
//  2. The deferred completion timer, at CreatedAt + window
//  3. The forced fallback, when the deferred completion errors
//  4. The sweep, for records stuck past the staleness threshold
//  5. Outcome injection, standing in for the gateway callback
//
// Losers of the race observe a terminal record and do nothing, except
// Cancel, which reports ErrNotPending to its caller.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/groupfinance/txengine/internal/domain"
	"github.com/groupfinance/txengine/internal/infra/observability"
	"github.com/sirupsen/logrus"
)

// Outcome notes recorded by each finalizing path.
const (
	NoteInitiationFailed = "INITIATION_FAILED: "
	NoteCancelled        = "CANCELLED: Cancelled by owner"
	NoteAutoCompleted    = "AUTO_COMPLETED: Transaction automatically completed after %s"
	NoteForceCompleted   = "FORCE_COMPLETED: Emergency completion after auto-completion failure"
	NoteInjectSuccess    = "SIMULATED_SUCCESS: Payment completed successfully"
	NoteInjectFailure    = "SIMULATED_FAILURE: Payment failed"
)

// Config controls engine behavior.
type Config struct {
	Window            time.Duration // cancellation window and deferred completion delay
	PayeePattern      string        // regular expression a payee handle must match
	InitiationTimeout time.Duration // upper bound on the gateway initiation call
	FinalizeTimeout   time.Duration // bound on store writes made off the request path
}

// DefaultConfig returns the reference settings.
func DefaultConfig() Config {
	return Config{
		Window:            25 * time.Second,
		PayeePattern:      `^254\d{9}$`,
		InitiationTimeout: 15 * time.Second,
		FinalizeTimeout:   10 * time.Second,
	}
}

// Engine drives the transaction state machine.
type Engine struct {
	cfg     Config
	payee   *regexp.Regexp
	store   domain.TransactionStore
	gateway domain.PaymentGateway
	timers  domain.Scheduler
	log     *logrus.Entry
	now     func() time.Time // injectable clock for testing
}

// New creates a lifecycle engine.
func New(cfg Config, store domain.TransactionStore, gw domain.PaymentGateway, timers domain.Scheduler, log *logrus.Entry) (*Engine, error) {
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("lifecycle: window must be positive, got %s", cfg.Window)
	}
	payee, err := regexp.Compile(cfg.PayeePattern)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: payee pattern: %w", err)
	}
	def := DefaultConfig()
	if cfg.InitiationTimeout <= 0 {
		cfg.InitiationTimeout = def.InitiationTimeout
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = def.FinalizeTimeout
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		cfg:     cfg,
		payee:   payee,
		store:   store,
		gateway: gw,
		timers:  timers,
		log:     log,
		now:     time.Now,
	}, nil
}

// Window returns the configured cancellation window.
func (e *Engine) Window() time.Duration { return e.cfg.Window }

// ═══════════════════════════════════════════════════════════════════════════
// Create
// ═══════════════════════════════════════════════════════════════════════════

// Create validates the request, persists a PENDING record and initiates the
// payment. A synchronous initiation failure finalizes the record FAILED and
// returns a *domain.GatewayError. An immediate failure outcome finalizes it
// FAILED and returns the record. Otherwise the deferred completion is armed
// and the PENDING record returned.
func (e *Engine) Create(ctx context.Context, req domain.CreateRequest) (*domain.Transaction, error) {
	if err := e.validate(req.Amount.IsPositive(), req.PayeeHandle, req.Description, req.OwnerID); err != nil {
		return nil, err
	}
	category, err := domain.ParseCategory(string(req.Category))
	if err != nil {
		return nil, err
	}

	kind := domain.KindOrdinary
	if req.OriginalID != "" {
		if err := e.checkOriginal(ctx, req.OriginalID); err != nil {
			return nil, err
		}
		kind = domain.KindCorrection
	}

	now := e.now()
	tx := &domain.Transaction{
		Kind:        kind,
		Amount:      req.Amount,
		Description: strings.TrimSpace(req.Description),
		Category:    category,
		Status:      domain.StatusPending,
		PayeeHandle: req.PayeeHandle,
		CreatedAt:   now,
		UpdatedAt:   now,
		OwnerID:     req.OwnerID,
		OriginalID:  req.OriginalID,
	}
	if err := e.store.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("persist transaction: %w", err)
	}
	observability.TransactionsCreated.WithLabelValues(string(kind)).Inc()
	log := e.log.WithField("txn_id", tx.ID)
	log.WithField("kind", kind).Info("transaction created")

	initReq := domain.InitiationRequest{
		PayeeHandle: tx.PayeeHandle,
		Amount:      tx.Amount,
		Description: tx.Description,
		Reference:   tx.ID,
	}

	initCtx, cancel := context.WithTimeout(ctx, e.cfg.InitiationTimeout)
	token, err := e.gateway.Initiate(initCtx, initReq)
	cancel()
	if err != nil {
		e.finalize(tx.ID, observability.PathCreate, domain.Finalization{
			Status: domain.StatusFailed,
			Note:   NoteInitiationFailed + err.Error(),
			At:     e.now(),
		})
		return nil, &domain.GatewayError{Op: "initiate", Err: err}
	}

	if err := e.store.SetRequestToken(ctx, tx.ID, token, e.now()); err != nil {
		// The record is still settled by whichever finalizer owns it now.
		log.WithError(err).Warn("request token not recorded")
	}

	outcome, err := e.gateway.QueryOutcome(ctx, token, initReq)
	if err != nil {
		log.WithError(err).Warn("outcome query failed, treating as pending")
		outcome = domain.Outcome{State: domain.OutcomePending}
	}

	switch outcome.State {
	case domain.OutcomeFailed:
		e.finalize(tx.ID, observability.PathCreate, domain.Finalization{
			Status: domain.StatusFailed,
			Note:   outcome.Note,
			At:     e.now(),
		})
	default:
		e.arm(tx.ID, tx.CreatedAt)
	}

	got, err := e.store.Get(ctx, tx.ID)
	if err != nil {
		log.WithError(err).Warn("reload after create failed")
		tx.GatewayRequestToken = token
		return tx, nil
	}
	return got, nil
}

// CreateCorrection creates a CORRECTION referencing a COMPLETED original.
// The original is checked before anything is written.
func (e *Engine) CreateCorrection(ctx context.Context, originalID string, req domain.CorrectionRequest) (*domain.Transaction, error) {
	if strings.TrimSpace(originalID) == "" {
		return nil, fmt.Errorf("%w: original transaction id is required", domain.ErrValidation)
	}
	if err := e.checkOriginal(ctx, originalID); err != nil {
		return nil, err
	}
	return e.Create(ctx, domain.CreateRequest{
		Amount:      req.Amount,
		PayeeHandle: req.PayeeHandle,
		Description: req.Description,
		Category:    domain.CategoryCorrection,
		OwnerID:     req.OwnerID,
		OriginalID:  originalID,
	})
}

func (e *Engine) validate(positive bool, payee, description, owner string) error {
	var problems []string
	if !positive {
		problems = append(problems, "amount must be greater than 0")
	}
	if !e.payee.MatchString(payee) {
		problems = append(problems, fmt.Sprintf("payee handle %q does not match %s", payee, e.payee))
	}
	if strings.TrimSpace(description) == "" {
		problems = append(problems, "description is required")
	}
	if strings.TrimSpace(owner) == "" {
		problems = append(problems, "owner is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

func (e *Engine) checkOriginal(ctx context.Context, id string) error {
	orig, err := e.store.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w %s", domain.ErrOriginalNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("load original: %w", err)
	}
	if orig.Status != domain.StatusCompleted {
		return fmt.Errorf("%w: %s is %s", domain.ErrOriginalNotCompleted, id, orig.Status)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Cancel
// ═══════════════════════════════════════════════════════════════════════════

// Cancel moves an owner's PENDING transaction to CANCELLED while the
// cancellation window is open. Elapsed time equal to the window still
// succeeds.
func (e *Engine) Cancel(ctx context.Context, id, ownerID string) (*domain.Transaction, error) {
	tx, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.OwnerID != ownerID {
		observability.CancelRejections.WithLabelValues("not_owned").Inc()
		return nil, fmt.Errorf("%w: %s", domain.ErrNotOwned, id)
	}
	if tx.Status != domain.StatusPending {
		observability.CancelRejections.WithLabelValues("not_pending").Inc()
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrNotPending, id, tx.Status)
	}

	now := e.now()
	if elapsed := tx.Age(now); elapsed > e.cfg.Window {
		observability.CancelRejections.WithLabelValues("window_expired").Inc()
		return nil, &domain.WindowExpiredError{ID: id, Window: e.cfg.Window, Elapsed: elapsed}
	}

	applied, err := e.store.Finalize(ctx, id, domain.Finalization{
		Status: domain.StatusCancelled,
		Note:   NoteCancelled,
		At:     now,
	})
	if err != nil {
		observability.FinalizeErrors.WithLabelValues(observability.PathCancel).Inc()
		return nil, fmt.Errorf("cancel transaction: %w", err)
	}
	if !applied {
		observability.LostRaces.WithLabelValues(observability.PathCancel).Inc()
		observability.CancelRejections.WithLabelValues("not_pending").Inc()
		winner := domain.Status("terminal")
		if cur, err := e.store.Get(ctx, id); err == nil {
			winner = cur.Status
		}
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrNotPending, id, winner)
	}

	observability.Transitions.WithLabelValues(observability.PathCancel, string(domain.StatusCancelled)).Inc()
	e.log.WithField("txn_id", id).Info("transaction cancelled by owner")
	return e.store.Get(ctx, id)
}

// ═══════════════════════════════════════════════════════════════════════════
// Outcome Injection
// ═══════════════════════════════════════════════════════════════════════════

// InjectOutcome settles a PENDING transaction as if the gateway had called
// back. Replaying an outcome the record already carries returns the record
// unchanged; any other terminal record yields ErrNotPending.
func (e *Engine) InjectOutcome(ctx context.Context, id string, success bool, receipt string) (*domain.Transaction, error) {
	tx, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.StatusPending {
		if replayOf(tx, success, receipt) {
			return tx, nil
		}
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrNotPending, id, tx.Status)
	}

	f := domain.Finalization{Status: domain.StatusFailed, Note: NoteInjectFailure, At: e.now()}
	if success {
		if receipt == "" {
			receipt = e.gateway.NewReceipt()
		}
		f = domain.Finalization{Status: domain.StatusCompleted, ReceiptToken: receipt, Note: NoteInjectSuccess, At: f.At}
	}

	applied, err := e.store.Finalize(ctx, id, f)
	if err != nil {
		observability.FinalizeErrors.WithLabelValues(observability.PathInject).Inc()
		return nil, fmt.Errorf("inject outcome: %w", err)
	}
	cur, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !applied {
		observability.LostRaces.WithLabelValues(observability.PathInject).Inc()
		if replayOf(cur, success, f.ReceiptToken) {
			return cur, nil
		}
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrNotPending, id, cur.Status)
	}

	observability.Transitions.WithLabelValues(observability.PathInject, string(f.Status)).Inc()
	e.log.WithFields(logrus.Fields{"txn_id": id, "status": f.Status}).Info("gateway outcome injected")
	return cur, nil
}

// replayOf reports whether tx already carries the given outcome.
func replayOf(tx *domain.Transaction, success bool, receipt string) bool {
	if !success {
		return tx.Status == domain.StatusFailed
	}
	return tx.Status == domain.StatusCompleted &&
		(receipt == "" || receipt == tx.GatewayReceiptToken)
}

// ═══════════════════════════════════════════════════════════════════════════
// Deferred Completion
// ═══════════════════════════════════════════════════════════════════════════

// Recover re-arms the deferred completion of every PENDING record, for use at
// startup after timers were lost with the previous process. Deadlines already
// in the past fire immediately.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	pending, err := e.store.ListByStatus(ctx, domain.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}
	for _, tx := range pending {
		e.arm(tx.ID, tx.CreatedAt)
	}
	if len(pending) > 0 {
		e.log.WithField("count", len(pending)).Info("re-armed deferred completions")
	}
	return len(pending), nil
}

func (e *Engine) arm(id string, createdAt time.Time) {
	e.timers.ScheduleAt(id, createdAt.Add(e.cfg.Window), func() { e.autoComplete(id) })
}

// autoComplete is the timer callback. Errors never escape; any failure hands
// over to forceComplete.
func (e *Engine) autoComplete(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.FinalizeTimeout)
	defer cancel()
	log := e.log.WithFields(logrus.Fields{"txn_id": id, "path": observability.PathTimer})

	tx, err := e.store.Get(ctx, id)
	if err != nil {
		log.WithError(err).Warn("deferred completion could not load transaction")
		e.forceComplete(id)
		return
	}
	if tx.Status != domain.StatusPending {
		observability.LostRaces.WithLabelValues(observability.PathTimer).Inc()
		log.WithField("status", tx.Status).Debug("already settled, nothing to do")
		return
	}

	applied, err := e.store.Finalize(ctx, id, domain.Finalization{
		Status:       domain.StatusCompleted,
		ReceiptToken: e.gateway.NewReceipt(),
		Note:         fmt.Sprintf(NoteAutoCompleted, seconds(e.cfg.Window)),
		At:           e.now(),
	})
	switch {
	case err != nil:
		observability.FinalizeErrors.WithLabelValues(observability.PathTimer).Inc()
		log.WithError(err).Warn("deferred completion failed")
		e.forceComplete(id)
	case !applied:
		observability.LostRaces.WithLabelValues(observability.PathTimer).Inc()
		log.Debug("lost race to another finalizer")
	default:
		observability.Transitions.WithLabelValues(observability.PathTimer, string(domain.StatusCompleted)).Inc()
		log.Info("transaction automatically completed")
	}
}

// forceComplete is the emergency fallback. Its own failure is logged and left
// to the sweep.
func (e *Engine) forceComplete(id string) {
	applied := e.finalize(id, observability.PathForce, domain.Finalization{
		Status: domain.StatusCompleted,
		Note:   NoteForceCompleted,
		At:     e.now(),
	})
	if applied {
		observability.ForcedCompletions.Inc()
	}
}

// finalize performs a guarded write off the caller's cancellation and reports
// whether it applied. Errors are logged, never returned.
func (e *Engine) finalize(id, path string, f domain.Finalization) bool {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.FinalizeTimeout)
	defer cancel()
	log := e.log.WithFields(logrus.Fields{"txn_id": id, "path": path, "status": f.Status})

	applied, err := e.store.Finalize(ctx, id, f)
	if err != nil {
		observability.FinalizeErrors.WithLabelValues(path).Inc()
		level := logrus.WarnLevel
		if path == observability.PathForce {
			level = logrus.ErrorLevel
		}
		log.WithError(err).Log(level, "finalization failed, record left to the sweep")
		return false
	}
	if !applied {
		observability.LostRaces.WithLabelValues(path).Inc()
		log.Debug("lost race to another finalizer")
		return false
	}
	observability.Transitions.WithLabelValues(path, string(f.Status)).Inc()
	log.Info("transaction finalized")
	return true
}

// seconds renders d the way the outcome notes quote durations.
func seconds(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%d seconds", int64(d/time.Second))
	}
	return fmt.Sprintf("%v seconds", d.Seconds())
}
