// Package autorelease pays workers for completed bookings the client never
// confirmed, once the applicable grace period has passed.
//
// A sweep is stateless and repeatable. It is safe to run concurrently with
// itself and with client confirmations: the booking lifecycle guarantees a
// single release, and the loser of a race is logged as skipped.
package autorelease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/errandly/internal/booking"
	"github.com/mbd888/errandly/internal/idgen"
	"github.com/mbd888/errandly/internal/metrics"
	"github.com/mbd888/errandly/internal/money"
	"github.com/mbd888/errandly/internal/traces"
)

var (
	ErrRuleNotFound  = errors.New("auto-release rule not found")
	ErrDuplicateRule = errors.New("auto-release rule name already exists")
	ErrInvalidRule   = errors.New("invalid auto-release rule")
	ErrNotCompleted  = errors.New("booking is not awaiting confirmation")
)

// DefaultRuleName is the bootstrap rule covering every category.
const DefaultRuleName = "standard"

// DefaultGracePeriodHours applies when no other value is configured.
const DefaultGracePeriodHours = 72

// Action is the outcome recorded for one booking.
type Action string

const (
	ActionReleased Action = "released"
	ActionSkipped  Action = "skipped"
	ActionFailed   Action = "failed"
)

// Skip reasons reported in sweep responses.
const (
	ReasonNotDue      = "not_due"
	ReasonNoRule      = "no_rule"
	ReasonTerminal    = "already_settled"
	ReasonNotEligible = "not_completed"
)

// Rule decides how long after completion a booking is released.
type Rule struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	GracePeriodHours int              `json:"gracePeriodHours"`
	CategoryID       string           `json:"categoryId"` // empty = all categories
	MaxAmount        *decimal.Decimal `json:"maxAmount,omitempty"`
	Enabled          bool             `json:"enabled"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// GracePeriod returns the rule's grace period as a duration.
func (r *Rule) GracePeriod() time.Duration {
	return time.Duration(r.GracePeriodHours) * time.Hour
}

// Covers reports whether the rule may release b.
func (r *Rule) Covers(b *booking.Booking) bool {
	if !r.Enabled {
		return false
	}
	if r.CategoryID != "" && r.CategoryID != b.CategoryID {
		return false
	}
	if r.MaxAmount != nil && b.Amount.GreaterThan(*r.MaxAmount) {
		return false
	}
	return true
}

// Log is one recorded auto-release decision.
type Log struct {
	ID        string    `json:"id"`
	SweepID   string    `json:"sweepId"`
	BookingID string    `json:"bookingId"`
	RuleID    string    `json:"ruleId,omitempty"`
	Action    Action    `json:"action"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats summarises a sweep.
type Stats struct {
	ProcessedCount int `json:"processedCount"`
	SuccessCount   int `json:"successCount"`
	FailureCount   int `json:"failureCount"`
	SkippedCount   int `json:"skippedCount"`
}

// SweepResult is returned by Sweep and Trigger.
type SweepResult struct {
	SweepID    string `json:"sweepId"`
	Success    bool   `json:"success"`
	Stats      Stats  `json:"stats"`
	Logs       []*Log `json:"logs"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
	// Housekeeping done in the same pass.
	LapsedSelections int `json:"lapsedSelections"`
	ExpiredJobs      int `json:"expiredJobs"`
}

// Store persists rules and logs.
type Store interface {
	// EnsureRule inserts r unless a rule with the same name exists.
	EnsureRule(ctx context.Context, r *Rule) (created bool, err error)
	CreateRule(ctx context.Context, r *Rule) error
	GetRule(ctx context.Context, id string) (*Rule, error)
	ListRules(ctx context.Context) ([]*Rule, error)
	UpdateRule(ctx context.Context, r *Rule) error
	AddLog(ctx context.Context, l *Log) error
	// ListLogs returns newest first; bookingID filters when non-empty.
	ListLogs(ctx context.Context, bookingID string, limit int) ([]*Log, error)
}

// Bookings is the part of the booking lifecycle the scheduler drives.
type Bookings interface {
	Get(ctx context.Context, id string) (*booking.Booking, error)
	ListCompleted(ctx context.Context, after booking.Cursor, limit int) ([]*booking.Booking, error)
	AutoRelease(ctx context.Context, id string) (*booking.Booking, error)
}

// Housekeeper expires stale selections and postings on the sweep cadence.
type Housekeeper interface {
	ExpireSelections(ctx context.Context, now time.Time) (int, error)
	ExpireJobs(ctx context.Context, now time.Time) (int, error)
}

// Listener is notified of every recorded decision.
type Listener interface {
	AutoReleaseDecision(ctx context.Context, l *Log)
}

// sweepBatch is the page size of the completed-bookings scan.
const sweepBatch = 500

// Service runs sweeps and manages rules.
type Service struct {
	store        Store
	bookings     Bookings
	housekeeper  Housekeeper
	listeners    []Listener
	defaultGrace int
	batch        int
	logger       *slog.Logger
	now          func() time.Time
}

// NewService creates the scheduler.
func NewService(store Store, bookings Bookings, logger *slog.Logger) *Service {
	return &Service{
		store:        store,
		bookings:     bookings,
		defaultGrace: DefaultGracePeriodHours,
		batch:        sweepBatch,
		logger:       logger,
		now:          time.Now,
	}
}

// WithHousekeeper lets each sweep lapse selections and expire jobs.
func (s *Service) WithHousekeeper(h Housekeeper) *Service {
	s.housekeeper = h
	return s
}

// WithListener adds a decision listener.
func (s *Service) WithListener(l Listener) *Service {
	s.listeners = append(s.listeners, l)
	return s
}

// WithDefaultGrace sets the grace period of the bootstrap rule.
func (s *Service) WithDefaultGrace(hours int) *Service {
	if hours > 0 {
		s.defaultGrace = hours
	}
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// EnsureDefaultRules creates the bootstrap rule set if missing.
func (s *Service) EnsureDefaultRules(ctx context.Context) error {
	now := s.now().UTC()
	created, err := s.store.EnsureRule(ctx, &Rule{
		ID:               idgen.WithPrefix(idgen.PrefixRule),
		Name:             DefaultRuleName,
		GracePeriodHours: s.defaultGrace,
		Enabled:          true,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		return fmt.Errorf("ensure default rule: %w", err)
	}
	if created {
		s.logger.Info("created default auto-release rule", "name", DefaultRuleName, "grace_hours", s.defaultGrace)
	}
	return nil
}

// Sweep releases every completed booking whose grace period has passed.
func (s *Service) Sweep(ctx context.Context, trigger string) (*SweepResult, error) {
	start := s.now()
	ctx, span := traces.StartSpan(ctx, "autorelease.Sweep")
	res := &SweepResult{SweepID: idgen.WithPrefix(idgen.PrefixSweep), Logs: []*Log{}}
	metrics.AutoReleaseSweepsTotal.WithLabelValues(trigger).Inc()

	err := s.sweep(ctx, res, start)

	res.DurationMs = s.now().Sub(start).Milliseconds()
	metrics.AutoReleaseSweepDuration.Observe(s.now().Sub(start).Seconds())
	traces.End(span, err)
	if err != nil {
		res.Error = err.Error()
		s.logger.Error("auto-release sweep failed", "sweep_id", res.SweepID, "error", err, "duration_ms", res.DurationMs)
		return res, err
	}
	res.Success = true
	s.logger.Info("auto-release sweep finished",
		"sweep_id", res.SweepID,
		"trigger", trigger,
		"processed", res.Stats.ProcessedCount,
		"released", res.Stats.SuccessCount,
		"failed", res.Stats.FailureCount,
		"skipped", res.Stats.SkippedCount,
		"duration_ms", res.DurationMs)
	return res, nil
}

func (s *Service) sweep(ctx context.Context, res *SweepResult, now time.Time) error {
	if err := s.EnsureDefaultRules(ctx); err != nil {
		return err
	}

	if s.housekeeper != nil {
		if n, err := s.housekeeper.ExpireSelections(ctx, now); err != nil {
			s.logger.Warn("selection expiry failed during sweep", "error", err)
		} else {
			res.LapsedSelections = n
		}
		if n, err := s.housekeeper.ExpireJobs(ctx, now); err != nil {
			s.logger.Warn("job expiry failed during sweep", "error", err)
		} else {
			res.ExpiredJobs = n
		}
	}

	rules, err := s.store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	var cursor booking.Cursor
	for {
		page, err := s.bookings.ListCompleted(ctx, cursor, s.batch)
		if err != nil {
			return fmt.Errorf("list completed bookings: %w", err)
		}
		for _, b := range page {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.evaluate(ctx, res, rules, b, now)
		}
		if len(page) < s.batch {
			return nil
		}
		cursor = booking.CursorAfter(page[len(page)-1])
	}
}

func (s *Service) evaluate(ctx context.Context, res *SweepResult, rules []*Rule, b *booking.Booking, now time.Time) {
	res.Stats.ProcessedCount++

	rule := ApplicableRule(rules, b)
	if rule == nil {
		s.tally(res, &Log{SweepID: res.SweepID, BookingID: b.ID, Action: ActionSkipped, Reason: ReasonNoRule}, false)
		return
	}
	if b.CompletedAt == nil || now.Before(b.CompletedAt.Add(rule.GracePeriod())) {
		s.tally(res, &Log{SweepID: res.SweepID, BookingID: b.ID, RuleID: rule.ID, Action: ActionSkipped, Reason: ReasonNotDue}, false)
		return
	}
	s.tally(res, s.release(ctx, res.SweepID, b.ID, rule.ID), true)
}

// Trigger runs a manual release of one booking under the given rule (or
// the applicable one when ruleID is empty). The grace period is not
// checked: this is an operator action.
func (s *Service) Trigger(ctx context.Context, bookingID, ruleID string) (*SweepResult, error) {
	start := s.now()
	res := &SweepResult{SweepID: idgen.WithPrefix(idgen.PrefixSweep), Logs: []*Log{}}
	metrics.AutoReleaseSweepsTotal.WithLabelValues("manual").Inc()

	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	var rule *Rule
	if ruleID != "" {
		if rule, err = s.store.GetRule(ctx, ruleID); err != nil {
			return nil, err
		}
	} else {
		if err := s.EnsureDefaultRules(ctx); err != nil {
			return nil, err
		}
		rules, err := s.store.ListRules(ctx)
		if err != nil {
			return nil, err
		}
		rule = ApplicableRule(rules, b)
	}
	if rule != nil {
		ruleID = rule.ID
	}

	res.Stats.ProcessedCount = 1
	s.tally(res, s.release(ctx, res.SweepID, b.ID, ruleID), true)
	res.Success = true
	res.DurationMs = s.now().Sub(start).Milliseconds()
	return res, nil
}

// release asks the booking lifecycle to release and classifies the result.
func (s *Service) release(ctx context.Context, sweepID, bookingID, ruleID string) *Log {
	entry := &Log{SweepID: sweepID, BookingID: bookingID, RuleID: ruleID}
	b, err := s.bookings.AutoRelease(ctx, bookingID)
	switch {
	case err == nil:
		entry.Action = ActionReleased
		entry.Reason = "released " + money.Format(b.Amount) + " to " + b.WorkerID
	case errors.Is(err, booking.ErrSettled):
		entry.Action = ActionSkipped
		entry.Reason = ReasonTerminal
	case errors.Is(err, booking.ErrInvalidTransition), errors.Is(err, booking.ErrStatusConflict):
		// Disputed or otherwise moved since it was listed.
		entry.Action = ActionSkipped
		entry.Reason = ReasonNotEligible + ": " + err.Error()
	default:
		entry.Action = ActionFailed
		entry.Reason = err.Error()
	}
	return entry
}

// tally counts an outcome and, when persist is set, records it.
func (s *Service) tally(res *SweepResult, entry *Log, persist bool) {
	entry.Timestamp = s.now().UTC()
	switch entry.Action {
	case ActionReleased:
		res.Stats.SuccessCount++
	case ActionFailed:
		res.Stats.FailureCount++
	case ActionSkipped:
		res.Stats.SkippedCount++
	}
	metrics.AutoReleaseDecisionsTotal.WithLabelValues(string(entry.Action)).Inc()
	res.Logs = append(res.Logs, entry)

	if !persist {
		return
	}
	entry.ID = idgen.WithPrefix(idgen.PrefixReleaseLog)
	// Recording must outlive a cancelled sweep request.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.AddLog(ctx, entry); err != nil {
		s.logger.Warn("failed to record auto-release decision", "booking_id", entry.BookingID, "action", entry.Action, "error", err)
	}
	if entry.Action == ActionFailed {
		s.logger.Warn("auto-release failed", "booking_id", entry.BookingID, "reason", entry.Reason)
	}
	for _, l := range s.listeners {
		l.AutoReleaseDecision(ctx, entry)
	}
}

// ApplicableRule picks the rule for b: a category-specific rule beats the
// wildcard, and among equals the longest grace period wins.
func ApplicableRule(rules []*Rule, b *booking.Booking) *Rule {
	var best *Rule
	for _, r := range rules {
		if !r.Covers(b) {
			continue
		}
		if best == nil {
			best = r
			continue
		}
		specific, bestSpecific := r.CategoryID != "", best.CategoryID != ""
		if specific != bestSpecific {
			if specific {
				best = r
			}
			continue
		}
		if r.GracePeriodHours > best.GracePeriodHours {
			best = r
		}
	}
	return best
}

// ListRules returns every rule.
func (s *Service) ListRules(ctx context.Context) ([]*Rule, error) {
	return s.store.ListRules(ctx)
}

// ListLogs returns recorded decisions, newest first.
func (s *Service) ListLogs(ctx context.Context, bookingID string, limit int) ([]*Log, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListLogs(ctx, bookingID, limit)
}

// CreateRule adds a rule.
func (s *Service) CreateRule(ctx context.Context, name, categoryID string, graceHours int, maxAmount *decimal.Decimal) (*Rule, error) {
	if name == "" || graceHours <= 0 {
		return nil, fmt.Errorf("%w: name and positive grace period required", ErrInvalidRule)
	}
	if maxAmount != nil && !maxAmount.IsPositive() {
		return nil, fmt.Errorf("%w: maxAmount must be positive", ErrInvalidRule)
	}
	now := s.now().UTC()
	r := &Rule{
		ID:               idgen.WithPrefix(idgen.PrefixRule),
		Name:             name,
		GracePeriodHours: graceHours,
		CategoryID:       categoryID,
		MaxAmount:        maxAmount,
		Enabled:          true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateRule(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// RuleUpdate holds optional rule changes.
type RuleUpdate struct {
	Enabled          *bool
	GracePeriodHours *int
	MaxAmount        *decimal.Decimal
	ClearMaxAmount   bool
}

// UpdateRule applies changes to a rule.
func (s *Service) UpdateRule(ctx context.Context, id string, u RuleUpdate) (*Rule, error) {
	r, err := s.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Enabled != nil {
		r.Enabled = *u.Enabled
	}
	if u.GracePeriodHours != nil {
		if *u.GracePeriodHours <= 0 {
			return nil, fmt.Errorf("%w: grace period must be positive", ErrInvalidRule)
		}
		r.GracePeriodHours = *u.GracePeriodHours
	}
	if u.ClearMaxAmount {
		r.MaxAmount = nil
	} else if u.MaxAmount != nil {
		if !u.MaxAmount.IsPositive() {
			return nil, fmt.Errorf("%w: maxAmount must be positive", ErrInvalidRule)
		}
		r.MaxAmount = u.MaxAmount
	}
	r.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateRule(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}
