// Package booking runs a booking from funded confirmation to settlement.
//
// Every transition that moves money calls escrow first and then writes the
// new status with a compare-and-set on the previous one. Escrow calls are
// idempotent per booking, so a request that dies between the two writes is
// healed by simply retrying it.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/errandly/internal/escrow"
	"github.com/mbd888/errandly/internal/idgen"
	"github.com/mbd888/errandly/internal/ledger"
	"github.com/mbd888/errandly/internal/metrics"
	"github.com/mbd888/errandly/internal/money"
	"github.com/mbd888/errandly/internal/syncutil"
	"github.com/mbd888/errandly/internal/traces"
)

var (
	ErrBookingNotFound   = errors.New("booking not found")
	ErrInvalidTransition = errors.New("invalid booking status transition")
	ErrStatusConflict    = errors.New("booking status changed concurrently")
	ErrForbidden         = errors.New("not a party to this booking")
	ErrInvalidRequest    = errors.New("invalid booking request")
	ErrInvalidRating     = errors.New("rating must be between 1 and 5")
	ErrSettled           = errors.New("booking already settled")
	ErrDuplicateReview   = errors.New("booking already reviewed")
	ErrHoldHasBooking    = errors.New("hold belongs to a recorded booking")
	ErrHoldTooRecent     = errors.New("hold is too recent to refund")
)

// DefaultOrphanHoldAge is how old a hold with no booking must be before it
// can be refunded.
const DefaultOrphanHoldAge = 15 * time.Minute

// Status is the lifecycle position of a booking.
type Status string

const (
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusReleased   Status = "released"
	StatusDisputed   Status = "disputed"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

var transitions = map[Status][]Status{
	StatusConfirmed:  {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusDisputed},
	StatusCompleted:  {StatusReleased, StatusDisputed},
	StatusDisputed:   {StatusReleased, StatusRefunded},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// PaymentStatus mirrors the escrow position of the booking.
type PaymentStatus string

const (
	PaymentHeld     PaymentStatus = "held"
	PaymentReleased PaymentStatus = "released"
	PaymentRefunded PaymentStatus = "refunded"
	PaymentFailed   PaymentStatus = "failed"
)

// Dispute resolutions.
const (
	ResolutionRelease = "release"
	ResolutionRefund  = "refund"
)

// Booking is a funded engagement between a client and a worker.
type Booking struct {
	ID            string          `json:"id"`
	ClientID      string          `json:"clientId"`
	WorkerID      string          `json:"workerId"`
	JobID         string          `json:"jobId,omitempty"`
	ApplicationID string          `json:"applicationId,omitempty"`
	CategoryID    string          `json:"categoryId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        Status          `json:"status"`
	PaymentStatus PaymentStatus   `json:"paymentStatus"`
	DisputeReason string          `json:"disputeReason,omitempty"`
	Resolution    string          `json:"resolution,omitempty"`
	Rating        int             `json:"rating,omitempty"`
	Review        string          `json:"review,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	StartedAt     *time.Time      `json:"startedAt,omitempty"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	ConfirmedAt   *time.Time      `json:"confirmedAt,omitempty"`
	ResolvedAt    *time.Time      `json:"resolvedAt,omitempty"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// IsParty reports whether userID is the client or the worker.
func (b *Booking) IsParty(userID string) bool {
	return userID != "" && (b.ClientID == userID || b.WorkerID == userID)
}

// Review is the client's feedback on a released booking.
type Review struct {
	BookingID string    `json:"bookingId"`
	WorkerID  string    `json:"workerId"`
	ClientID  string    `json:"clientId"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists bookings.
type Store interface {
	Create(ctx context.Context, b *Booking) error
	Get(ctx context.Context, id string) (*Booking, error)
	GetByApplication(ctx context.Context, applicationID string) (*Booking, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Booking, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Booking, error)
	ListByPaymentStatus(ctx context.Context, ps PaymentStatus) ([]*Booking, error)
	// ListCompleted pages through completed bookings ordered by
	// (completedAt, id), starting after the cursor.
	ListCompleted(ctx context.Context, after Cursor, limit int) ([]*Booking, error)
	// Update writes b only if the stored status still equals from,
	// otherwise it returns ErrStatusConflict.
	Update(ctx context.Context, b *Booking, from Status) error
}

// Cursor is a position in the completed-bookings scan. The zero value
// starts from the beginning.
type Cursor struct {
	CompletedAt time.Time
	ID          string
}

// CursorAfter returns the cursor that continues a scan after b.
func CursorAfter(b *Booking) Cursor {
	c := Cursor{ID: b.ID}
	if b.CompletedAt != nil {
		c.CompletedAt = *b.CompletedAt
	}
	return c
}

// ReviewStore persists reviews.
type ReviewStore interface {
	AddReview(ctx context.Context, r *Review) error
	ListReviews(ctx context.Context, workerID string, limit int) ([]*Review, error)
}

// Escrow is the money API bookings drive.
type Escrow interface {
	Hold(ctx context.Context, bookingID, payerID string, amount decimal.Decimal) (*escrow.Result, error)
	Release(ctx context.Context, bookingID, payerID, payeeID string, amount decimal.Decimal) (*escrow.Result, error)
	Refund(ctx context.Context, bookingID, payerID string, amount decimal.Decimal) (*escrow.Result, error)
	VerifyHold(ctx context.Context, bookingID, payerID string, amount decimal.Decimal) error
	GetHold(ctx context.Context, bookingID string) (*ledger.Transaction, error)
}

// Listener is notified after a booking is created or changes status.
// from is empty on creation.
type Listener interface {
	BookingChanged(ctx context.Context, b *Booking, from Status)
}

// Outcome is a transition result plus non-fatal warnings.
type Outcome struct {
	Booking  *Booking `json:"booking"`
	Warnings []string `json:"warnings,omitempty"`
}

// CreateRequest opens a booking. ID is optional; callers that retry should
// pass the same ID so the hold is recognised.
type CreateRequest struct {
	ID            string
	ClientID      string
	WorkerID      string
	JobID         string
	ApplicationID string
	CategoryID    string
	Amount        decimal.Decimal
}

// Service implements the booking lifecycle.
type Service struct {
	store     Store
	reviews   ReviewStore
	escrow    Escrow
	listeners []Listener
	locks     *syncutil.KeyLock
	orphanAge time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a booking service.
func NewService(store Store, esc Escrow, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		escrow:    esc,
		locks:     syncutil.NewKeyLock(),
		orphanAge: DefaultOrphanHoldAge,
		logger:    logger,
		now:       time.Now,
	}
}

// WithReviews stores client reviews after release.
func (s *Service) WithReviews(r ReviewStore) *Service {
	s.reviews = r
	return s
}

// WithListener adds a status change listener.
func (s *Service) WithListener(l Listener) *Service {
	s.listeners = append(s.listeners, l)
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ApplicationBookingID is the booking id used for an accepted application.
// Deterministic so a retried accept finds the hold it already placed.
func ApplicationBookingID(applicationID string) string {
	return idgen.PrefixBooking + strings.TrimPrefix(applicationID, idgen.PrefixApplication)
}

// Create holds the client's funds and records the booking as confirmed.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Booking, error) {
	if req.ClientID == "" || req.WorkerID == "" {
		return nil, fmt.Errorf("%w: client and worker required", ErrInvalidRequest)
	}
	if req.ClientID == req.WorkerID {
		return nil, fmt.Errorf("%w: cannot book yourself", ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}

	id := req.ID
	if id == "" && req.ApplicationID != "" {
		id = ApplicationBookingID(req.ApplicationID)
	}
	if id == "" {
		id = idgen.WithPrefix(idgen.PrefixBooking)
	}

	ctx, span := traces.StartSpan(ctx, "booking.Create",
		traces.BookingID(id), traces.UserID(req.ClientID), traces.Amount(money.Format(req.Amount)))
	var err error
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}

	if existing, getErr := s.store.Get(ctx, id); getErr == nil {
		unlock()
		if req.ApplicationID != "" && existing.ApplicationID == req.ApplicationID {
			return existing, nil
		}
		err = escrow.ErrAlreadyHeld
		return nil, err
	} else if !errors.Is(getErr, ErrBookingNotFound) {
		unlock()
		err = getErr
		return nil, err
	}

	_, err = s.escrow.Hold(ctx, id, req.ClientID, req.Amount)
	if errors.Is(err, escrow.ErrAlreadyHeld) {
		// Hold landed but the record did not: finish the earlier attempt,
		// but only if that hold is this client's, for this amount.
		if verifyErr := s.escrow.VerifyHold(ctx, id, req.ClientID, req.Amount); verifyErr == nil {
			s.logger.Warn("completing booking whose hold outlived its record", "booking_id", id)
			err = nil
		} else {
			s.logger.Warn("refusing booking over a foreign or settled hold", "booking_id", id, "client_id", req.ClientID, "error", verifyErr)
			err = fmt.Errorf("%w: %w", escrow.ErrAlreadyHeld, verifyErr)
		}
	}
	if err != nil {
		unlock()
		return nil, err
	}

	now := s.now().UTC()
	b := &Booking{
		ID:            id,
		ClientID:      req.ClientID,
		WorkerID:      req.WorkerID,
		JobID:         req.JobID,
		ApplicationID: req.ApplicationID,
		CategoryID:    req.CategoryID,
		Amount:        req.Amount,
		Currency:      money.Currency,
		Status:        StatusConfirmed,
		PaymentStatus: PaymentHeld,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err = s.store.Create(ctx, b); err != nil {
		unlock()
		s.logger.Error("CRITICAL: funds held but booking not recorded",
			"booking_id", id, "client_id", req.ClientID, "amount", money.Format(req.Amount), "error", err)
		return nil, fmt.Errorf("record booking %s: %w", id, err)
	}
	unlock()

	metrics.BookingTransitionsTotal.WithLabelValues("", string(StatusConfirmed)).Inc()
	s.logger.Info("booking created", "booking_id", id, "client_id", b.ClientID, "worker_id", b.WorkerID, "amount", money.Format(b.Amount))
	s.notify(ctx, b, "")
	return b, nil
}

// RefundOrphanHold returns a hold that never became a booking to its
// payer. userID must be the payer; an empty userID is an operator. It runs
// under the same per-booking lock as Create, so a booking cannot be
// recorded over a hold being refunded.
func (s *Service) RefundOrphanHold(ctx context.Context, id, userID string) (*escrow.Result, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := s.store.Get(ctx, id); err == nil {
		return nil, fmt.Errorf("%w: cancel or dispute booking %s instead", ErrHoldHasBooking, id)
	} else if !errors.Is(err, ErrBookingNotFound) {
		return nil, err
	}

	hold, err := s.escrow.GetHold(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && hold.UserID != userID {
		return nil, fmt.Errorf("%w: hold was placed by another wallet", ErrForbidden)
	}
	if age := s.now().Sub(hold.CreatedAt); age < s.orphanAge {
		return nil, fmt.Errorf("%w: retry in %s", ErrHoldTooRecent, (s.orphanAge - age).Round(time.Second))
	}

	res, err := s.escrow.Refund(ctx, id, hold.UserID, hold.Amount)
	if err != nil {
		return nil, err
	}
	if !res.Replayed {
		operator := userID == ""
		s.logger.Warn("refunded hold without booking", "booking_id", id, "payer_id", hold.UserID,
			"amount", money.Format(hold.Amount), "by_operator", operator)
	}
	return res, nil
}

// Get returns a booking by ID.
func (s *Service) Get(ctx context.Context, id string) (*Booking, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns bookings where userID is client or worker.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Booking, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// ListByStatus returns bookings in a status, oldest first.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Booking, error) {
	return s.store.ListByStatus(ctx, status, limit)
}

// ListCompleted returns up to limit completed bookings after the cursor,
// oldest completion first.
func (s *Service) ListCompleted(ctx context.Context, after Cursor, limit int) ([]*Booking, error) {
	return s.store.ListCompleted(ctx, after, limit)
}

// ListHeld returns bookings whose funds are still in escrow.
func (s *Service) ListHeld(ctx context.Context) ([]*Booking, error) {
	return s.store.ListByPaymentStatus(ctx, PaymentHeld)
}

// Reviews lists a worker's reviews, newest first.
func (s *Service) Reviews(ctx context.Context, workerID string, limit int) ([]*Review, error) {
	if s.reviews == nil {
		return []*Review{}, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.reviews.ListReviews(ctx, workerID, limit)
}

// Start is called by the worker when work begins.
func (s *Service) Start(ctx context.Context, id, workerID string) (*Booking, error) {
	out, err := s.transition(ctx, id, StatusInProgress, step{
		check: func(b *Booking) (bool, error) {
			if b.WorkerID != workerID {
				return false, ErrForbidden
			}
			return b.Status == StatusInProgress, nil
		},
		apply: func(b *Booking, now time.Time) { b.StartedAt = &now },
	})
	return bookingOf(out), err
}

// MarkComplete is called by the worker when the work is done. It starts
// the auto-release grace period.
func (s *Service) MarkComplete(ctx context.Context, id, workerID string) (*Booking, error) {
	out, err := s.transition(ctx, id, StatusCompleted, step{
		check: func(b *Booking) (bool, error) {
			if b.WorkerID != workerID {
				return false, ErrForbidden
			}
			return b.Status == StatusCompleted, nil
		},
		apply: func(b *Booking, now time.Time) { b.CompletedAt = &now },
	})
	return bookingOf(out), err
}

// ConfirmCompletion releases payment to the worker and records the client's
// rating. If the booking was already released (for example by the
// auto-release sweep) the released booking is returned without error.
func (s *Service) ConfirmCompletion(ctx context.Context, id, clientID string, rating int, review string) (*Outcome, error) {
	if rating < 1 || rating > 5 {
		return nil, ErrInvalidRating
	}
	out, err := s.transition(ctx, id, StatusReleased, step{
		check: func(b *Booking) (bool, error) {
			if b.ClientID != clientID {
				return false, ErrForbidden
			}
			if b.Status == StatusReleased {
				return true, nil
			}
			if b.Status != StatusCompleted {
				return false, fmt.Errorf("%w: booking is %s, not completed", ErrInvalidTransition, b.Status)
			}
			return false, nil
		},
		money: s.release,
		apply: func(b *Booking, now time.Time) {
			b.ConfirmedAt = &now
			b.PaymentStatus = PaymentReleased
			b.Rating = rating
			b.Review = review
		},
	})
	if err != nil || out.skipped {
		return outcomeOf(out), err
	}

	outcome := outcomeOf(out)
	if warn := s.addReview(ctx, out.booking, rating, review); warn != "" {
		outcome.Warnings = append(outcome.Warnings, warn)
	}
	return outcome, nil
}

// RaiseDispute freezes a booking; funds stay held until ResolveDispute.
func (s *Service) RaiseDispute(ctx context.Context, id, userID, reason string) (*Booking, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: dispute reason required", ErrInvalidRequest)
	}
	out, err := s.transition(ctx, id, StatusDisputed, step{
		check: func(b *Booking) (bool, error) {
			if !b.IsParty(userID) {
				return false, ErrForbidden
			}
			return b.Status == StatusDisputed, nil
		},
		apply: func(b *Booking, _ time.Time) { b.DisputeReason = reason },
	})
	return bookingOf(out), err
}

// Cancel refunds the client. Allowed for either party before work starts.
func (s *Service) Cancel(ctx context.Context, id, userID string) (*Booking, error) {
	out, err := s.transition(ctx, id, StatusCancelled, step{
		check: func(b *Booking) (bool, error) {
			if !b.IsParty(userID) {
				return false, ErrForbidden
			}
			return b.Status == StatusCancelled, nil
		},
		money: s.refund,
		apply: func(b *Booking, now time.Time) {
			b.PaymentStatus = PaymentRefunded
			b.ResolvedAt = &now
		},
	})
	return bookingOf(out), err
}

// ResolveDispute applies an operator decision to a disputed booking.
func (s *Service) ResolveDispute(ctx context.Context, id, resolution string) (*Booking, error) {
	var to Status
	var moveMoney func(context.Context, *Booking) error
	var ps PaymentStatus
	switch resolution {
	case ResolutionRelease:
		to, moveMoney, ps = StatusReleased, s.release, PaymentReleased
	case ResolutionRefund:
		to, moveMoney, ps = StatusRefunded, s.refund, PaymentRefunded
	default:
		return nil, fmt.Errorf("%w: resolution must be %q or %q", ErrInvalidRequest, ResolutionRelease, ResolutionRefund)
	}

	out, err := s.transition(ctx, id, to, step{
		check: func(b *Booking) (bool, error) {
			if b.Status == to && b.Resolution == resolution {
				return true, nil
			}
			if b.Status != StatusDisputed {
				return false, fmt.Errorf("%w: booking is %s, not disputed", ErrInvalidTransition, b.Status)
			}
			return false, nil
		},
		money: moveMoney,
		apply: func(b *Booking, now time.Time) {
			b.Resolution = resolution
			b.PaymentStatus = ps
			b.ResolvedAt = &now
		},
	})
	return bookingOf(out), err
}

// AutoRelease releases a completed booking on the scheduler's behalf.
// A booking that is already settled yields ErrSettled.
func (s *Service) AutoRelease(ctx context.Context, id string) (*Booking, error) {
	out, err := s.transition(ctx, id, StatusReleased, step{
		check: func(b *Booking) (bool, error) {
			if b.Status.IsTerminal() {
				return false, fmt.Errorf("%w: booking is %s", ErrSettled, b.Status)
			}
			if b.Status != StatusCompleted {
				return false, fmt.Errorf("%w: booking is %s, not completed", ErrInvalidTransition, b.Status)
			}
			return false, nil
		},
		money: s.release,
		apply: func(b *Booking, now time.Time) {
			b.ConfirmedAt = &now
			b.PaymentStatus = PaymentReleased
		},
	})
	return bookingOf(out), err
}

func (s *Service) release(ctx context.Context, b *Booking) error {
	_, err := s.escrow.Release(ctx, b.ID, b.ClientID, b.WorkerID, b.Amount)
	return err
}

func (s *Service) refund(ctx context.Context, b *Booking) error {
	_, err := s.escrow.Refund(ctx, b.ID, b.ClientID, b.Amount)
	return err
}

// step describes one transition. check authorises the caller and returns
// true when the booking is already in the target state (an idempotent
// retry). money runs before the status write.
type step struct {
	check func(b *Booking) (already bool, err error)
	money func(ctx context.Context, b *Booking) error
	apply func(b *Booking, now time.Time)
}

type transitionResult struct {
	booking *Booking
	skipped bool
}

func (s *Service) transition(ctx context.Context, id string, to Status, st step) (*transitionResult, error) {
	ctx, span := traces.StartSpan(ctx, "booking."+string(to), traces.BookingID(id))
	var err error
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}

	b, err := s.store.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}

	already, err := st.check(b)
	if err != nil {
		unlock()
		return nil, err
	}
	if already {
		unlock()
		return &transitionResult{booking: b, skipped: true}, nil
	}
	if !CanTransition(b.Status, to) {
		unlock()
		err = fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, to)
		return nil, err
	}

	if st.money != nil {
		if err = st.money(ctx, b); err != nil {
			unlock()
			err = fmt.Errorf("%s booking %s: %w", to, id, err)
			return nil, err
		}
	}

	from := b.Status
	now := s.now().UTC()
	b.Status = to
	b.UpdatedAt = now
	if st.apply != nil {
		st.apply(b, now)
	}

	if err = s.store.Update(ctx, b, from); err != nil {
		if st.money != nil && !errors.Is(err, ErrStatusConflict) {
			// Money moved; one more attempt before handing back to the caller.
			err = s.store.Update(ctx, b, from)
		}
		if err != nil {
			unlock()
			if st.money != nil {
				s.logger.Error("CRITICAL: escrow settled but booking status not updated",
					"booking_id", id, "from", from, "to", to, "error", err)
			}
			return nil, fmt.Errorf("update booking %s: %w", id, err)
		}
	}
	unlock()

	metrics.BookingTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	s.logger.Info("booking transitioned", "booking_id", id, "from", from, "to", to)
	s.notify(ctx, b, from)
	return &transitionResult{booking: b}, nil
}

func (s *Service) addReview(ctx context.Context, b *Booking, rating int, comment string) string {
	if s.reviews == nil {
		return ""
	}
	err := s.reviews.AddReview(ctx, &Review{
		BookingID: b.ID,
		WorkerID:  b.WorkerID,
		ClientID:  b.ClientID,
		Rating:    rating,
		Comment:   comment,
		CreatedAt: s.now().UTC(),
	})
	if err == nil || errors.Is(err, ErrDuplicateReview) {
		return ""
	}
	s.logger.Warn("review not saved", "booking_id", b.ID, "error", err)
	return "payment released but the review could not be saved"
}

func (s *Service) notify(ctx context.Context, b *Booking, from Status) {
	for _, l := range s.listeners {
		cp := *b
		l.BookingChanged(ctx, &cp, from)
	}
}

func bookingOf(r *transitionResult) *Booking {
	if r == nil {
		return nil
	}
	return r.booking
}

func outcomeOf(r *transitionResult) *Outcome {
	if r == nil {
		return nil
	}
	return &Outcome{Booking: r.booking}
}
