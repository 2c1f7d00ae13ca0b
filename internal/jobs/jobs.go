// Package jobs handles job postings and the worker selection round.
//
// A client selects one pending application; the worker then has a fixed
// window to accept (which books and funds the job) or decline. A selection
// left unanswered becomes unpicked, either lazily when it is next read or
// when the sweep runs, and the client may select someone else.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/errandly/internal/booking"
	"github.com/mbd888/errandly/internal/idgen"
	"github.com/mbd888/errandly/internal/metrics"
	"github.com/mbd888/errandly/internal/money"
	"github.com/mbd888/errandly/internal/syncutil"
	"github.com/mbd888/errandly/internal/traces"
)

var (
	ErrJobNotFound         = errors.New("job not found")
	ErrApplicationNotFound = errors.New("application not found")
	ErrJobNotOpen          = errors.New("job is not open")
	ErrAlreadyApplied      = errors.New("worker already applied to this job")
	ErrOwnJob              = errors.New("cannot apply to your own job")
	ErrSelectionInProgress = errors.New("another application is already selected")
	ErrWindowExpired       = errors.New("selection window has expired")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrStatusConflict      = errors.New("status changed concurrently")
	ErrForbidden           = errors.New("not allowed for this user")
	ErrInvalidJob          = errors.New("invalid job")
)

// DefaultSelectionWindow is how long a selected worker has to respond.
const DefaultSelectionWindow = 60 * time.Minute

// DefaultJobTTL is how long a posting stays open without an assignment.
const DefaultJobTTL = 7 * 24 * time.Hour

// JobStatus is the lifecycle position of a posting.
type JobStatus string

const (
	JobOpen       JobStatus = "open"
	JobAssigned   JobStatus = "assigned"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobCancelled  JobStatus = "cancelled"
	JobExpired    JobStatus = "expired"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobOpen:       {JobAssigned, JobCancelled, JobExpired},
	JobAssigned:   {JobInProgress, JobCompleted, JobCancelled},
	JobInProgress: {JobCompleted, JobCancelled},
}

// AppStatus is the lifecycle position of an application.
type AppStatus string

const (
	AppPending   AppStatus = "pending"
	AppSelected  AppStatus = "selected"
	AppAccepted  AppStatus = "accepted"
	AppDeclined  AppStatus = "declined"
	AppRejected  AppStatus = "rejected"
	AppWithdrawn AppStatus = "withdrawn"
	AppUnpicked  AppStatus = "unpicked"
)

var appTransitions = map[AppStatus][]AppStatus{
	AppPending:  {AppSelected, AppRejected, AppWithdrawn},
	AppSelected: {AppAccepted, AppDeclined, AppUnpicked},
}

func allowed[S comparable](table map[S][]S, from, to S) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionJob reports whether a posting may move from -> to.
func CanTransitionJob(from, to JobStatus) bool { return allowed(jobTransitions, from, to) }

// CanTransitionApplication reports whether an application may move from -> to.
func CanTransitionApplication(from, to AppStatus) bool { return allowed(appTransitions, from, to) }

// IsTerminal reports whether no transition leaves s.
func (s AppStatus) IsTerminal() bool { return len(appTransitions[s]) == 0 }

// Job is a client's posting.
type Job struct {
	ID             string          `json:"id"`
	ClientID       string          `json:"clientId"`
	CategoryID     string          `json:"categoryId"`
	Title          string          `json:"title"`
	Description    string          `json:"description,omitempty"`
	BudgetMin      decimal.Decimal `json:"budgetMin"`
	BudgetMax      decimal.Decimal `json:"budgetMax"`
	Status         JobStatus       `json:"status"`
	ApplicantCount int             `json:"applicantCount"`
	BookingID      string          `json:"bookingId,omitempty"`
	ExpiresAt      time.Time       `json:"expiresAt"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Application is a worker's bid for a job.
type Application struct {
	ID         string     `json:"id"`
	JobID      string     `json:"jobId"`
	WorkerID   string     `json:"workerId"`
	Status     AppStatus  `json:"status"`
	CoverNote  string     `json:"coverNote,omitempty"`
	AppliedAt  time.Time  `json:"appliedAt"`
	SelectedAt *time.Time `json:"selectedAt,omitempty"`
	AcceptedAt *time.Time `json:"acceptedAt,omitempty"`
	DeclinedAt *time.Time `json:"declinedAt,omitempty"`
	UnpickedAt *time.Time `json:"unpickedAt,omitempty"`
	BookingID  string     `json:"bookingId,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Deadline is when a selection lapses.
func (a *Application) Deadline(window time.Duration) time.Time {
	if a.SelectedAt == nil {
		return time.Time{}
	}
	return a.SelectedAt.Add(window)
}

// Store persists jobs and applications. Update methods are compare-and-set
// on the previous status and return ErrStatusConflict when it moved.
type Store interface {
	CreateJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListOpenJobs(ctx context.Context, categoryID string, limit int) ([]*Job, error)
	ListJobsByClient(ctx context.Context, clientID string, limit int) ([]*Job, error)
	ListJobsExpiringBefore(ctx context.Context, t time.Time) ([]*Job, error)
	UpdateJob(ctx context.Context, j *Job, from JobStatus) error

	// CreateApplication inserts the application and bumps the job's
	// applicant count. ErrAlreadyApplied on a second application.
	CreateApplication(ctx context.Context, a *Application) error
	GetApplication(ctx context.Context, id string) (*Application, error)
	ListApplications(ctx context.Context, jobID string) ([]*Application, error)
	ListApplicationsByWorker(ctx context.Context, workerID string, limit int) ([]*Application, error)
	ListSelectedBefore(ctx context.Context, t time.Time) ([]*Application, error)
	// UpdateApplication returns ErrSelectionInProgress if the write would
	// leave two live selections on one job.
	UpdateApplication(ctx context.Context, a *Application, from AppStatus) error
}

// Booker opens the booking for an accepted application.
type Booker interface {
	Create(ctx context.Context, req booking.CreateRequest) (*booking.Booking, error)
}

// Listener is notified after an application changes status.
type Listener interface {
	ApplicationChanged(ctx context.Context, a *Application, from AppStatus)
}

// PostJobRequest describes a new posting.
type PostJobRequest struct {
	ClientID    string
	CategoryID  string
	Title       string
	Description string
	BudgetMin   decimal.Decimal
	BudgetMax   decimal.Decimal
}

// Service implements job posting and selection.
type Service struct {
	store     Store
	booker    Booker
	window    time.Duration
	jobTTL    time.Duration
	locks     *syncutil.KeyLock
	listeners []Listener
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a jobs service. window is the acceptance window.
func NewService(store Store, booker Booker, window time.Duration, logger *slog.Logger) *Service {
	if window <= 0 {
		window = DefaultSelectionWindow
	}
	return &Service{
		store:  store,
		booker: booker,
		window: window,
		jobTTL: DefaultJobTTL,
		locks:  syncutil.NewKeyLock(),
		logger: logger,
		now:    time.Now,
	}
}

// WithJobTTL sets how long postings stay open.
func (s *Service) WithJobTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.jobTTL = ttl
	}
	return s
}

// WithListener adds an application status listener.
func (s *Service) WithListener(l Listener) *Service {
	s.listeners = append(s.listeners, l)
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Window returns the acceptance window.
func (s *Service) Window() time.Duration { return s.window }

// PostJob opens a new posting.
func (s *Service) PostJob(ctx context.Context, req PostJobRequest) (*Job, error) {
	if req.ClientID == "" || strings.TrimSpace(req.Title) == "" || req.CategoryID == "" {
		return nil, fmt.Errorf("%w: client, title and category required", ErrInvalidJob)
	}
	if !req.BudgetMin.IsPositive() || req.BudgetMax.LessThan(req.BudgetMin) {
		return nil, fmt.Errorf("%w: budget must satisfy 0 < min <= max", ErrInvalidJob)
	}

	now := s.now().UTC()
	j := &Job{
		ID:          idgen.WithPrefix(idgen.PrefixJob),
		ClientID:    req.ClientID,
		CategoryID:  req.CategoryID,
		Title:       req.Title,
		Description: req.Description,
		BudgetMin:   req.BudgetMin,
		BudgetMax:   req.BudgetMax,
		Status:      JobOpen,
		ExpiresAt:   now.Add(s.jobTTL),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.logger.Info("job posted", "job_id", j.ID, "client_id", j.ClientID, "budget_max", money.Format(j.BudgetMax))
	return j, nil
}

// GetJob returns a posting, expiring it first if its time is up.
func (s *Service) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status == JobOpen && !s.now().Before(j.ExpiresAt) {
		if expired, err := s.expireJob(ctx, id); err == nil {
			return expired, nil
		}
	}
	return j, nil
}

// ListOpenJobs returns open postings, optionally in one category.
func (s *Service) ListOpenJobs(ctx context.Context, categoryID string, limit int) ([]*Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	jobs, err := s.store.ListOpenJobs(ctx, categoryID, limit)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := jobs[:0]
	for _, j := range jobs {
		if now.Before(j.ExpiresAt) {
			out = append(out, j)
		}
	}
	return out, nil
}

// ListJobsByClient returns the client's postings, newest first.
func (s *Service) ListJobsByClient(ctx context.Context, clientID string, limit int) ([]*Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListJobsByClient(ctx, clientID, limit)
}

// CancelJob withdraws an open posting and rejects its pending applications.
func (s *Service) CancelJob(ctx context.Context, jobID, clientID string) (*Job, error) {
	unlock, err := s.locks.LockContext(ctx, jobID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.ClientID != clientID {
		return nil, ErrForbidden
	}
	if j.Status == JobCancelled {
		return j, nil
	}
	if j.Status != JobOpen {
		return nil, fmt.Errorf("%w: job is %s", ErrJobNotOpen, j.Status)
	}
	if live, err := s.liveSelection(ctx, jobID); err != nil {
		return nil, err
	} else if live != nil {
		return nil, ErrSelectionInProgress
	}

	if err := s.setJobStatus(ctx, j, JobCancelled); err != nil {
		return nil, err
	}
	s.rejectPending(ctx, jobID)
	return j, nil
}

// Apply submits a worker's application.
func (s *Service) Apply(ctx context.Context, jobID, workerID, coverNote string) (*Application, error) {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != JobOpen {
		return nil, ErrJobNotOpen
	}
	if j.ClientID == workerID {
		return nil, ErrOwnJob
	}

	now := s.now().UTC()
	a := &Application{
		ID:        idgen.WithPrefix(idgen.PrefixApplication),
		JobID:     jobID,
		WorkerID:  workerID,
		Status:    AppPending,
		CoverNote: coverNote,
		AppliedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateApplication(ctx, a); err != nil {
		return nil, err
	}
	s.notify(ctx, a, "")
	return a, nil
}

// GetApplication returns an application, lapsing an expired selection.
func (s *Service) GetApplication(ctx context.Context, id string) (*Application, error) {
	a, err := s.store.GetApplication(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.lapseIfDue(ctx, a), nil
}

// ListApplications returns a job's applications, lapsing expired selections.
func (s *Service) ListApplications(ctx context.Context, jobID string) ([]*Application, error) {
	apps, err := s.store.ListApplications(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for i, a := range apps {
		apps[i] = s.lapseIfDue(ctx, a)
	}
	return apps, nil
}

// ListApplicationsByWorker returns the worker's applications.
func (s *Service) ListApplicationsByWorker(ctx context.Context, workerID string, limit int) ([]*Application, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	apps, err := s.store.ListApplicationsByWorker(ctx, workerID, limit)
	if err != nil {
		return nil, err
	}
	for i, a := range apps {
		apps[i] = s.lapseIfDue(ctx, a)
	}
	return apps, nil
}

// Withdraw lets a worker pull a pending application.
func (s *Service) Withdraw(ctx context.Context, applicationID, workerID string) (*Application, error) {
	return s.updateApplication(ctx, applicationID, AppWithdrawn, func(j *Job, a *Application) error {
		if a.WorkerID != workerID {
			return ErrForbidden
		}
		return nil
	}, nil)
}

// Reject lets the client turn down a pending application.
func (s *Service) Reject(ctx context.Context, applicationID, clientID string) (*Application, error) {
	return s.updateApplication(ctx, applicationID, AppRejected, func(j *Job, a *Application) error {
		if j.ClientID != clientID {
			return ErrForbidden
		}
		return nil
	}, nil)
}

// Select starts the acceptance window for one pending application.
func (s *Service) Select(ctx context.Context, jobID, applicationID, clientID string) (*Application, error) {
	ctx, span := traces.StartSpan(ctx, "jobs.Select", traces.JobID(jobID), traces.UserID(clientID))
	var err error
	defer func() { traces.End(span, err) }()

	a, err := s.updateApplication(ctx, applicationID, AppSelected, func(j *Job, a *Application) error {
		if a.JobID != jobID {
			return ErrApplicationNotFound
		}
		if j.ClientID != clientID {
			return ErrForbidden
		}
		if j.Status != JobOpen {
			return ErrJobNotOpen
		}
		if !s.now().Before(j.ExpiresAt) {
			return fmt.Errorf("%w: job expired", ErrJobNotOpen)
		}
		live, err := s.liveSelection(ctx, jobID)
		if err != nil || live == nil || live.ID == a.ID {
			return err
		}
		now := s.now().UTC()
		if live.Status == AppSelected && !now.Before(live.Deadline(s.window)) {
			// The previous worker's window ran out unobserved.
			if err := s.markUnpicked(ctx, live, now); err != nil {
				return err
			}
			s.notify(ctx, live, AppSelected)
			return nil
		}
		return fmt.Errorf("%w: %s is %s", ErrSelectionInProgress, live.ID, live.Status)
	}, func(a *Application, now time.Time) {
		a.SelectedAt = &now
	})
	return a, err
}

// Accept books the job for the selected worker inside the window.
func (s *Service) Accept(ctx context.Context, applicationID, workerID string) (*Application, *booking.Booking, error) {
	ctx, span := traces.StartSpan(ctx, "jobs.Accept", traces.UserID(workerID))
	var err error
	defer func() { traces.End(span, err) }()

	var b *booking.Booking
	var selectedAt time.Time
	retried := false
	a, err := s.updateApplication(ctx, applicationID, AppAccepted, func(j *Job, a *Application) error {
		if a.WorkerID != workerID {
			return ErrForbidden
		}
		switch a.Status {
		case AppAccepted:
			// Retried accept: the booking lookup below is idempotent.
			retried = true
		case AppSelected:
			if j.Status != JobOpen {
				return ErrJobNotOpen
			}
			selectedAt = *a.SelectedAt
		default:
			return nil
		}
		// Money first: the booking holds the client's funds.
		var berr error
		b, berr = s.booker.Create(ctx, booking.CreateRequest{
			ClientID:      j.ClientID,
			WorkerID:      a.WorkerID,
			JobID:         j.ID,
			ApplicationID: a.ID,
			CategoryID:    j.CategoryID,
			Amount:        j.BudgetMax,
		})
		return berr
	}, func(a *Application, now time.Time) {
		a.AcceptedAt = &now
		a.BookingID = b.ID
	})
	if err != nil {
		return nil, nil, err
	}
	if retried {
		return a, b, nil
	}

	metrics.SelectionOutcomesTotal.WithLabelValues(string(AppAccepted)).Inc()
	metrics.SelectionResponseSeconds.Observe(a.AcceptedAt.Sub(selectedAt).Seconds())

	if err = s.assignJob(ctx, a.JobID, b.ID); err != nil {
		s.logger.Error("application accepted but job not assigned", "job_id", a.JobID, "booking_id", b.ID, "error", err)
		err = nil
	}
	return a, b, nil
}

// Decline hands the job back to the client for reselection.
func (s *Service) Decline(ctx context.Context, applicationID, workerID string) (*Application, error) {
	a, err := s.updateApplication(ctx, applicationID, AppDeclined, func(j *Job, a *Application) error {
		if a.WorkerID != workerID {
			return ErrForbidden
		}
		return nil
	}, func(a *Application, now time.Time) {
		a.DeclinedAt = &now
	})
	if err == nil {
		metrics.SelectionOutcomesTotal.WithLabelValues(string(AppDeclined)).Inc()
		if a.SelectedAt != nil && a.DeclinedAt != nil {
			metrics.SelectionResponseSeconds.Observe(a.DeclinedAt.Sub(*a.SelectedAt).Seconds())
		}
	}
	return a, err
}

// ExpireSelections marks every selection older than the window unpicked.
func (s *Service) ExpireSelections(ctx context.Context, now time.Time) (int, error) {
	apps, err := s.store.ListSelectedBefore(ctx, now.Add(-s.window))
	if err != nil {
		return 0, fmt.Errorf("list lapsed selections: %w", err)
	}
	n := 0
	for _, a := range apps {
		if _, err := s.unpick(ctx, a.ID, now); err == nil {
			n++
		} else if !errors.Is(err, ErrStatusConflict) && !errors.Is(err, ErrInvalidTransition) {
			s.logger.Warn("failed to unpick selection", "application_id", a.ID, "error", err)
		}
	}
	return n, nil
}

// ExpireJobs closes open postings past their expiry.
func (s *Service) ExpireJobs(ctx context.Context, now time.Time) (int, error) {
	jobs, err := s.store.ListJobsExpiringBefore(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expiring jobs: %w", err)
	}
	n := 0
	for _, j := range jobs {
		if _, err := s.expireJob(ctx, j.ID); err == nil {
			n++
		} else if !errors.Is(err, ErrSelectionInProgress) && !errors.Is(err, ErrJobNotOpen) {
			s.logger.Warn("failed to expire job", "job_id", j.ID, "error", err)
		}
	}
	return n, nil
}

// SyncBookingStatus moves the posting along with its booking.
func (s *Service) SyncBookingStatus(ctx context.Context, b *booking.Booking) error {
	if b.JobID == "" {
		return nil
	}
	var to JobStatus
	switch b.Status {
	case booking.StatusInProgress:
		to = JobInProgress
	case booking.StatusReleased:
		to = JobCompleted
	case booking.StatusCancelled, booking.StatusRefunded:
		to = JobCancelled
	default:
		return nil
	}

	unlock, err := s.locks.LockContext(ctx, b.JobID)
	if err != nil {
		return err
	}
	defer unlock()

	j, err := s.store.GetJob(ctx, b.JobID)
	if err != nil {
		return err
	}
	if j.Status == to {
		return nil
	}
	if !CanTransitionJob(j.Status, to) {
		return fmt.Errorf("%w: job %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	return s.setJobStatus(ctx, j, to)
}

// BookingChanged keeps postings in step with booking transitions.
func (s *Service) BookingChanged(ctx context.Context, b *booking.Booking, _ booking.Status) {
	if err := s.SyncBookingStatus(ctx, b); err != nil {
		s.logger.Warn("job status sync failed", "job_id", b.JobID, "booking_id", b.ID, "error", err)
	}
}

// updateApplication runs one application transition under the job lock.
// check may return nil with the application already at to for retries.
func (s *Service) updateApplication(ctx context.Context, applicationID string, to AppStatus,
	check func(j *Job, a *Application) error, apply func(a *Application, now time.Time)) (*Application, error) {

	a, err := s.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.LockContext(ctx, a.JobID)
	if err != nil {
		return nil, err
	}

	// Re-read under the lock.
	a, err = s.store.GetApplication(ctx, applicationID)
	if err != nil {
		unlock()
		return nil, err
	}
	j, err := s.store.GetJob(ctx, a.JobID)
	if err != nil {
		unlock()
		return nil, err
	}

	now := s.now().UTC()
	if a.Status == AppSelected && to != AppUnpicked && !now.Before(a.Deadline(s.window)) {
		if err := s.markUnpicked(ctx, a, now); err != nil {
			unlock()
			return nil, err
		}
		unlock()
		s.notify(ctx, a, AppSelected)
		if to == AppAccepted || to == AppDeclined {
			return nil, ErrWindowExpired
		}
		return nil, fmt.Errorf("%w: application is %s", ErrInvalidTransition, AppUnpicked)
	}

	if a.Status == AppUnpicked && (to == AppAccepted || to == AppDeclined) {
		unlock()
		return nil, ErrWindowExpired
	}
	if err := check(j, a); err != nil {
		unlock()
		return nil, err
	}
	if a.Status == to {
		unlock()
		return a, nil
	}
	if !CanTransitionApplication(a.Status, to) {
		unlock()
		return nil, fmt.Errorf("%w: application is %s", ErrInvalidTransition, a.Status)
	}

	from := a.Status
	a.Status = to
	a.UpdatedAt = now
	if apply != nil {
		apply(a, now)
	}
	if err := s.store.UpdateApplication(ctx, a, from); err != nil {
		unlock()
		return nil, err
	}
	unlock()

	s.logger.Info("application transitioned", "application_id", a.ID, "job_id", a.JobID, "from", from, "to", to)
	s.notify(ctx, a, from)
	return a, nil
}

// lapseIfDue returns a, unpicking it first if its window has passed.
func (s *Service) lapseIfDue(ctx context.Context, a *Application) *Application {
	now := s.now().UTC()
	if a.Status != AppSelected || now.Before(a.Deadline(s.window)) {
		return a
	}
	lapsed, err := s.unpick(ctx, a.ID, now)
	if err != nil {
		if fresh, gerr := s.store.GetApplication(ctx, a.ID); gerr == nil {
			return fresh
		}
		return a
	}
	return lapsed
}

func (s *Service) unpick(ctx context.Context, applicationID string, now time.Time) (*Application, error) {
	a, err := s.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	unlock, err := s.locks.LockContext(ctx, a.JobID)
	if err != nil {
		return nil, err
	}
	a, err = s.store.GetApplication(ctx, applicationID)
	if err != nil {
		unlock()
		return nil, err
	}
	if a.Status != AppSelected {
		unlock()
		return nil, fmt.Errorf("%w: application is %s", ErrInvalidTransition, a.Status)
	}
	if now.Before(a.Deadline(s.window)) {
		unlock()
		return a, nil
	}
	if err := s.markUnpicked(ctx, a, now); err != nil {
		unlock()
		return nil, err
	}
	unlock()
	s.notify(ctx, a, AppSelected)
	return a, nil
}

// markUnpicked writes selected -> unpicked. Caller holds the job lock.
func (s *Service) markUnpicked(ctx context.Context, a *Application, now time.Time) error {
	a.Status = AppUnpicked
	a.UnpickedAt = &now
	a.UpdatedAt = now
	if err := s.store.UpdateApplication(ctx, a, AppSelected); err != nil {
		return err
	}
	metrics.SelectionOutcomesTotal.WithLabelValues(string(AppUnpicked)).Inc()
	s.logger.Info("selection lapsed", "application_id", a.ID, "job_id", a.JobID, "worker_id", a.WorkerID)
	return nil
}

func (s *Service) liveSelection(ctx context.Context, jobID string) (*Application, error) {
	apps, err := s.store.ListApplications(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for _, a := range apps {
		if a.Status == AppSelected || a.Status == AppAccepted {
			return a, nil
		}
	}
	return nil, nil
}

func (s *Service) assignJob(ctx context.Context, jobID, bookingID string) error {
	unlock, err := s.locks.LockContext(ctx, jobID)
	if err != nil {
		return err
	}
	defer unlock()

	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != JobOpen {
		return nil
	}
	j.BookingID = bookingID
	if err := s.setJobStatus(ctx, j, JobAssigned); err != nil {
		return err
	}
	s.rejectPending(ctx, jobID)
	return nil
}

func (s *Service) expireJob(ctx context.Context, jobID string) (*Job, error) {
	unlock, err := s.locks.LockContext(ctx, jobID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != JobOpen || s.now().Before(j.ExpiresAt) {
		return nil, ErrJobNotOpen
	}
	if live, err := s.liveSelection(ctx, jobID); err != nil {
		return nil, err
	} else if live != nil && live.Status == AppSelected && s.now().Before(live.Deadline(s.window)) {
		// Let the worker answer first.
		return nil, ErrSelectionInProgress
	}
	if err := s.setJobStatus(ctx, j, JobExpired); err != nil {
		return nil, err
	}
	s.rejectPending(ctx, jobID)
	return j, nil
}

// setJobStatus writes a job transition. Caller holds the job lock.
func (s *Service) setJobStatus(ctx context.Context, j *Job, to JobStatus) error {
	if !CanTransitionJob(j.Status, to) {
		return fmt.Errorf("%w: job %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	from := j.Status
	j.Status = to
	j.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateJob(ctx, j, from); err != nil {
		return err
	}
	s.logger.Info("job transitioned", "job_id", j.ID, "from", from, "to", to)
	return nil
}

// rejectPending closes out pending applications once a job leaves open.
// Caller holds the job lock.
func (s *Service) rejectPending(ctx context.Context, jobID string) {
	apps, err := s.store.ListApplications(ctx, jobID)
	if err != nil {
		s.logger.Warn("failed to list applications to reject", "job_id", jobID, "error", err)
		return
	}
	now := s.now().UTC()
	for _, a := range apps {
		if a.Status != AppPending {
			continue
		}
		a.Status = AppRejected
		a.UpdatedAt = now
		if err := s.store.UpdateApplication(ctx, a, AppPending); err != nil {
			s.logger.Warn("failed to reject application", "application_id", a.ID, "error", err)
			continue
		}
		s.notify(ctx, a, AppPending)
	}
}

func (s *Service) notify(ctx context.Context, a *Application, from AppStatus) {
	for _, l := range s.listeners {
		cp := *a
		l.ApplicationChanged(ctx, &cp, from)
	}
}
