package realtime

import (
	"context"
	"time"

	"github.com/mbd888/errandly/internal/autorelease"
	"github.com/mbd888/errandly/internal/booking"
	"github.com/mbd888/errandly/internal/jobs"
	"github.com/mbd888/errandly/internal/money"
)

// JobLookup resolves the client who posted a job.
type JobLookup interface {
	GetJob(ctx context.Context, id string) (*jobs.Job, error)
}

// BookingLookup resolves the parties to a booking.
type BookingLookup interface {
	Get(ctx context.Context, id string) (*booking.Booking, error)
}

// Notifier turns service callbacks into hub events. Lookups are optional;
// without them events reach only the users named on the record itself.
type Notifier struct {
	hub      *Hub
	jobs     JobLookup
	bookings BookingLookup
	now      func() time.Time
}

// NewNotifier creates a notifier broadcasting on hub.
func NewNotifier(hub *Hub, jobs JobLookup, bookings BookingLookup) *Notifier {
	return &Notifier{hub: hub, jobs: jobs, bookings: bookings, now: time.Now}
}

// BookingChanged implements booking.Listener.
func (n *Notifier) BookingChanged(_ context.Context, b *booking.Booking, from booking.Status) {
	n.hub.Broadcast(&Event{
		Type:      EventBookingStatus,
		Timestamp: n.now(),
		Users:     []string{b.ClientID, b.WorkerID},
		BookingID: b.ID,
		Data: map[string]any{
			"bookingId":     b.ID,
			"from":          string(from),
			"status":        string(b.Status),
			"paymentStatus": string(b.PaymentStatus),
			"amount":        money.Format(b.Amount),
		},
	})
}

// ApplicationChanged implements jobs.Listener.
func (n *Notifier) ApplicationChanged(ctx context.Context, a *jobs.Application, from jobs.AppStatus) {
	users := []string{a.WorkerID}
	if n.jobs != nil {
		if j, err := n.jobs.GetJob(ctx, a.JobID); err == nil {
			users = append(users, j.ClientID)
		}
	}
	data := map[string]any{
		"applicationId": a.ID,
		"jobId":         a.JobID,
		"from":          string(from),
		"status":        string(a.Status),
	}
	if a.BookingID != "" {
		data["bookingId"] = a.BookingID
	}
	n.hub.Broadcast(&Event{
		Type:      EventApplicationStatus,
		Timestamp: n.now(),
		Users:     users,
		BookingID: a.BookingID,
		Data:      data,
	})
}

// AutoReleaseDecision implements autorelease.Listener.
func (n *Notifier) AutoReleaseDecision(ctx context.Context, l *autorelease.Log) {
	var users []string
	if n.bookings != nil {
		if b, err := n.bookings.Get(ctx, l.BookingID); err == nil {
			users = []string{b.ClientID, b.WorkerID}
		}
	}
	n.hub.Broadcast(&Event{
		Type:      EventAutoReleaseDecision,
		Timestamp: n.now(),
		Users:     users,
		BookingID: l.BookingID,
		Data:      l,
	})
}

var (
	_ booking.Listener     = (*Notifier)(nil)
	_ jobs.Listener        = (*Notifier)(nil)
	_ autorelease.Listener = (*Notifier)(nil)
)
