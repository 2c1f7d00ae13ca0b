package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/errandly/internal/autorelease"
	"github.com/mbd888/errandly/internal/booking"
	"github.com/mbd888/errandly/internal/jobs"
	"github.com/mbd888/errandly/internal/money"
)

type stubJobs map[string]*jobs.Job

func (s stubJobs) GetJob(_ context.Context, id string) (*jobs.Job, error) {
	if j, ok := s[id]; ok {
		return j, nil
	}
	return nil, jobs.ErrJobNotFound
}

type stubBookings map[string]*booking.Booking

func (s stubBookings) Get(_ context.Context, id string) (*booking.Booking, error) {
	if b, ok := s[id]; ok {
		return b, nil
	}
	return nil, errors.New("not found")
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func ownedClient(h *Hub, owner string) *Client {
	c := &Client{hub: h, send: make(chan []byte, 16), sub: Subscription{AllEvents: true}, owner: owner}
	h.register <- c
	return c
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("bad event: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("unexpected event: %s", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNotifier_BookingChanged(t *testing.T) {
	h := startHub(t)
	worker := ownedClient(h, "worker1")
	stranger := ownedClient(h, "someone")
	n := NewNotifier(h, nil, nil)

	n.BookingChanged(context.Background(), &booking.Booking{
		ID: "bk_1", ClientID: "client1", WorkerID: "worker1",
		Amount: money.MustParse("3000"), Status: booking.StatusCompleted, PaymentStatus: booking.PaymentHeld,
	}, booking.StatusInProgress)

	ev := receive(t, worker)
	if ev.Type != EventBookingStatus || ev.BookingID != "bk_1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	data := ev.Data.(map[string]any)
	if data["status"] != string(booking.StatusCompleted) || data["from"] != string(booking.StatusInProgress) {
		t.Errorf("unexpected data: %v", data)
	}
	if data["amount"] != "3000.00" {
		t.Errorf("expected amount 3000.00, got %v", data["amount"])
	}
	expectNothing(t, stranger)
}

func TestNotifier_ApplicationChangedReachesJobClient(t *testing.T) {
	h := startHub(t)
	client := ownedClient(h, "client1")
	n := NewNotifier(h, stubJobs{"job_1": {ID: "job_1", ClientID: "client1"}}, nil)

	n.ApplicationChanged(context.Background(), &jobs.Application{
		ID: "app_1", JobID: "job_1", WorkerID: "worker1", Status: jobs.AppAccepted, BookingID: "bk_1",
	}, jobs.AppSelected)

	ev := receive(t, client)
	if ev.Type != EventApplicationStatus {
		t.Fatalf("expected application event, got %s", ev.Type)
	}
	if len(ev.Users) != 2 {
		t.Errorf("expected worker and client, got %v", ev.Users)
	}
	if data := ev.Data.(map[string]any); data["bookingId"] != "bk_1" {
		t.Errorf("expected bookingId in data, got %v", data)
	}
}

func TestNotifier_AutoReleaseDecision(t *testing.T) {
	h := startHub(t)
	worker := ownedClient(h, "worker1")
	n := NewNotifier(h, nil, stubBookings{"bk_1": {ID: "bk_1", ClientID: "client1", WorkerID: "worker1"}})

	n.AutoReleaseDecision(context.Background(), &autorelease.Log{
		ID: "arl_1", BookingID: "bk_1", Action: autorelease.ActionReleased,
	})

	ev := receive(t, worker)
	if ev.Type != EventAutoReleaseDecision || ev.BookingID != "bk_1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if data := ev.Data.(map[string]any); data["action"] != string(autorelease.ActionReleased) {
		t.Errorf("unexpected data: %v", data)
	}
}
