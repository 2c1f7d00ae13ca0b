package health

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.RegisterPinger("database", fakePinger{})
	r.RegisterPinger("redis", fakePinger{err: errors.New("connection refused")})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("expected unhealthy aggregate")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Healthy || statuses[0].Name != "database" {
		t.Fatalf("unexpected database status %+v", statuses[0])
	}
	if statuses[1].Healthy || statuses[1].Detail != "connection refused" {
		t.Fatalf("unexpected redis status %+v", statuses[1])
	}
}

func TestRegisterLoop(t *testing.T) {
	r := NewRegistry()
	running := false
	r.RegisterLoop("autorelease", func() bool { return running })

	if healthy, _ := r.CheckAll(context.Background()); healthy {
		t.Fatal("stopped loop should be unhealthy")
	}
	running = true
	if healthy, _ := r.CheckAll(context.Background()); !healthy {
		t.Fatal("running loop should be healthy")
	}
}

func TestCheckAllFillsMissingName(t *testing.T) {
	r := NewRegistry()
	r.Register("gateway", func(context.Context) Status { return Status{Healthy: true} })
	_, statuses := r.CheckAll(context.Background())
	if statuses[0].Name != "gateway" {
		t.Fatalf("expected name filled in, got %q", statuses[0].Name)
	}
}

func TestRegistryConcurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("x", func(context.Context) Status { return Status{Healthy: true} })
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
