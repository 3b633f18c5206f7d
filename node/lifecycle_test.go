package node

import (
	"context"
	"errors"
	"testing"
)

// recordingService appends its name to a shared log on start and stop.
type recordingService struct {
	name     string
	log      *[]string
	startErr error
	stopErr  error
}

func (s *recordingService) Name() string { return s.name }

func (s *recordingService) Start(ctx context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	*s.log = append(*s.log, "start:"+s.name)
	return nil
}

func (s *recordingService) Stop(ctx context.Context) error {
	*s.log = append(*s.log, "stop:"+s.name)
	return s.stopErr
}

func TestLifecycle_StartStopOrder(t *testing.T) {
	var log []string
	lm := NewLifecycleManager()
	lm.Register(&recordingService{name: "rpc", log: &log}, 10)
	lm.Register(&recordingService{name: "params", log: &log}, 0)
	lm.Register(&recordingService{name: "metrics", log: &log}, 5)

	if err := lm.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if err := lm.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}

	want := []string{"start:params", "start:metrics", "start:rpc", "stop:rpc", "stop:metrics", "stop:params"}
	if len(log) != len(want) {
		t.Fatalf("log = %v, want %v", log, want)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("log[%d] = %q, want %q", i, log[i], want[i])
		}
	}
}

func TestLifecycle_StartStopsAtFirstFailure(t *testing.T) {
	var log []string
	boom := errors.New("boom")
	lm := NewLifecycleManager()
	lm.Register(&recordingService{name: "a", log: &log}, 0)
	lm.Register(&recordingService{name: "b", log: &log, startErr: boom}, 1)
	lm.Register(&recordingService{name: "c", log: &log}, 2)

	err := lm.StartAll(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("StartAll error = %v, want boom", err)
	}
	if got := lm.GetState("a"); got != StateRunning {
		t.Fatalf("a state = %s, want running", got)
	}
	if got := lm.GetState("b"); got != StateFailed {
		t.Fatalf("b state = %s, want failed", got)
	}
	if got := lm.GetState("c"); got != StateCreated {
		t.Fatalf("c state = %s, want created", got)
	}

	status := lm.Status()
	if len(status) != 3 || status[0].StartedAt.IsZero() || !errors.Is(status[1].Err, boom) {
		t.Fatalf("Status() = %+v", status)
	}

	lm.StopAll(context.Background())
	if log[len(log)-1] != "stop:a" {
		t.Fatalf("log = %v, want a stopped last", log)
	}
	health := lm.HealthCheck()
	if health["a"] || health["b"] || health["c"] {
		t.Fatalf("health after stop = %v, want all false", health)
	}
}

func TestLifecycle_StopErrorsJoined(t *testing.T) {
	var log []string
	e1, e2 := errors.New("e1"), errors.New("e2")
	lm := NewLifecycleManager()
	lm.Register(&recordingService{name: "a", log: &log, stopErr: e1}, 0)
	lm.Register(&recordingService{name: "b", log: &log, stopErr: e2}, 1)

	if err := lm.StartAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	err := lm.StopAll(context.Background())
	if !errors.Is(err, e1) || !errors.Is(err, e2) {
		t.Fatalf("StopAll error = %v, want both stop errors", err)
	}
	if got := lm.GetState("a"); got != StateFailed {
		t.Fatalf("a state = %s, want failed", got)
	}
}

func TestLifecycle_DuplicateAndUnknown(t *testing.T) {
	lm := NewLifecycleManager()
	svc := serviceFunc{name: "x", start: func(context.Context) error { return nil }}
	if err := lm.Register(svc, 0); err != nil {
		t.Fatal(err)
	}
	if err := lm.Register(svc, 1); err == nil {
		t.Fatal("duplicate registration accepted")
	}
	if got := lm.GetState("missing"); got != StateFailed {
		t.Fatalf("unknown service state = %s, want failed", got)
	}
	if got := StateStopping.String(); got != "stopping" {
		t.Fatalf("StateStopping = %q", got)
	}
}
