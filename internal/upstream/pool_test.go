package upstream

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/chalabi2/rpc-gateway/internal/config"
)

func testPool(t *testing.T, urls ...string) *Pool {
	t.Helper()
	return NewPool("ethereum", LayerExecution, urls, 256, 50*time.Millisecond)
}

func TestPickRoundRobinsOverHealthy(t *testing.T) {
	p := testPool(t, "http://a:8545", "http://b:8545")

	seen := make(map[string]int)
	for i := 0; i < 10; i++ {
		ep, degraded, err := p.Pick(context.Background())
		if err != nil {
			t.Fatalf("Pick: %v", err)
		}
		if degraded {
			t.Fatal("pick should not be degraded with healthy endpoints")
		}
		seen[ep.URL]++
		ep.Release()
	}

	if seen["http://a:8545"] != 5 || seen["http://b:8545"] != 5 {
		t.Errorf("expected even rotation, got %v", seen)
	}
}

func TestPickSkipsUnhealthy(t *testing.T) {
	p := testPool(t, "http://a:8545", "http://b:8545")
	bad := p.Endpoints()[0]
	bad.RecordFailure(true)
	bad.RecordFailure(true)
	if bad.Healthy() {
		t.Fatal("two consecutive failures must flip unhealthy")
	}

	for i := 0; i < 5; i++ {
		ep, degraded, err := p.Pick(context.Background())
		if err != nil {
			t.Fatalf("Pick: %v", err)
		}
		if degraded || ep.URL != "http://b:8545" {
			t.Errorf("pick %d: got %s degraded=%v, want healthy b", i, ep.URL, degraded)
		}
		ep.Release()
	}
}

func TestSingleFailureKeepsEndpointInRotation(t *testing.T) {
	p := testPool(t, "http://a:8545")
	p.Endpoints()[0].RecordFailure(false)
	if !p.Endpoints()[0].Healthy() {
		t.Fatal("one failure must not flip health")
	}

	ep, degraded, err := p.Pick(context.Background())
	if err != nil || degraded {
		t.Fatalf("Pick: ep=%v degraded=%v err=%v", ep, degraded, err)
	}
	ep.Release()
}

func TestOneSuccessRestoresHealth(t *testing.T) {
	p := testPool(t, "http://a:8545")
	ep := p.Endpoints()[0]
	ep.RecordFailure(true)
	ep.RecordFailure(true)
	ep.RecordSuccess(true)
	if !ep.Healthy() {
		t.Fatal("one success must restore health")
	}
}

func TestPickDegradedWhenAllUnhealthy(t *testing.T) {
	p := testPool(t, "http://a:8545", "http://b:8545")
	a, b := p.Endpoints()[0], p.Endpoints()[1]
	a.RecordFailure(true)
	a.RecordFailure(true)
	time.Sleep(5 * time.Millisecond)
	b.RecordFailure(true)
	b.RecordFailure(true)

	ep, degraded, err := p.Pick(context.Background())
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if !degraded {
		t.Error("pick from all-unhealthy pool must be degraded")
	}
	// a failed before b, so a is least-recently-failed.
	if ep.URL != "http://a:8545" {
		t.Errorf("expected least-recently-failed endpoint a, got %s", ep.URL)
	}
	ep.Release()
}

func TestPickPrefersLeastInFlight(t *testing.T) {
	p := testPool(t, "http://a:8545", "http://b:8545")
	a := p.Endpoints()[0]

	// Load a with reservations; every pick should land on b.
	for i := 0; i < 10; i++ {
		if !a.Acquire(256) {
			t.Fatal("acquire failed")
		}
	}
	defer func() {
		for i := 0; i < 10; i++ {
			a.Release()
		}
	}()

	for i := 0; i < 4; i++ {
		ep, _, err := p.Pick(context.Background())
		if err != nil {
			t.Fatalf("Pick: %v", err)
		}
		if ep.URL != "http://b:8545" {
			t.Errorf("pick %d: got %s, want least-loaded b", i, ep.URL)
		}
		ep.Release()
	}
}

func TestPickSaturated(t *testing.T) {
	p := NewPool("ethereum", LayerExecution, []string{"http://a:8545"}, 1, 30*time.Millisecond)
	ep, _, err := p.Pick(context.Background())
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	defer ep.Release()

	start := time.Now()
	_, _, err = p.Pick(context.Background())
	if err != ErrSaturated {
		t.Fatalf("expected ErrSaturated, got %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("saturated pick should wait for the budget before failing")
	}
}

func TestPickSaturatedHealthyNeverFallsToUnhealthy(t *testing.T) {
	p := NewPool("ethereum", LayerExecution, []string{"http://a:8545", "http://b:8545"}, 1, 30*time.Millisecond)
	b := p.Endpoints()[1]
	b.RecordFailure(true)
	b.RecordFailure(true)

	// Take healthy a's only slot.
	a, degraded, err := p.Pick(context.Background())
	if err != nil || degraded || a.URL != "http://a:8545" {
		t.Fatalf("first pick: ep=%v degraded=%v err=%v", a, degraded, err)
	}
	defer a.Release()

	// a saturated, b unhealthy with free capacity: the request must
	// wait out the budget and fail rather than land on b.
	start := time.Now()
	_, _, err = p.Pick(context.Background())
	if err != ErrSaturated {
		t.Fatalf("expected ErrSaturated, got %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("saturated pick should wait for the budget before failing")
	}
}

func TestPickSaturatedHealthyWaitsForSlack(t *testing.T) {
	p := NewPool("ethereum", LayerExecution, []string{"http://a:8545", "http://b:8545"}, 1, 400*time.Millisecond)
	b := p.Endpoints()[1]
	b.RecordFailure(true)
	b.RecordFailure(true)

	a, _, err := p.Pick(context.Background())
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		a.Release()
	}()

	got, degraded, err := p.Pick(context.Background())
	if err != nil {
		t.Fatalf("Pick after slack: %v", err)
	}
	defer got.Release()
	if degraded || got.URL != "http://a:8545" {
		t.Errorf("got %s degraded=%v, want healthy a once slack appears", got.URL, degraded)
	}
}

func TestPickSaturatedSlackAppears(t *testing.T) {
	p := NewPool("ethereum", LayerExecution, []string{"http://a:8545"}, 1, 400*time.Millisecond)
	ep, _, err := p.Pick(context.Background())
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		ep.Release()
	}()

	got, _, err := p.Pick(context.Background())
	if err != nil {
		t.Fatalf("Pick after slack: %v", err)
	}
	got.Release()
}

func TestPickEmptyPool(t *testing.T) {
	p := testPool(t)
	if _, _, err := p.Pick(context.Background()); err != ErrNoEndpoints {
		t.Fatalf("expected ErrNoEndpoints, got %v", err)
	}
}

func TestManagerBuildsPoolsPerLayer(t *testing.T) {
	m := NewManager(map[string]config.ChainEndpoints{
		"ethereum": {
			Execution:   []string{"http://exec:8545"},
			Consensus:   []string{"http://beacon:5052"},
			ExecutionWS: []string{"ws://exec:8546"},
		},
		"gnosis": {
			Execution: []string{"http://gnosis:8545"},
		},
	}, 256, 500*time.Millisecond, zaptest.NewLogger(t))

	if _, ok := m.Pool("ethereum", LayerExecution); !ok {
		t.Error("missing ethereum execution pool")
	}
	if _, ok := m.Pool("ethereum", LayerConsensus); !ok {
		t.Error("missing ethereum consensus pool")
	}
	if _, ok := m.Pool("gnosis", LayerConsensus); ok {
		t.Error("gnosis has no consensus endpoints, pool must not exist")
	}
	if got := m.WSProbeURLs("ethereum"); len(got) != 1 || got[0] != "ws://exec:8546" {
		t.Errorf("WSProbeURLs = %v", got)
	}
	if len(m.Pools()) != 3 {
		t.Errorf("expected 3 pools, got %d", len(m.Pools()))
	}
}
