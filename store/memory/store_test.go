package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	lidex "github.com/ferromir/lidex-mongo"
	"github.com/ferromir/lidex-mongo/instance"
)

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Migrate", func() error { return s.Migrate(ctx) }},
		{"Migrate again", func() error { return s.Migrate(ctx) }},
		{"Ping", func() error { return s.Ping(ctx) }},
		{"Close", func() error { return s.Close() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Fatalf("%s returned error: %v", tt.name, err)
			}
		})
	}
}

// ──────────────────────────────────────────────────
// Insert tests
// ──────────────────────────────────────────────────

func TestInsertDuplicate(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	created, err := s.Insert(ctx, "wf-1", "send-invoice", []byte("in"))
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}

	// Duplicate id is a normal false, never an error, and leaves the
	// original untouched.
	created, err = s.Insert(ctx, "wf-1", "other-handler", []byte("other"))
	if err != nil {
		t.Fatalf("duplicate insert returned error: %v", err)
	}
	if created {
		t.Fatal("duplicate insert reported created=true")
	}

	got, err := s.GetInstance(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.Handler != "send-invoice" || string(got.Input) != "in" {
		t.Fatalf("original overwritten: handler=%q input=%q", got.Handler, got.Input)
	}
	if got.Status != instance.StatusIdle {
		t.Fatalf("got status %q, want idle", got.Status)
	}
	if got.TimeoutAt != nil {
		t.Fatalf("fresh instance has timeout %v", got.TimeoutAt)
	}
}

// ──────────────────────────────────────────────────
// Claim tests
// ──────────────────────────────────────────────────

func TestClaimEligibility(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	t0 := time.Now().UTC()
	past := t0.Add(-time.Minute)
	future := t0.Add(time.Minute)

	tests := []struct {
		name      string
		status    instance.Status
		timeoutAt time.Time
		want      bool
	}{
		{"idle is always claimable", instance.StatusIdle, future, true},
		{"running with expired lease", instance.StatusRunning, past, true},
		{"running with live lease", instance.StatusRunning, future, false},
		{"failed with expired lease", instance.StatusFailed, past, true},
		{"failed with live lease", instance.StatusFailed, future, false},
		{"finished never claimable", instance.StatusFinished, past, false},
		{"aborted never claimable", instance.StatusAborted, past, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := New()
			if _, err := s.Insert(ctx, "wf-1", "h", nil); err != nil {
				t.Fatalf("insert: %v", err)
			}
			if err := s.UpdateStatus(ctx, "wf-1", tt.status, tt.timeoutAt, 0, ""); err != nil {
				t.Fatalf("update status: %v", err)
			}

			id, ok, err := s.Claim(ctx, t0, t0.Add(30*time.Second))
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if ok != tt.want {
				t.Fatalf("claimable = %v, want %v", ok, tt.want)
			}
			if ok && id != "wf-1" {
				t.Fatalf("claimed %q, want wf-1", id)
			}
		})
	}
}

func TestClaimSetsRunningAndLease(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	t0 := time.Now().UTC()
	lease := t0.Add(30 * time.Second)

	if _, err := s.Insert(ctx, "wf-1", "h", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, _, err := s.Claim(ctx, t0, lease); err != nil {
		t.Fatalf("claim: %v", err)
	}

	got, err := s.GetInstance(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.Status != instance.StatusRunning {
		t.Fatalf("got status %q, want running", got.Status)
	}
	if got.TimeoutAt == nil || !got.TimeoutAt.Equal(lease) {
		t.Fatalf("got timeout %v, want %v", got.TimeoutAt, lease)
	}
}

func TestClaimMutualExclusion(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	t0 := time.Now().UTC()

	if _, err := s.Insert(ctx, "wf-1", "h", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// N workers race for a single idle instance; exactly one may win.
	const workers = 32
	var wg sync.WaitGroup
	wins := make(chan string, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, ok, err := s.Claim(ctx, t0, t0.Add(30*time.Second))
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				wins <- id
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for id := range wins {
		winners = append(winners, id)
	}
	if len(winners) != 1 {
		t.Fatalf("got %d winners, want exactly 1", len(winners))
	}
	if winners[0] != "wf-1" {
		t.Fatalf("winner claimed %q, want wf-1", winners[0])
	}
}

func TestClaimPicksExactlyOnePerInstance(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	t0 := time.Now().UTC()

	const n = 8
	ids := map[string]bool{}
	for _, id := range []string{"wf-0", "wf-1", "wf-2", "wf-3", "wf-4", "wf-5", "wf-6", "wf-7"} {
		if _, err := s.Insert(ctx, id, "h", nil); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	// More claimers than instances: each instance is handed out once.
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n*2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, ok, err := s.Claim(ctx, t0, t0.Add(30*time.Second))
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if !ok {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ids[id] {
				t.Errorf("instance %q claimed twice", id)
			}
			ids[id] = true
		}()
	}
	wg.Wait()

	if len(ids) != n {
		t.Fatalf("claimed %d distinct instances, want %d", len(ids), n)
	}
}

// ──────────────────────────────────────────────────
// Memoization tests
// ──────────────────────────────────────────────────

func TestStepMemoization(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	lease := time.Now().UTC().Add(time.Minute)

	if _, err := s.Insert(ctx, "wf-1", "h", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Unset step is absent, not an error.
	_, ok, err := s.FindOutput(ctx, "wf-1", "s1")
	if err != nil || ok {
		t.Fatalf("unset step: ok=%v err=%v", ok, err)
	}

	if err := s.UpdateOutput(ctx, "wf-1", "s1", []byte("v1"), lease); err != nil {
		t.Fatalf("UpdateOutput: %v", err)
	}

	out, ok, err := s.FindOutput(ctx, "wf-1", "s1")
	if err != nil || !ok {
		t.Fatalf("FindOutput: ok=%v err=%v", ok, err)
	}
	if string(out) != "v1" {
		t.Fatalf("got output %q, want v1", out)
	}

	// Recording progress extends the lease.
	got, err := s.GetInstance(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.TimeoutAt == nil || !got.TimeoutAt.Equal(lease) {
		t.Fatalf("got timeout %v, want %v", got.TimeoutAt, lease)
	}

	// Unknown instance is absent too.
	_, ok, err = s.FindOutput(ctx, "nope", "s1")
	if err != nil || ok {
		t.Fatalf("unknown instance: ok=%v err=%v", ok, err)
	}
}

func TestNapMemoization(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	wakeUpAt := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	lease := time.Now().UTC().Add(time.Minute)

	if _, err := s.Insert(ctx, "wf-1", "h", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	_, ok, err := s.FindWakeUpAt(ctx, "wf-1", "n1")
	if err != nil || ok {
		t.Fatalf("unset nap: ok=%v err=%v", ok, err)
	}

	if err := s.UpdateWakeUpAt(ctx, "wf-1", "n1", wakeUpAt, lease); err != nil {
		t.Fatalf("UpdateWakeUpAt: %v", err)
	}

	got, ok, err := s.FindWakeUpAt(ctx, "wf-1", "n1")
	if err != nil || !ok {
		t.Fatalf("FindWakeUpAt: ok=%v err=%v", ok, err)
	}
	if !got.Equal(wakeUpAt) {
		t.Fatalf("got wake-up %v, want %v", got, wakeUpAt)
	}

	inst, err := s.GetInstance(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.TimeoutAt == nil || !inst.TimeoutAt.Equal(lease) {
		t.Fatalf("got timeout %v, want %v", inst.TimeoutAt, lease)
	}
}

// ──────────────────────────────────────────────────
// Status & failure tests
// ──────────────────────────────────────────────────

func TestUpdateStatusRecordsFailure(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	retryAt := time.Now().UTC().Add(time.Minute)

	if _, err := s.Insert(ctx, "wf-1", "h", []byte("in")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.UpdateStatus(ctx, "wf-1", instance.StatusFailed, retryAt, 3, "boom"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	status, ok, err := s.FindStatus(ctx, "wf-1")
	if err != nil || !ok {
		t.Fatalf("FindStatus: ok=%v err=%v", ok, err)
	}
	if status != instance.StatusFailed {
		t.Fatalf("got status %q, want failed", status)
	}

	rd, ok, err := s.FindRunData(ctx, "wf-1")
	if err != nil || !ok {
		t.Fatalf("FindRunData: ok=%v err=%v", ok, err)
	}
	if rd.Failures != 3 {
		t.Fatalf("got failures %d, want 3", rd.Failures)
	}
	if rd.Handler != "h" || string(rd.Input) != "in" {
		t.Fatalf("run data lost handler/input: %+v", rd)
	}

	got, err := s.GetInstance(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.LastError != "boom" {
		t.Fatalf("got last error %q, want boom", got.LastError)
	}
}

func TestFindStatusAbsent(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	_, ok, err := s.FindStatus(ctx, "nope")
	if err != nil || ok {
		t.Fatalf("unknown instance: ok=%v err=%v", ok, err)
	}
	_, ok, err = s.FindRunData(ctx, "nope")
	if err != nil || ok {
		t.Fatalf("unknown instance: ok=%v err=%v", ok, err)
	}
}

func TestFinishIsTerminal(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	t0 := time.Now().UTC()

	if _, err := s.Insert(ctx, "wf-1", "h", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.SetAsFinished(ctx, "wf-1"); err != nil {
		t.Fatalf("SetAsFinished: %v", err)
	}
	// Idempotent.
	if err := s.SetAsFinished(ctx, "wf-1"); err != nil {
		t.Fatalf("SetAsFinished twice: %v", err)
	}

	// Never claimable again, however far now advances.
	for _, ahead := range []time.Duration{0, time.Hour, 24 * 365 * time.Hour} {
		_, ok, err := s.Claim(ctx, t0.Add(ahead), t0.Add(ahead+time.Minute))
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if ok {
			t.Fatalf("finished instance claimed with now+%v", ahead)
		}
	}
}

func TestAbortIsTerminal(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	t0 := time.Now().UTC()

	if _, err := s.Insert(ctx, "wf-1", "h", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.SetAsAborted(ctx, "wf-1"); err != nil {
		t.Fatalf("SetAsAborted: %v", err)
	}

	_, ok, err := s.Claim(ctx, t0.Add(time.Hour), t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok {
		t.Fatal("aborted instance claimed")
	}
}

func TestWritesToUnknownInstance(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	t0 := time.Now().UTC()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"UpdateOutput", func() error { return s.UpdateOutput(ctx, "nope", "s1", nil, t0) }},
		{"UpdateWakeUpAt", func() error { return s.UpdateWakeUpAt(ctx, "nope", "n1", t0, t0) }},
		{"UpdateStatus", func() error { return s.UpdateStatus(ctx, "nope", instance.StatusFailed, t0, 1, "x") }},
		{"SetAsFinished", func() error { return s.SetAsFinished(ctx, "nope") }},
		{"SetAsAborted", func() error { return s.SetAsAborted(ctx, "nope") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, lidex.ErrInstanceNotFound) {
				t.Fatalf("got %v, want ErrInstanceNotFound", err)
			}
		})
	}

	if _, err := s.GetInstance(ctx, "nope"); !errors.Is(err, lidex.ErrInstanceNotFound) {
		t.Fatalf("GetInstance: got %v, want ErrInstanceNotFound", err)
	}
}

// ──────────────────────────────────────────────────
// Listing tests
// ──────────────────────────────────────────────────

func TestListInstances(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	for _, id := range []string{"wf-1", "wf-2", "wf-3"} {
		if _, err := s.Insert(ctx, id, "h", nil); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := s.SetAsFinished(ctx, "wf-2"); err != nil {
		t.Fatalf("SetAsFinished: %v", err)
	}

	all, err := s.ListInstances(ctx, instance.ListOpts{})
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d instances, want 3", len(all))
	}

	idle, err := s.ListInstances(ctx, instance.ListOpts{Status: instance.StatusIdle})
	if err != nil {
		t.Fatalf("ListInstances idle: %v", err)
	}
	if len(idle) != 2 {
		t.Fatalf("got %d idle instances, want 2", len(idle))
	}

	page, err := s.ListInstances(ctx, instance.ListOpts{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("ListInstances page: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("got %d instances in page, want 1", len(page))
	}
}

// ──────────────────────────────────────────────────
// End-to-end lease scenario
// ──────────────────────────────────────────────────

func TestLeaseScenario(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	t0 := time.Now().UTC()

	created, err := s.Insert(ctx, "wf-1", "h", []byte("in"))
	if err != nil || !created {
		t.Fatalf("insert: created=%v err=%v", created, err)
	}

	// First claim wins.
	id, ok, err := s.Claim(ctx, t0, t0.Add(10*time.Second))
	if err != nil || !ok || id != "wf-1" {
		t.Fatalf("first claim: id=%q ok=%v err=%v", id, ok, err)
	}

	// Same now: lease still live, nothing eligible.
	_, ok, err = s.Claim(ctx, t0, t0.Add(10*time.Second))
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatal("claimed an instance whose lease had not expired")
	}

	// Past the lease: reclaimable.
	id, ok, err = s.Claim(ctx, t0.Add(11*time.Second), t0.Add(20*time.Second))
	if err != nil || !ok || id != "wf-1" {
		t.Fatalf("reclaim: id=%q ok=%v err=%v", id, ok, err)
	}

	if err := s.SetAsFinished(ctx, "wf-1"); err != nil {
		t.Fatalf("SetAsFinished: %v", err)
	}

	_, ok, err = s.Claim(ctx, t0.Add(999*time.Second), t0.Add(1000*time.Second))
	if err != nil {
		t.Fatalf("claim after finish: %v", err)
	}
	if ok {
		t.Fatal("claimed a finished instance")
	}
}
