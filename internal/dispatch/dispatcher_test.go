package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/marcusrw/posbridge/internal/domain/job"
	"github.com/marcusrw/posbridge/internal/jobs"
)

type fakeJobStore struct {
	mu        sync.Mutex
	pending   map[string][]job.Job
	completed []int64
	failed    []int64
	claimErr  error
}

func (s *fakeJobStore) ClaimBatch(_ context.Context, limit int, jobType string) ([]job.Job, error) {
	if s.claimErr != nil {
		return nil, s.claimErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.pending[jobType]

	if len(queue) == 0 {
		return nil, nil
	}

	n := limit

	if n > len(queue) {
		n = len(queue)
	}

	batch := queue[:n]
	s.pending[jobType] = queue[n:]
	return batch, nil
}

func (s *fakeJobStore) Heartbeat(context.Context, int64) error { return nil }

func (s *fakeJobStore) Complete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.completed = append(s.completed, id)
	return nil
}

func (s *fakeJobStore) Fail(_ context.Context, id int64, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failed = append(s.failed, id)
	return nil
}

func (s *fakeJobStore) RequeueExpiredLeases(context.Context) (int64, error) { return 0, nil }

func (s *fakeJobStore) CountsByType(context.Context) (map[string]Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Counts, len(s.pending))

	for t, q := range s.pending {
		out[t] = Counts{Pending: len(q)}
	}
	return out, nil
}

type fakeLocker struct {
	held     bool
	released bool
}

func (l *fakeLocker) TryLock(context.Context, string) (func(), bool, error) {
	if l.held {
		return nil, false, nil
	}
	return func() { l.released = true }, true, nil
}

func syncJob(id int64, typ jobs.JobType) job.Job {
	return job.Job{
		ID:      id,
		Type:    typ.String(),
		Payload: json.RawMessage(`{"entityId":"e-1"}`),
	}
}

func testRegistry(failTypes ...jobs.JobType) *jobs.Registry {
	reg := jobs.NewRegistry()

	for _, t := range jobs.All {
		t := t
		fail := false

		for _, f := range failTypes {
			if f == t {
				fail = true
			}
		}

		if fail {
			reg.Register(t, func(context.Context, job.Job) error {
				return errors.New("vendor returned 500")
			})
		} else {
			reg.Register(t, func(context.Context, job.Job) error { return nil })
		}
	}
	return reg
}

func newTestDispatcher(store *fakeJobStore, reg *jobs.Registry, flags fakeFlags, locker Locker) *Dispatcher {
	return New(store, reg, flags, store, locker, nil, nil, nil, nil)
}

func TestRunDrainsQueueAndStops(t *testing.T) {
	store := &fakeJobStore{pending: map[string][]job.Job{
		"sync_product": {syncJob(1, jobs.TypeSyncProduct), syncJob(2, jobs.TypeSyncProduct)},
	}}

	d := newTestDispatcher(store, testRegistry(), fakeFlags{}, nil)

	report := d.Run(context.Background(), Options{})

	if report.Processed != 2 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	if len(store.completed) != 2 {
		t.Fatalf("expected both jobs completed, got %v", store.completed)
	}

	if report.ExitCode() != ExitOK {
		t.Fatalf("exit code = %d", report.ExitCode())
	}
}

func TestRunFailedJobsGoDownFailPath(t *testing.T) {
	store := &fakeJobStore{pending: map[string][]job.Job{
		"sync_product": {syncJob(1, jobs.TypeSyncProduct)},
		"sync_sale":    {syncJob(2, jobs.TypeSyncSale)},
	}}

	d := newTestDispatcher(store, testRegistry(jobs.TypeSyncSale), fakeFlags{}, nil)

	report := d.Run(context.Background(), Options{})

	if report.Processed != 1 || report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	if len(store.failed) != 1 || store.failed[0] != 2 {
		t.Fatalf("failure not written back: %v", store.failed)
	}

	if report.ExitCode() != ExitPartial {
		t.Fatalf("exit code = %d, want %d", report.ExitCode(), ExitPartial)
	}
}

func TestRunKillSwitchStopsBeforeClaiming(t *testing.T) {
	store := &fakeJobStore{pending: map[string][]job.Job{
		"sync_product": {syncJob(1, jobs.TypeSyncProduct)},
	}}
	flags := fakeFlags{bools: map[string]bool{"queue.kill_switch": true}}

	d := newTestDispatcher(store, testRegistry(), flags, nil)

	report := d.Run(context.Background(), Options{})

	if report.Processed != 0 {
		t.Fatalf("kill switch must stop the loop, processed %d", report.Processed)
	}

	if len(store.pending["sync_product"]) != 1 {
		t.Fatal("no claims should have happened")
	}
}

func TestRunHonorsLimit(t *testing.T) {
	store := &fakeJobStore{pending: map[string][]job.Job{
		"sync_product": {
			syncJob(1, jobs.TypeSyncProduct),
			syncJob(2, jobs.TypeSyncProduct),
			syncJob(3, jobs.TypeSyncProduct),
		},
	}}

	d := newTestDispatcher(store, testRegistry(), fakeFlags{}, nil)

	report := d.Run(context.Background(), Options{Limit: 1})

	if report.Processed != 1 {
		t.Fatalf("limit ignored, processed %d", report.Processed)
	}

	if len(store.pending["sync_product"]) != 2 {
		t.Fatalf("claims past the limit: %d left", len(store.pending["sync_product"]))
	}
}

func TestRunSkipsWhenLockHeld(t *testing.T) {
	store := &fakeJobStore{pending: map[string][]job.Job{}}
	locker := &fakeLocker{held: true}

	d := newTestDispatcher(store, testRegistry(), fakeFlags{}, locker)

	report := d.Run(context.Background(), Options{SingleRun: true})

	if !report.Skipped {
		t.Fatalf("expected skip, got %+v", report)
	}
}

func TestRunReleasesLock(t *testing.T) {
	store := &fakeJobStore{pending: map[string][]job.Job{}}
	locker := &fakeLocker{}

	d := newTestDispatcher(store, testRegistry(), fakeFlags{}, locker)

	d.Run(context.Background(), Options{SingleRun: true})

	if !locker.released {
		t.Fatal("advisory lock not released")
	}
}

func TestRunExplicitTypeRespectsPause(t *testing.T) {
	store := &fakeJobStore{pending: map[string][]job.Job{
		"sync_product": {syncJob(1, jobs.TypeSyncProduct)},
	}}
	flags := fakeFlags{bools: map[string]bool{"queue_pause.sync_product": true}}

	d := newTestDispatcher(store, testRegistry(), flags, nil)

	report := d.Run(context.Background(), Options{Type: "sync_product"})

	if report.Processed != 0 {
		t.Fatalf("paused type must not be claimed, processed %d", report.Processed)
	}
}

func TestRunExplicitTypeIgnoresOtherQueues(t *testing.T) {
	store := &fakeJobStore{pending: map[string][]job.Job{
		"sync_product": {syncJob(1, jobs.TypeSyncProduct)},
		"sync_sale":    {syncJob(2, jobs.TypeSyncSale)},
	}}

	d := newTestDispatcher(store, testRegistry(), fakeFlags{}, nil)

	report := d.Run(context.Background(), Options{Type: "sync_sale"})

	if report.Processed != 1 {
		t.Fatalf("expected one job, got %+v", report)
	}

	if len(store.pending["sync_product"]) != 1 {
		t.Fatal("other queues must be left alone")
	}
}

func TestRunClaimErrorIsFatal(t *testing.T) {
	store := &fakeJobStore{
		pending:  map[string][]job.Job{},
		claimErr: errors.New("connection refused"),
	}

	d := newTestDispatcher(store, testRegistry(), fakeFlags{}, nil)

	report := d.Run(context.Background(), Options{Type: "sync_product"})

	if !report.Fatal || report.ExitCode() != ExitFatal {
		t.Fatalf("claim error should be fatal, got %+v", report)
	}
}

func TestReportExitCodes(t *testing.T) {
	cases := []struct {
		name   string
		report Report
		want   int
	}{
		{"clean", Report{Processed: 5}, ExitOK},
		{"failures", Report{Processed: 4, Failed: 1}, ExitPartial},
		{"deferred", Report{Processed: 4, Deferred: 2}, ExitPartial},
		{"fatal wins", Report{Failed: 1, Fatal: true}, ExitFatal},
		{"skipped", Report{Skipped: true}, ExitOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.report.ExitCode(); got != tc.want {
				t.Fatalf("got %d, want %d", got, tc.want)
			}
		})
	}
}
