package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/docminer/internal/model"
	"github.com/kalambet/docminer/internal/pipeline"
	"github.com/kalambet/docminer/internal/storage"
)

var t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

// fakeRunner records the contexts it was handed and runs fn on each.
type fakeRunner struct {
	mu    sync.Mutex
	calls []*pipeline.ExecContext
	fn    func(ec *pipeline.ExecContext) error
}

func (r *fakeRunner) Execute(_ context.Context, ec *pipeline.ExecContext) (pipeline.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, ec)
	r.mu.Unlock()
	if r.fn != nil {
		if err := r.fn(ec); err != nil {
			return pipeline.Result{}, err
		}
	}
	return pipeline.Result{Status: model.RunCompleted, Success: len(ec.Errors) == 0, MessagesProcessed: len(ec.Messages)}, nil
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *storage.Store, offsets ...time.Duration) []model.Message {
	t.Helper()
	msgs := make([]model.Message, len(offsets))
	for i, off := range offsets {
		msgs[i] = model.Message{
			ID:        fmt.Sprintf("m%d", i+1),
			StreamID:  "support",
			Timestamp: t0.Add(off),
			Author:    "alice",
			Content:   fmt.Sprintf("message %d", i+1),
			Channel:   "help",
		}
	}
	if _, err := s.SaveMessages(context.Background(), msgs); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}
	return msgs
}

func newProcessor(t *testing.T, s *storage.Store, r Runner, now time.Time, cfg Config) *Processor {
	t.Helper()
	cfg.StreamID = "support"
	if cfg.BatchWindow == 0 {
		cfg.BatchWindow = 24 * time.Hour
	}
	if _, err := s.InitWatermark(context.Background(), "support", t0); err != nil {
		t.Fatalf("InitWatermark: %v", err)
	}
	return New(s, r, cfg,
		WithClock(func() time.Time { return now }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func watermarkOf(t *testing.T, s *storage.Store) time.Time {
	t.Helper()
	wm, err := s.GetWatermark(context.Background(), "support")
	if err != nil {
		t.Fatalf("GetWatermark: %v", err)
	}
	return wm.WatermarkTime
}

func pending(t *testing.T, s *storage.Store) int {
	t.Helper()
	counts, err := s.CountMessages(context.Background(), "support")
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	return counts[model.MessagePending]
}

func TestProcessBatch_NotDue(t *testing.T) {
	s := openStore(t)
	seed(t, s, time.Hour)
	r := &fakeRunner{}
	p := newProcessor(t, s, r, t0.Add(23*time.Hour), Config{})

	n, err := p.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if n != 0 || r.count() != 0 {
		t.Errorf("processed %d, runner calls %d; want 0, 0", n, r.count())
	}
	if got := watermarkOf(t, s); !got.Equal(t0) {
		t.Errorf("watermark = %v, want %v", got, t0)
	}
}

func TestProcessBatch_EmptyWindowAdvances(t *testing.T) {
	s := openStore(t)
	r := &fakeRunner{}
	p := newProcessor(t, s, r, t0.Add(50*time.Hour), Config{})

	rep, err := p.Process(context.Background())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !rep.Due || rep.Processed != 0 || r.count() != 0 {
		t.Errorf("report = %+v, runner calls %d", rep, r.count())
	}
	if got, want := watermarkOf(t, s), t0.Add(24*time.Hour); !got.Equal(want) {
		t.Errorf("watermark = %v, want %v", got, want)
	}
}

func TestProcessBatch_CommitsRunOutputs(t *testing.T) {
	s := openStore(t)
	seed(t, s, -2*time.Hour, time.Hour, 2*time.Hour, 3*time.Hour, 25*time.Hour)
	r := &fakeRunner{fn: func(ec *pipeline.ExecContext) error {
		tid := ec.BatchID + "_t1"
		ec.Threads = []model.Thread{{ID: tid, Category: "troubleshooting", MessageIDs: []string{"m3"}, Summary: "crash on start"}}
		ec.Proposals[tid] = []model.Proposal{{ThreadID: tid, UpdateType: model.UpdateUpdate, Page: "docs/install.md", SuggestedText: "x", Reasoning: "r"}}
		ec.AddErrors(pipeline.StepError{StepID: "validate", ItemID: tid, Message: "reformat failed"})
		return nil
	}}
	p := newProcessor(t, s, r, t0.Add(30*time.Hour), Config{ContextWindow: 6 * time.Hour})

	rep, err := p.Process(context.Background())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if rep.Processed != 3 || rep.Context != 1 {
		t.Errorf("processed %d context %d, want 3 and 1", rep.Processed, rep.Context)
	}
	ec := r.calls[0]
	if ec.StreamID != "support" || !ec.WindowStart.Equal(t0) || !ec.WindowEnd.Equal(t0.Add(24*time.Hour)) {
		t.Errorf("exec context window = %s %v..%v", ec.StreamID, ec.WindowStart, ec.WindowEnd)
	}
	if len(ec.ContextMessages) != 1 || ec.ContextMessages[0].ID != "m1" {
		t.Errorf("context messages = %+v", ec.ContextMessages)
	}

	if got, want := watermarkOf(t, s), t0.Add(24*time.Hour); !got.Equal(want) {
		t.Errorf("watermark = %v, want %v", got, want)
	}
	// m1 is before the window and m5 after it.
	if got := pending(t, s); got != 2 {
		t.Errorf("pending = %d, want 2", got)
	}

	ctx := context.Background()
	threads, err := s.ListThreads(ctx, rep.BatchID)
	if err != nil || len(threads) != 1 {
		t.Fatalf("threads = %+v, err %v", threads, err)
	}
	props, err := s.ListProposals(ctx, rep.BatchID, 10)
	if err != nil || len(props) != 1 || props[0].Page != "docs/install.md" {
		t.Fatalf("proposals = %+v, err %v", props, err)
	}
	fails, err := s.ListFailures(ctx, rep.BatchID)
	if err != nil || len(fails) != 1 || fails[0].StepID != "validate" {
		t.Fatalf("failures = %+v, err %v", fails, err)
	}
}

func TestProcessBatch_RunnerErrorKeepsWatermark(t *testing.T) {
	s := openStore(t)
	seed(t, s, time.Hour, 2*time.Hour)
	r := &fakeRunner{fn: func(*pipeline.ExecContext) error { return errors.New("deadline exceeded") }}
	p := newProcessor(t, s, r, t0.Add(30*time.Hour), Config{})

	if _, err := p.ProcessBatch(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if got := watermarkOf(t, s); !got.Equal(t0) {
		t.Errorf("watermark moved to %v", got)
	}
	if got := pending(t, s); got != 2 {
		t.Errorf("pending = %d, want 2", got)
	}
}

func TestProcessBatch_TruncatedBatchDefersRest(t *testing.T) {
	s := openStore(t)
	seed(t, s, time.Hour, 2*time.Hour, 3*time.Hour)
	var seen [][]string
	r := &fakeRunner{fn: func(ec *pipeline.ExecContext) error {
		var ids []string
		for _, m := range ec.Messages {
			ids = append(ids, m.ID)
		}
		seen = append(seen, ids)
		return nil
	}}
	p := newProcessor(t, s, r, t0.Add(30*time.Hour), Config{MaxBatchSize: 2})

	rep, err := p.Process(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Truncated {
		t.Error("first batch not reported as truncated")
	}
	if got, want := watermarkOf(t, s), t0.Add(2*time.Hour); !got.Equal(want) {
		t.Errorf("watermark after truncated batch = %v, want %v", got, want)
	}

	rep, err = p.Process(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Truncated || rep.Processed != 1 {
		t.Errorf("second report = %+v", rep)
	}
	if len(seen) != 2 || len(seen[1]) != 1 || seen[1][0] != "m3" {
		t.Errorf("batches = %v", seen)
	}
	if got, want := watermarkOf(t, s), t0.Add(26*time.Hour); !got.Equal(want) {
		t.Errorf("watermark = %v, want %v", got, want)
	}
	if got := pending(t, s); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
}

func TestProcessPending_CatchesUp(t *testing.T) {
	s := openStore(t)
	seed(t, s, time.Hour, 49*time.Hour)
	r := &fakeRunner{}
	p := newProcessor(t, s, r, t0.Add(72*time.Hour+time.Minute), Config{})

	reports, err := p.ProcessPending(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 3 {
		t.Fatalf("got %d batches, want 3", len(reports))
	}
	if r.count() != 2 {
		t.Errorf("runner calls = %d, want 2 (middle window is empty)", r.count())
	}
	var last time.Time
	for _, rep := range reports {
		if rep.Watermark.Before(last) {
			t.Errorf("watermark went back from %v to %v", last, rep.Watermark)
		}
		last = rep.Watermark
	}
	if got, want := watermarkOf(t, s), t0.Add(72*time.Hour); !got.Equal(want) {
		t.Errorf("watermark = %v, want %v", got, want)
	}

	limited := newProcessor(t, openStore(t), &fakeRunner{}, t0.Add(72*time.Hour), Config{})
	reports, err = limited.ProcessPending(context.Background(), 2)
	if err != nil || len(reports) != 2 {
		t.Errorf("limited run = %d batches, err %v", len(reports), err)
	}
}

func TestStatus_InitializesWatermark(t *testing.T) {
	s := openStore(t)
	now := t0.Add(100 * time.Hour)
	p := New(s, &fakeRunner{}, Config{StreamID: "fresh", BatchWindow: 24 * time.Hour, InitialLookback: 48 * time.Hour},
		WithClock(func() time.Time { return now }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	st, err := p.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if want := now.Add(-48 * time.Hour); !st.Watermark.WatermarkTime.Equal(want) {
		t.Errorf("watermark = %v, want %v", st.Watermark.WatermarkTime, want)
	}
	if !st.Due || !st.NextEnd.Equal(now.Add(-24*time.Hour)) {
		t.Errorf("status = %+v", st)
	}
}

func TestProcess_ConcurrentCallsShareOneRun(t *testing.T) {
	s := openStore(t)
	seed(t, s, time.Hour)
	entered := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	r := &fakeRunner{fn: func(*pipeline.ExecContext) error {
		if runs.Add(1) == 1 {
			close(entered)
		}
		<-release
		return nil
	}}
	// The second window is not due, so a late caller finds nothing to do.
	p := newProcessor(t, s, r, t0.Add(30*time.Hour), Config{})

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Process(context.Background())
			errs <- err
		}()
	}
	<-entered
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Process: %v", err)
		}
	}
	if got := runs.Load(); got != 1 {
		t.Errorf("pipeline ran %d times, want 1", got)
	}
	if got, want := watermarkOf(t, s), t0.Add(24*time.Hour); !got.Equal(want) {
		t.Errorf("watermark = %v, want %v", got, want)
	}
}

// blockingRunner holds the pipeline open until release is closed or its
// context ends.
type blockingRunner struct {
	entered   chan struct{}
	release   chan struct{}
	once      sync.Once
	cancelled atomic.Bool
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{entered: make(chan struct{}), release: make(chan struct{})}
}

func (r *blockingRunner) Execute(ctx context.Context, ec *pipeline.ExecContext) (pipeline.Result, error) {
	r.once.Do(func() { close(r.entered) })
	select {
	case <-r.release:
		return pipeline.Result{Status: model.RunCompleted, Success: true, MessagesProcessed: len(ec.Messages)}, nil
	case <-ctx.Done():
		r.cancelled.Store(true)
		return pipeline.Result{}, ctx.Err()
	}
}

func waitForWaiters(t *testing.T, p *Processor, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		got := 0
		if p.active != nil {
			got = p.active.waiters
		}
		p.mu.Unlock()
		if got == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("in-flight pass never reached %d waiters", n)
}

func TestProcess_CallerCancelLeavesSharedRun(t *testing.T) {
	s := openStore(t)
	seed(t, s, time.Hour)
	r := newBlockingRunner()
	p := newProcessor(t, s, r, t0.Add(30*time.Hour), Config{})

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := p.Process(ctx)
		first <- err
	}()
	<-r.entered

	type result struct {
		rep Report
		err error
	}
	second := make(chan result, 1)
	go func() {
		rep, err := p.Process(context.Background())
		second <- result{rep, err}
	}()
	waitForWaiters(t, p, 2)

	// The caller that started the pass goes away; the joined caller stays.
	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller err = %v, want context.Canceled", err)
	}
	close(r.release)

	res := <-second
	if res.err != nil {
		t.Fatalf("joined caller: %v", res.err)
	}
	if res.rep.Processed != 1 {
		t.Errorf("processed = %d, want 1", res.rep.Processed)
	}
	if r.cancelled.Load() {
		t.Error("pipeline was cancelled although a caller was still waiting")
	}
	if got, want := watermarkOf(t, s), t0.Add(24*time.Hour); !got.Equal(want) {
		t.Errorf("watermark = %v, want %v", got, want)
	}
}

func TestProcess_AbandonedRunIsCancelled(t *testing.T) {
	s := openStore(t)
	seed(t, s, time.Hour)
	r := newBlockingRunner()
	p := newProcessor(t, s, r, t0.Add(30*time.Hour), Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Process(ctx)
		done <- err
	}()
	<-r.entered
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	p.Wait()
	if !r.cancelled.Load() {
		t.Error("pass kept running after its only caller left")
	}
	if got := watermarkOf(t, s); !got.Equal(t0) {
		t.Errorf("watermark moved to %v after a cancelled run", got)
	}
}
