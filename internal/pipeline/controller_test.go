package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/xrayvision/backend/internal/events"
	"github.com/xrayvision/backend/internal/preprocess"
	"github.com/xrayvision/backend/internal/storage/models"
	"github.com/xrayvision/backend/internal/storage/sqlite"
)

func testStore(t *testing.T) *sqlite.Client {
	t.Helper()

	store, err := sqlite.NewClient(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	return store
}

func seedExam(t *testing.T, store *sqlite.Client, uid string, created time.Time) {
	t.Helper()

	if err := store.UpsertPatient(&models.Patient{CNP: "5030115012341", Sex: "M"}); err != nil {
		t.Fatalf("failed to seed patient: %v", err)
	}
	if _, err := store.UpsertExam(&models.Exam{
		UID:     uid,
		CNP:     "5030115012341",
		Created: created,
		Region:  "chest",
	}); err != nil {
		t.Fatalf("failed to seed exam: %v", err)
	}
}

func TestEnqueueCollapsesDuplicates(t *testing.T) {
	c := NewController(Params{})

	c.Enqueue("ex1")
	c.Enqueue("ex1")
	c.Enqueue("ex2")

	if snap := c.Snapshot(); snap.QueueSize != 2 {
		t.Fatalf("queue size = %d, want 2", snap.QueueSize)
	}
}

func TestPopIsFIFO(t *testing.T) {
	c := NewController(Params{})

	for _, uid := range []string{"a", "b", "c"} {
		c.Enqueue(uid)
	}

	for _, want := range []string{"a", "b", "c"} {
		uid, ok := c.pop()
		if !ok || uid != want {
			t.Fatalf("pop = (%q, %v), want %q", uid, ok, want)
		}
	}
	if _, ok := c.pop(); ok {
		t.Fatalf("pop on an empty queue should report false")
	}
}

func TestPopAllowsReEnqueue(t *testing.T) {
	c := NewController(Params{})

	c.Enqueue("ex1")
	c.pop()
	c.Enqueue("ex1")

	if snap := c.Snapshot(); snap.QueueSize != 1 {
		t.Fatalf("queue size = %d, want 1 after re-enqueue", snap.QueueSize)
	}
}

func TestRequeueGatedByStorage(t *testing.T) {
	store := testStore(t)
	seedExam(t, store, "ex1", time.Now())
	c := NewController(Params{Store: store})

	// A queued exam is not requeueable.
	ok, err := c.Requeue("ex1")
	if err != nil {
		t.Fatalf("requeue errored: %v", err)
	}
	if ok {
		t.Fatalf("requeue of a queued exam should not win")
	}

	store.ClaimExam("ex1")
	store.SetStatus("ex1", models.StatusProcessing, models.StatusError)

	ok, err = c.Requeue("ex1")
	if err != nil || !ok {
		t.Fatalf("requeue of an error exam failed: ok=%v err=%v", ok, err)
	}

	exam, err := store.GetExam("ex1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if exam.Status != models.StatusQueued {
		t.Fatalf("status = %s, want queued", exam.Status)
	}
	if snap := c.Snapshot(); snap.QueueSize != 1 {
		t.Fatalf("queue size = %d, want 1", snap.QueueSize)
	}
}

func TestRequeueJumpsTheLine(t *testing.T) {
	store := testStore(t)
	seedExam(t, store, "old", time.Now())
	c := NewController(Params{Store: store})

	c.Enqueue("waiting")

	store.ClaimExam("old")
	store.SetStatus("old", models.StatusProcessing, models.StatusDone)
	if ok, err := c.Requeue("old"); err != nil || !ok {
		t.Fatalf("requeue failed: ok=%v err=%v", ok, err)
	}

	uid, ok := c.pop()
	if !ok || uid != "old" {
		t.Fatalf("pop = (%q, %v), want the requeued exam first", uid, ok)
	}
}

func TestStartRecoversPersistedQueue(t *testing.T) {
	store := testStore(t)
	seedExam(t, store, "ex1", time.Now().Add(-2*time.Second))
	seedExam(t, store, "ex2", time.Now().Add(-time.Second))
	store.ClaimExam("ex2") // left in processing by a crash

	c := NewController(Params{Store: store})

	// A cancelled context stops the worker before it touches any exam, so
	// only the recovery path runs.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop")
	}

	if snap := c.Snapshot(); snap.QueueSize != 2 {
		t.Fatalf("queue size = %d, want both exams recovered", snap.QueueSize)
	}

	exam, err := store.GetExam("ex2")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if exam.Status != models.StatusQueued {
		t.Fatalf("status = %s, want queued after recovery", exam.Status)
	}
}

func TestShutdownReturnsInFlightExamToQueue(t *testing.T) {
	store := testStore(t)
	seedExam(t, store, "ex1", time.Now())

	c := NewController(Params{
		Store:     store,
		Processor: preprocess.NewProcessor(500),
		ImagesDir: t.TempDir(),
	})

	// Cancellation mid-exam must not record a failure; the exam goes back
	// to the queue and the next start picks it up.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c.processOne(ctx, "ex1")

	exam, err := store.GetExam("ex1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if exam.Status != models.StatusQueued {
		t.Fatalf("status = %s, want queued after interrupted processing", exam.Status)
	}
	if snap := c.Snapshot(); snap.FailureCount != 0 {
		t.Fatalf("failure count = %d, want 0", snap.FailureCount)
	}
}

func TestConcurrentRequeueYieldsOneCycle(t *testing.T) {
	store := testStore(t)
	seedExam(t, store, "ex1", time.Now())
	store.ClaimExam("ex1")
	store.SetStatus("ex1", models.StatusProcessing, models.StatusError)

	c := NewController(Params{Store: store})

	const callers = 8
	wins := make(chan bool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := c.Requeue("ex1")
			if err != nil {
				t.Errorf("requeue errored: %v", err)
			}
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	var won int
	for ok := range wins {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("requeue winners = %d, want exactly 1", won)
	}
	if snap := c.Snapshot(); snap.QueueSize != 1 {
		t.Fatalf("queue size = %d, want the exam enqueued once", snap.QueueSize)
	}
}

func TestLastSnapshotReflectsAllEnqueues(t *testing.T) {
	hub := events.NewHub()
	defer hub.Close()

	c := NewController(Params{Hub: hub})
	_, updates := hub.Subscribe()

	const producers = 4
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c.Enqueue(fmt.Sprintf("ex%d", n))
		}(i)
	}
	wg.Wait()

	// Snapshots are serialized, so the last one delivered carries the
	// state after every enqueue.
	var last Snapshot
	for {
		select {
		case msg := <-updates:
			last = msg.(Snapshot)
		default:
			if last.QueueSize != producers {
				t.Fatalf("final snapshot queue size = %d, want %d", last.QueueSize, producers)
			}
			return
		}
	}
}

func TestHistoryIsCappedAndNewestFirst(t *testing.T) {
	c := NewController(Params{})

	for i := 0; i < maxHistory+5; i++ {
		c.mu.Lock()
		c.history = append([]HistoryEntry{{UID: string(rune('a' + i))}}, c.history...)
		if len(c.history) > maxHistory {
			c.history = c.history[:maxHistory]
		}
		c.mu.Unlock()
	}

	snap := c.Snapshot()
	if len(snap.History) != maxHistory {
		t.Fatalf("history length = %d, want %d", len(snap.History), maxHistory)
	}
	if snap.History[0].UID != string(rune('a'+maxHistory+4)) {
		t.Fatalf("newest entry = %q", snap.History[0].UID)
	}
}

func TestParseDicomAge(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"012Y", 12},
		{"7Y", 7},
		{"006M", 0},
		{"030M", 2},
		{"040W", 0},
		{"003D", 0},
		{"", 0},
		{"Y", 0},
		{"abc", 0},
		{" 015y ", 15},
	}

	for _, tc := range cases {
		if got := parseDicomAge(tc.in); got != tc.want {
			t.Fatalf("parseDicomAge(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
