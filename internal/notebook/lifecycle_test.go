package notebook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestManager(t *testing.T, store MappingStore, client Client, mutate ...func(*ManagerOptions)) *Manager {
	t.Helper()
	opts := ManagerOptions{
		Store:         store,
		Client:        client,
		PollInterval:  5 * time.Millisecond,
		WaitTimeout:   2 * time.Second,
		CreateTimeout: 2 * time.Second,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	manager, err := NewManager(opts)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return manager
}

func TestResolveConcurrentCallersCreateOnce(t *testing.T) {
	store := NewInMemoryMappingStore()
	client := newFakeClient()
	client.release = make(chan struct{})
	client.started = make(chan struct{}, 1)
	managers := []*Manager{newTestManager(t, store, client), newTestManager(t, store, client)}

	const callers = 12
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		notebook = map[string]bool{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(manager *Manager) {
			defer wg.Done()
			res, err := manager.Resolve(context.Background(), "Alice@Example.com")
			if err != nil {
				t.Errorf("resolve failed: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			notebook[res.Mapping.NotebookID] = true
			if res.Created {
				created++
			}
		}(managers[i%len(managers)])
	}

	<-client.started
	time.Sleep(20 * time.Millisecond)
	close(client.release)
	wg.Wait()

	if client.creates() != 1 {
		t.Fatalf("expected exactly one external creation, got %d", client.creates())
	}
	if created != 1 {
		t.Fatalf("expected one caller to report creation, got %d", created)
	}
	if len(notebook) != 1 {
		t.Fatalf("expected all callers to observe one notebook, got %v", notebook)
	}
	mapping, err := store.Get(context.Background(), "alice@example.com")
	if err != nil || mapping.Status != StatusActive {
		t.Fatalf("expected active mapping, got %+v err=%v", mapping, err)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	store := NewInMemoryMappingStore()
	client := newFakeClient()
	manager := newTestManager(t, store, client)
	ctx := context.Background()

	first, err := manager.Resolve(ctx, "bob")
	if err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	if !first.Created || first.Mapping.DisplayName != "Chess Learning - bob" {
		t.Fatalf("unexpected first resolution: %+v", first)
	}
	second, err := manager.Resolve(ctx, "bob")
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if second.Created || second.Mapping.NotebookID != first.Mapping.NotebookID {
		t.Fatalf("expected cache hit on same notebook, got %+v", second)
	}
	if client.creates() != 1 {
		t.Fatalf("expected one creation, got %d", client.creates())
	}
}

func TestResolveRetriesAfterRecordedFailure(t *testing.T) {
	store := NewInMemoryMappingStore()
	client := newFakeClient()
	client.createErrs = []error{&ExternalError{Op: "create_notebook", StatusCode: 400, Message: "quota", Temporary: false}}
	manager := newTestManager(t, store, client)
	ctx := context.Background()

	_, err := manager.Resolve(ctx, "carol")
	if !errors.Is(err, ErrExternalRejected) {
		t.Fatalf("expected rejected error, got %v", err)
	}
	failed, _ := store.Get(ctx, "carol")
	if failed.Status != StatusFailed || !failed.Permanent {
		t.Fatalf("expected permanent failed mapping, got %+v", failed)
	}

	res, err := manager.Resolve(ctx, "carol")
	if err != nil {
		t.Fatalf("retry resolve failed: %v", err)
	}
	if !res.Created || res.Mapping.Status != StatusActive || res.Mapping.Attempts != 2 {
		t.Fatalf("expected second attempt to create, got %+v", res)
	}
	if client.creates() != 2 {
		t.Fatalf("expected two creation attempts, got %d", client.creates())
	}
}

func TestWaiterObservesWinnerFailure(t *testing.T) {
	store := NewInMemoryMappingStore()
	client := newFakeClient()
	client.release = make(chan struct{})
	client.started = make(chan struct{}, 1)
	client.createErrs = []error{&ExternalError{Op: "create_notebook", StatusCode: 503, Message: "down", Temporary: true}}
	winner := newTestManager(t, store, client)
	waiter := newTestManager(t, store, client)

	winnerErr := make(chan error, 1)
	go func() {
		_, err := winner.Resolve(context.Background(), "dave")
		winnerErr <- err
	}()
	<-client.started

	waiterErr := make(chan error, 1)
	go func() {
		_, err := waiter.Resolve(context.Background(), "dave")
		waiterErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(client.release)

	if err := <-winnerErr; !errors.Is(err, ErrExternalUnavailable) {
		t.Fatalf("expected winner to surface unavailable, got %v", err)
	}
	err := <-waiterErr
	var creation *CreationError
	if !errors.As(err, &creation) {
		t.Fatalf("expected waiter to observe creation failure, got %v", err)
	}
	if !errors.Is(err, ErrExternalUnavailable) || creation.Permanent {
		t.Fatalf("expected transient creation failure, got %+v", creation)
	}
	if client.creates() != 1 {
		t.Fatalf("waiter must not retry creation, got %d creations", client.creates())
	}
}

func TestWaiterTimesOut(t *testing.T) {
	store := NewInMemoryMappingStore()
	client := newFakeClient()
	client.release = make(chan struct{})
	client.started = make(chan struct{}, 1)
	winner := newTestManager(t, store, client)
	waiter := newTestManager(t, store, client, func(o *ManagerOptions) { o.WaitTimeout = 30 * time.Millisecond })

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = winner.Resolve(context.Background(), "erin")
	}()
	<-client.started

	_, err := waiter.Resolve(context.Background(), "erin")
	if !errors.Is(err, ErrCreationTimeout) {
		t.Fatalf("expected creation timeout, got %v", err)
	}
	close(client.release)
	<-done
}

func TestDeleteThenResolveCreatesDistinctNotebook(t *testing.T) {
	store := NewInMemoryMappingStore()
	client := newFakeClient()
	manager := newTestManager(t, store, client)
	ctx := context.Background()

	first, err := manager.Resolve(ctx, "frank")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if err := manager.Delete(ctx, "frank"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if len(client.deleted) != 1 || client.deleted[0] != first.Mapping.NotebookID {
		t.Fatalf("expected external delete of %s, got %v", first.Mapping.NotebookID, client.deleted)
	}
	if err := manager.Delete(ctx, "frank"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected second delete to report not found, got %v", err)
	}

	second, err := manager.Resolve(ctx, "frank")
	if err != nil {
		t.Fatalf("resolve after delete failed: %v", err)
	}
	if !second.Created || second.Mapping.NotebookID == first.Mapping.NotebookID {
		t.Fatalf("expected a new notebook after delete, got %+v", second)
	}
}

func TestDeleteEdgeCases(t *testing.T) {
	store := NewInMemoryMappingStore()
	client := newFakeClient()
	manager := newTestManager(t, store, client)
	ctx := context.Background()

	if err := manager.Delete(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unknown user, got %v", err)
	}
	if _, _, err := store.Reserve(ctx, "pending", "nb"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := manager.Delete(ctx, "pending"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict while pending, got %v", err)
	}

	if _, err := manager.Resolve(ctx, "gina"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	client.deleteErr = &ExternalError{Op: "delete_notebook", StatusCode: 503, Temporary: true}
	if err := manager.Delete(ctx, "gina"); err != nil {
		t.Fatalf("external delete failure should not fail the operation, got %v", err)
	}
	m, _ := store.Get(ctx, "gina")
	if m.Status != StatusDeleted {
		t.Fatalf("expected mapping deleted despite external failure, got %s", m.Status)
	}
}

func TestResolveAdoptsOrphanFromAbandonedReservation(t *testing.T) {
	store := NewInMemoryMappingStore()
	client := newFakeClient()
	ctx := context.Background()

	if _, _, err := store.Reserve(ctx, "hank", DefaultDisplayName("hank")); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	orphan := client.orphan(DefaultDisplayName("hank"))

	later := func() time.Time { return time.Now().UTC().Add(10 * time.Minute) }
	manager := newTestManager(t, store, client, func(o *ManagerOptions) { o.Now = later })
	res, err := manager.Resolve(ctx, "hank")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res.Mapping.NotebookID != orphan.ID {
		t.Fatalf("expected orphan %s to be adopted, got %s", orphan.ID, res.Mapping.NotebookID)
	}
	if client.creates() != 0 {
		t.Fatalf("expected no new creation, got %d", client.creates())
	}
	if res.Mapping.Attempts != 2 {
		t.Fatalf("expected reclaim to bump attempts, got %d", res.Mapping.Attempts)
	}
}

func TestStaleWinnerCannotOverwriteReclaimedMapping(t *testing.T) {
	store := NewInMemoryMappingStore()
	slow := newFakeClient()
	slow.release = make(chan struct{})
	slow.started = make(chan struct{}, 1)
	fast := newFakeClient()
	fast.nextID = 100
	ctx := context.Background()

	stale := newTestManager(t, store, slow)
	staleErr := make(chan error, 1)
	go func() {
		_, err := stale.Resolve(ctx, "ivy")
		staleErr <- err
	}()
	<-slow.started

	later := func() time.Time { return time.Now().UTC().Add(10 * time.Minute) }
	reclaimer := newTestManager(t, store, fast, func(o *ManagerOptions) { o.Now = later })
	res, err := reclaimer.Resolve(ctx, "ivy")
	if err != nil {
		t.Fatalf("reclaiming resolve failed: %v", err)
	}

	close(slow.release)
	if err := <-staleErr; !errors.Is(err, ErrConflict) {
		t.Fatalf("expected stale winner to hit a conflict, got %v", err)
	}
	mapping, _ := store.Get(ctx, "ivy")
	if mapping.NotebookID != res.Mapping.NotebookID || mapping.Status != StatusActive {
		t.Fatalf("expected reclaimer's notebook to stay recorded, got %+v", mapping)
	}
	if len(slow.deleted) != 1 || slow.notebookCount() != 0 {
		t.Fatalf("expected duplicate notebook cleanup, deleted=%v remaining=%d", slow.deleted, slow.notebookCount())
	}
}

func TestCancelledCallerDoesNotAbortCreation(t *testing.T) {
	store := NewInMemoryMappingStore()
	client := newFakeClient()
	client.release = make(chan struct{})
	client.started = make(chan struct{}, 1)
	manager := newTestManager(t, store, client)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := manager.Resolve(ctx, "jack")
		errCh <- err
	}()
	<-client.started
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected caller to see cancellation, got %v", err)
	}
	close(client.release)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m, err := store.Get(context.Background(), "jack")
		if err == nil && m.Status == StatusActive {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected detached creation to complete and record the mapping")
}

func TestResolvePublishesLifecycleEvents(t *testing.T) {
	broker := NewBroker(8)
	events, cancel := broker.Subscribe()
	defer cancel()

	manager := newTestManager(t, NewInMemoryMappingStore(), newFakeClient(), func(o *ManagerOptions) { o.Events = broker })
	if _, err := manager.Resolve(context.Background(), "kate"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if err := manager.Delete(context.Background(), "kate"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	want := []EventType{EventReserved, EventCreated, EventDeleted}
	for _, typ := range want {
		select {
		case ev := <-events:
			if ev.Type != typ || ev.UserID != "kate" {
				t.Fatalf("expected %s for kate, got %+v", typ, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestResolveMasksTransientGatewayFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"nb_remote","title":"Chess Learning - leo"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(HTTPClientOptions{
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
	manager := newTestManager(t, NewInMemoryMappingStore(), client)
	res, err := manager.Resolve(context.Background(), "leo")
	if err != nil {
		t.Fatalf("expected retries to mask transient failures, got %v", err)
	}
	if res.Mapping.NotebookID != "nb_remote" || !res.Created {
		t.Fatalf("unexpected resolution: %+v", res)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected three gateway calls, got %d", atomic.LoadInt32(&calls))
	}
}

func TestResolveRejectsInvalidUser(t *testing.T) {
	manager := newTestManager(t, NewInMemoryMappingStore(), newFakeClient())
	if _, err := manager.Resolve(context.Background(), "  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
