package notebook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultPollInterval  = 200 * time.Millisecond
	DefaultWaitTimeout   = 30 * time.Second
	DefaultCreateTimeout = 60 * time.Second
	DefaultPendingTTL    = 5 * time.Minute

	finalizeTimeout = 10 * time.Second
)

// DefaultDisplayName is the title given to a user's notebook when the caller
// does not choose one.
func DefaultDisplayName(userID string) string {
	return "Chess Learning - " + userID
}

type ManagerOptions struct {
	Store  MappingStore
	Client Client

	PollInterval time.Duration
	WaitTimeout  time.Duration
	// CreateTimeout bounds a single external creation. It runs detached from
	// the caller's context.
	CreateTimeout time.Duration
	// PendingTTL is how long a pending reservation may go without progress
	// before another resolver may reclaim it.
	PendingTTL time.Duration
	NameFunc   func(userID string) string

	Logger  *slog.Logger
	Events  *Broker
	Metrics *Metrics
	Now     func() time.Time
}

// Manager guarantees one external notebook per user. All coordination goes
// through the store's atomic Reserve and Reclaim, so any number of Manager
// instances, in any number of processes, may share a store.
type Manager struct {
	store         MappingStore
	client        Client
	pollInterval  time.Duration
	waitTimeout   time.Duration
	createTimeout time.Duration
	pendingTTL    time.Duration
	nameFunc      func(string) string
	logger        *slog.Logger
	events        *Broker
	metrics       *Metrics
	now           func() time.Time
	tracer        trace.Tracer
}

type Resolution struct {
	Mapping Mapping `json:"mapping"`
	// Created is true when this call performed the external creation.
	Created bool `json:"created"`
}

type resolveConfig struct {
	displayName string
}

type ResolveOption func(*resolveConfig)

// WithDisplayName sets the title used if the call ends up creating the
// notebook. It has no effect on an existing mapping.
func WithDisplayName(name string) ResolveOption {
	return func(cfg *resolveConfig) {
		cfg.displayName = strings.TrimSpace(name)
	}
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: mapping store is required", ErrInvalidInput)
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("%w: notebook client is required", ErrInvalidInput)
	}
	m := &Manager{
		store:         opts.Store,
		client:        opts.Client,
		pollInterval:  opts.PollInterval,
		waitTimeout:   opts.WaitTimeout,
		createTimeout: opts.CreateTimeout,
		pendingTTL:    opts.PendingTTL,
		nameFunc:      opts.NameFunc,
		logger:        opts.Logger,
		events:        opts.Events,
		metrics:       opts.Metrics,
		now:           opts.Now,
		tracer:        otel.Tracer("notebookrelay/notebook"),
	}
	if m.pollInterval <= 0 {
		m.pollInterval = DefaultPollInterval
	}
	if m.waitTimeout <= 0 {
		m.waitTimeout = DefaultWaitTimeout
	}
	if m.createTimeout <= 0 {
		m.createTimeout = DefaultCreateTimeout
	}
	if m.pendingTTL <= 0 {
		m.pendingTTL = DefaultPendingTTL
	}
	if m.nameFunc == nil {
		m.nameFunc = DefaultDisplayName
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	return m, nil
}

// Resolve returns the user's active mapping, creating the external notebook
// if none exists. Concurrent calls for one user perform at most one creation;
// the others wait for its outcome.
func (m *Manager) Resolve(ctx context.Context, rawUserID string, opts ...ResolveOption) (res Resolution, err error) {
	userID, err := NormalizeUserID(rawUserID)
	if err != nil {
		return Resolution{}, err
	}
	cfg := resolveConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.displayName == "" {
		cfg.displayName = m.nameFunc(userID)
	}

	ctx, span := m.tracer.Start(ctx, "notebook.Manager.Resolve",
		trace.WithAttributes(attribute.String("user_id", userID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Bool("created", res.Created))
		}
		span.End()
	}()

	mapping, created, err := m.store.Reserve(ctx, userID, cfg.displayName)
	if err != nil {
		return Resolution{}, fmt.Errorf("reserve mapping for %s: %w", userID, err)
	}
	if created {
		m.publish(Event{Type: EventReserved, UserID: userID, Attempt: mapping.Attempts})
		return m.create(ctx, mapping, false)
	}

	switch mapping.Status {
	case StatusActive:
		m.metrics.resolved("hit")
		return Resolution{Mapping: mapping}, nil
	case StatusFailed, StatusDeleted:
		return m.reclaim(ctx, mapping)
	case StatusPending:
		if m.stale(mapping) {
			return m.reclaim(ctx, mapping)
		}
		return m.wait(ctx, userID)
	default:
		return Resolution{}, fmt.Errorf("mapping for %s has unknown status %q", userID, mapping.Status)
	}
}

func (m *Manager) stale(mapping Mapping) bool {
	return mapping.UpdatedAt.Before(m.now().Add(-m.pendingTTL))
}

// reclaim re-reserves a failed, deleted or abandoned mapping. Only the caller
// that wins the store's conditional update creates; everyone else observes
// the winner.
func (m *Manager) reclaim(ctx context.Context, prior Mapping) (Resolution, error) {
	mapping, won, err := m.store.Reclaim(ctx, prior.UserID, m.now().Add(-m.pendingTTL))
	if err != nil {
		return Resolution{}, fmt.Errorf("reclaim mapping for %s: %w", prior.UserID, err)
	}
	if won {
		m.logger.Info("notebook mapping reclaimed",
			"user_id", prior.UserID, "prior_status", string(prior.Status), "attempt", mapping.Attempts)
		m.publish(Event{Type: EventReserved, UserID: prior.UserID, Attempt: mapping.Attempts})
		// A stale pending record may have created its notebook before dying.
		return m.create(ctx, mapping, prior.Status == StatusPending)
	}
	switch mapping.Status {
	case StatusActive:
		m.metrics.resolved("hit")
		return Resolution{Mapping: mapping}, nil
	case StatusPending:
		return m.wait(ctx, prior.UserID)
	case StatusFailed:
		return Resolution{}, creationFailure(mapping)
	default:
		return Resolution{}, fmt.Errorf("notebook for %s: %w", prior.UserID, ErrNotFound)
	}
}

// wait polls until another resolver's creation settles.
func (m *Manager) wait(ctx context.Context, userID string) (Resolution, error) {
	started := time.Now()
	defer func() { m.metrics.waited(time.Since(started)) }()

	deadline := time.NewTimer(m.waitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Resolution{}, ctx.Err()
		case <-deadline.C:
			m.metrics.resolved("timeout")
			return Resolution{}, fmt.Errorf("%w: user %s after %s", ErrCreationTimeout, userID, m.waitTimeout)
		case <-ticker.C:
			mapping, err := m.store.Get(ctx, userID)
			if errors.Is(err, ErrNotFound) {
				return Resolution{}, fmt.Errorf("notebook for %s: %w", userID, ErrNotFound)
			}
			if err != nil {
				return Resolution{}, fmt.Errorf("poll mapping for %s: %w", userID, err)
			}
			switch mapping.Status {
			case StatusActive:
				m.metrics.resolved("waited")
				return Resolution{Mapping: mapping}, nil
			case StatusFailed:
				m.metrics.resolved("failed")
				return Resolution{}, creationFailure(mapping)
			case StatusDeleted:
				return Resolution{}, fmt.Errorf("notebook for %s: %w", userID, ErrNotFound)
			}
		}
	}
}

func creationFailure(mapping Mapping) error {
	return &CreationError{UserID: mapping.UserID, Reason: mapping.LastError, Permanent: mapping.Permanent}
}

type creationResult struct {
	mapping Mapping
	err     error
}

// create runs the external creation on a context detached from the caller so
// a cancelled request cannot leave a notebook half-recorded.
func (m *Manager) create(ctx context.Context, mapping Mapping, adopt bool) (Resolution, error) {
	done := make(chan creationResult, 1)
	createCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.createTimeout)
	go func() {
		defer cancel()
		final, err := m.runCreation(createCtx, mapping, adopt)
		done <- creationResult{mapping: final, err: err}
	}()

	select {
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	case result := <-done:
		if result.err != nil {
			return Resolution{}, result.err
		}
		return Resolution{Mapping: result.mapping, Created: true}, nil
	}
}

func (m *Manager) runCreation(ctx context.Context, mapping Mapping, adopt bool) (Mapping, error) {
	userID := mapping.UserID
	var (
		info    NotebookInfo
		adopted bool
		err     error
	)
	if adopt {
		info, adopted = m.findOrphan(ctx, mapping)
	}
	if !adopted {
		info, err = m.client.CreateNotebook(ctx, mapping.DisplayName)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = &ExternalError{Op: "create_notebook", Message: "timed out after " + m.createTimeout.String(), Temporary: true}
			}
			m.recordFailure(ctx, mapping, err)
			return Mapping{}, fmt.Errorf("create notebook for %s: %w", userID, err)
		}
	}

	finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := m.store.MarkActive(finalizeCtx, userID, mapping.Reservation, info.ID); err != nil {
		return m.resolveMarkActiveFailure(finalizeCtx, mapping, info, err)
	}

	mapping.Status = StatusActive
	mapping.NotebookID = info.ID
	mapping.Reservation = ""
	mapping.UpdatedAt = m.now()

	eventType, outcome := EventCreated, "created"
	if adopted {
		eventType, outcome = EventAdopted, "adopted"
	}
	m.metrics.resolved(outcome)
	m.logger.Info("notebook "+outcome, "user_id", userID, "notebook_id", info.ID, "attempt", mapping.Attempts)
	m.publish(Event{Type: eventType, UserID: userID, NotebookID: info.ID, Attempt: mapping.Attempts})
	return mapping, nil
}

// resolveMarkActiveFailure handles a notebook that exists externally but
// could not be recorded. A conflict means our reservation was reclaimed; if
// the new owner adopted this very notebook the outcome is still a success.
// Otherwise the record stays pending and is adopted once it goes stale.
func (m *Manager) resolveMarkActiveFailure(ctx context.Context, mapping Mapping, info NotebookInfo, markErr error) (Mapping, error) {
	userID := mapping.UserID
	if errors.Is(markErr, ErrConflict) {
		current, err := m.store.Get(ctx, userID)
		if err == nil && current.Status == StatusActive && current.NotebookID == info.ID {
			return current, nil
		}
		m.logger.Warn("reservation lost after external creation, removing duplicate notebook",
			"user_id", userID, "notebook_id", info.ID)
		if err := m.client.DeleteNotebook(ctx, info.ID); err != nil {
			m.logger.Warn("duplicate notebook cleanup failed", "user_id", userID, "notebook_id", info.ID, "error", err)
		}
		return Mapping{}, fmt.Errorf("record notebook for %s: %w", userID, markErr)
	}
	m.logger.Error("notebook created but mapping not recorded",
		"user_id", userID, "notebook_id", info.ID, "error", markErr)
	return Mapping{}, fmt.Errorf("record notebook %s for %s: %w", info.ID, userID, markErr)
}

func (m *Manager) recordFailure(ctx context.Context, mapping Mapping, cause error) {
	permanent := IsPermanent(cause)
	finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := m.store.MarkFailed(finalizeCtx, mapping.UserID, mapping.Reservation, cause.Error(), permanent); err != nil {
		m.logger.Warn("could not record failed creation", "user_id", mapping.UserID, "error", err)
	}
	m.metrics.resolved("failed")
	m.logger.Warn("notebook creation failed",
		"user_id", mapping.UserID, "attempt", mapping.Attempts, "permanent", permanent, "error", cause)
	m.publish(Event{Type: EventFailed, UserID: mapping.UserID, Attempt: mapping.Attempts, Error: cause.Error()})
}

// findOrphan looks for a notebook created by an abandoned reservation.
func (m *Manager) findOrphan(ctx context.Context, mapping Mapping) (NotebookInfo, bool) {
	notebooks, err := m.client.ListNotebooks(ctx)
	if err != nil {
		m.logger.Warn("orphan lookup failed, creating a new notebook", "user_id", mapping.UserID, "error", err)
		return NotebookInfo{}, false
	}
	for _, nb := range notebooks {
		if nb.ID != "" && nb.Title == mapping.DisplayName {
			return nb, true
		}
	}
	return NotebookInfo{}, false
}

// Delete removes the user's notebook. The external deletion is best effort;
// the mapping moves to deleted regardless so the next Resolve creates anew.
func (m *Manager) Delete(ctx context.Context, rawUserID string) error {
	userID, err := NormalizeUserID(rawUserID)
	if err != nil {
		return err
	}
	mapping, err := m.store.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("notebook for %s: %w", userID, err)
	}
	switch mapping.Status {
	case StatusDeleted:
		return fmt.Errorf("notebook for %s: %w", userID, ErrNotFound)
	case StatusPending:
		return &ConflictError{UserID: userID, Expected: StatusActive, Current: mapping.Status}
	}
	if mapping.NotebookID != "" {
		if err := m.client.DeleteNotebook(ctx, mapping.NotebookID); err != nil {
			m.logger.Warn("external notebook deletion failed", "user_id", userID, "notebook_id", mapping.NotebookID, "error", err)
		}
	}
	if err := m.store.Delete(ctx, userID); err != nil {
		return fmt.Errorf("delete mapping for %s: %w", userID, err)
	}
	m.logger.Info("notebook deleted", "user_id", userID, "notebook_id", mapping.NotebookID)
	m.publish(Event{Type: EventDeleted, UserID: userID, NotebookID: mapping.NotebookID})
	return nil
}

func (m *Manager) Get(ctx context.Context, rawUserID string) (Mapping, error) {
	userID, err := NormalizeUserID(rawUserID)
	if err != nil {
		return Mapping{}, err
	}
	return m.store.Get(ctx, userID)
}

func (m *Manager) List(ctx context.Context) ([]Mapping, error) {
	return m.store.List(ctx)
}

func (m *Manager) publish(event Event) {
	if m.events == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}
	m.events.Publish(event)
}
