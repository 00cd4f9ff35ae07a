package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ozanturksever/dtm0-recovery/internal/dtmlog"
	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
	"github.com/ozanturksever/dtm0-recovery/internal/ha"
	"github.com/ozanturksever/dtm0-recovery/internal/registry"
	"github.com/ozanturksever/dtm0-recovery/internal/transport"
)

var (
	// ErrSchedulerRunning is returned by Run on a scheduler that is already running.
	ErrSchedulerRunning = errors.New("scheduler already running")
	// ErrSchedulerStopped is returned by requests to a scheduler that has stopped.
	ErrSchedulerStopped = errors.New("scheduler stopped")
)

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Registry  *registry.Registry
	Log       dtmlog.Log
	Transport transport.Transport
	Codec     Transmuter
	Source    ha.Source
	Publisher ha.Publisher
}

type completion struct {
	handle *registry.TaskHandle
	err    error
}

type forgetRequest struct {
	id    dtx.ParticipantID
	reply chan error
}

// Scheduler reacts to HA events. It is the only writer of participant
// state and the only component that starts or cancels recovery tasks.
// Events are handled one at a time in delivery order.
type Scheduler struct {
	cfg    Config
	deps   Deps
	reg    *registry.Registry
	logger *slog.Logger

	completions chan completion
	retries     chan registry.TaskKey
	forgets     chan forgetRequest
	subscribed  chan struct{}
	quit        chan struct{}
	running     atomic.Bool
	violations  atomic.Uint64

	// runCtx is the parent of every task context.
	runCtx context.Context

	mu          sync.Mutex
	local       *LocalTask
	evictions   map[dtx.ParticipantID]*EvictionTask
	readyCancel context.CancelFunc
	onViolation func(ha.Event, error)
	onEvent     func(ha.Event)
}

// NewScheduler validates cfg and creates a scheduler.
func NewScheduler(cfg Config, deps Deps) (*Scheduler, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Registry == nil || deps.Log == nil || deps.Transport == nil ||
		deps.Codec == nil || deps.Source == nil || deps.Publisher == nil {
		return nil, fmt.Errorf("scheduler dependencies are incomplete")
	}
	if deps.Registry.Self() != cfg.Self {
		return nil, fmt.Errorf("registry is for %s, scheduler for %s", deps.Registry.Self(), cfg.Self)
	}

	return &Scheduler{
		cfg:         cfg,
		deps:        deps,
		reg:         deps.Registry,
		logger:      slog.Default().With("component", "scheduler", "node", cfg.Self),
		completions: make(chan completion, 64),
		retries:     make(chan registry.TaskKey, 64),
		forgets:     make(chan forgetRequest),
		subscribed:  make(chan struct{}),
		quit:        make(chan struct{}),
		evictions:   make(map[dtx.ParticipantID]*EvictionTask),
	}, nil
}

// OnViolation registers a callback for rejected HA events.
func (s *Scheduler) OnViolation(fn func(ha.Event, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onViolation = fn
}

// OnEvent registers a callback invoked after every handled event.
func (s *Scheduler) OnEvent(fn func(ha.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvent = fn
}

// Subscribed is closed once Run is attached to the HA feed. Events
// published after that are delivered live rather than as replay.
func (s *Scheduler) Subscribed() <-chan struct{} {
	return s.subscribed
}

// Violations returns the number of rejected HA events.
func (s *Scheduler) Violations() uint64 {
	return s.violations.Load()
}

// Run consumes HA events until ctx is cancelled or the feed closes. Every
// task is cancelled and awaited before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrSchedulerRunning
	}
	defer close(s.quit)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.runCtx = ctx

	events, err := s.deps.Source.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to HA events: %w", err)
	}
	close(s.subscribed)
	s.logger.Info("scheduler started")

	defer func() {
		s.cancelReady()
		s.cancelAndAwait(s.reg.Tasks())
		s.logger.Info("scheduler stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ha.ErrFeedClosed
			}
			s.handle(ev)
		case c := <-s.completions:
			s.complete(c)
		case key := <-s.retries:
			s.retry(key)
		case req := <-s.forgets:
			req.reply <- s.forget(req.id)
		}
	}
}

// violation logs, counts and reports a rejected event.
func (s *Scheduler) violation(ev ha.Event, err error) {
	s.violations.Add(1)
	violationsMetric.Inc()
	s.logger.Error("rejected HA event", "event", ev.String(), "error", err)

	s.mu.Lock()
	fn := s.onViolation
	s.mu.Unlock()
	if fn != nil {
		fn(ev, err)
	}
}

func (s *Scheduler) handle(ev ha.Event) {
	p := ev.Participant
	self := s.cfg.Self

	if err := p.ValidateToken(); err != nil {
		s.violation(ev, fmt.Errorf("%w: %v", ha.ErrProtocolViolation, err))
		return
	}

	prev := s.reg.State(p)
	next, err := ha.Next(prev, ev.Kind)
	if err != nil {
		s.violation(ev, err)
		return
	}

	if p == self {
		s.cancelReady()
	}

	// Tasks acting for p belong to its previous state.
	s.cancelAndAwait(s.reg.TasksFor(p))

	// Writes are accepted as soon as self is RECOVERING; the local task
	// must be there to capture the first one as the marker.
	if p == self && next == ha.StateRecovering && !ev.Replay {
		s.startLocal()
	}
	s.reg.SetState(p, next)

	s.logger.Info("participant state changed", "participant", p,
		"from", prev.String(), "to", next.String(), "replay", ev.Replay)

	if !ev.Replay {
		if p == self {
			s.selfChanged(next)
		} else {
			s.peerChanged(p, next)
		}
	}

	s.mu.Lock()
	fn := s.onEvent
	s.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (s *Scheduler) selfChanged(next ha.State) {
	switch next {
	case ha.StateRecovering:
		// Evictions this node hosted were cancelled when it left the
		// cluster; take them up again.
		for _, f := range s.reg.InStates(ha.StateFailed) {
			if !s.reg.Evicted(f) {
				s.startEviction(f)
			}
		}
	case ha.StateTransient, ha.StateFailed:
		s.cancelAndAwait(s.reg.Tasks())
	}
}

func (s *Scheduler) peerChanged(p dtx.ParticipantID, next ha.State) {
	selfAccepting := s.reg.SelfState().Accepting()

	switch next {
	case ha.StateRecovering:
		if selfAccepting {
			s.startRemote(p)
		}
		s.forEachEviction(func(t *EvictionTask) { t.Resume(p) })

	case ha.StateOnline:
		s.forEachEviction(func(t *EvictionTask) { t.Resume(p) })

	case ha.StateTransient:
		s.deps.Transport.Teardown(p)
		s.withLocal(func(t *LocalTask) { t.PeerLeft(p) })
		s.forEachEviction(func(t *EvictionTask) { t.Pause(p) })

	case ha.StateFailed:
		s.deps.Transport.Teardown(p)
		s.withLocal(func(t *LocalTask) { t.PeerLeft(p) })
		s.forEachEviction(func(t *EvictionTask) { t.Remove(p) })
		if selfAccepting {
			s.startEviction(p)
		}
	}
}

func (s *Scheduler) withLocal(fn func(*LocalTask)) {
	s.mu.Lock()
	t := s.local
	s.mu.Unlock()
	if t != nil {
		fn(t)
	}
}

func (s *Scheduler) forEachEviction(fn func(*EvictionTask)) {
	s.mu.Lock()
	tasks := make([]*EvictionTask, 0, len(s.evictions))
	for _, t := range s.evictions {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()
	for _, t := range tasks {
		fn(t)
	}
}

func (s *Scheduler) startLocal() {
	peers := s.reg.InStates(ha.StateOnline, ha.StateRecovering)
	t := NewLocalTask(s.cfg.Self, peers)
	key := registry.TaskKey{Participant: s.cfg.Self, Role: registry.RoleLocal}

	s.start(key, t.Run, func() {
		s.mu.Lock()
		s.local = t
		s.mu.Unlock()
	})
}

func (s *Scheduler) startRemote(target dtx.ParticipantID) {
	p := newPusher(s.cfg, s.deps.Log, s.deps.Transport, s.deps.Codec, target, dtx.RecoveryStream,
		func(d dtx.TxDescriptor) bool { return d.Involves(target) })
	key := registry.TaskKey{Participant: target, Peer: s.cfg.Self, Role: registry.RoleRemote}
	s.start(key, p.run, nil)
}

func (s *Scheduler) startEviction(failed dtx.ParticipantID) {
	var active, paused []dtx.ParticipantID
	for _, p := range s.reg.Participants() {
		if p.ID == failed || p.ID == s.cfg.Self {
			continue
		}
		switch {
		case p.State.Accepting():
			active = append(active, p.ID)
		case p.State == ha.StateTransient:
			paused = append(paused, p.ID)
		}
	}

	t := NewEvictionTask(s.cfg, s.deps.Log, s.deps.Transport, s.deps.Codec, failed, active, paused)
	key := registry.TaskKey{Participant: failed, Role: registry.RoleEviction}
	s.start(key, t.Run, func() {
		s.mu.Lock()
		s.evictions[failed] = t
		s.mu.Unlock()
	})
}

// start registers and launches a task. register runs after the handle is
// accepted by the registry and before the task goroutine starts.
func (s *Scheduler) start(key registry.TaskKey, run func(context.Context) error, register func()) {
	ctx, cancel := context.WithCancel(s.runCtx)
	h := registry.NewTaskHandle(key, cancel)
	if err := s.reg.AddTask(h); err != nil {
		cancel()
		s.logger.Error("task not started", "task", key.String(), "error", err)
		return
	}
	if register != nil {
		register()
	}
	tasksActiveMetric.WithLabelValues(key.Role.String()).Inc()
	s.logger.Info("task started", "task", key.String(), "id", h.ID)

	go func() {
		err := run(ctx)
		cancel()
		tasksActiveMetric.WithLabelValues(key.Role.String()).Dec()
		h.Finish()
		select {
		case s.completions <- completion{handle: h, err: err}:
		case <-s.quit:
		}
	}()
}

// cancelAndAwait cancels the tasks, waits for them to release their
// resources, and unregisters them.
func (s *Scheduler) cancelAndAwait(handles []*registry.TaskHandle) {
	if len(handles) == 0 {
		return
	}
	for _, h := range handles {
		h.Cancel()
	}

	timeout := time.NewTimer(s.cfg.CancelTimeout)
	defer timeout.Stop()
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-timeout.C:
			s.logger.Error("task did not stop in time", "task", h.Key.String(), "id", h.ID)
		}
		if s.reg.RemoveTask(h) {
			tasksCompletedMetric.WithLabelValues(h.Key.Role.String(), "cancelled").Inc()
			s.logger.Info("task cancelled", "task", h.Key.String(), "id", h.ID)
		}
		s.forgetTask(h.Key)
	}
}

func (s *Scheduler) forgetTask(key registry.TaskKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch key.Role {
	case registry.RoleLocal:
		s.local = nil
	case registry.RoleEviction:
		delete(s.evictions, key.Participant)
	}
}

func (s *Scheduler) complete(c completion) {
	h := c.handle
	if !s.reg.RemoveTask(h) {
		// Already cancelled and unregistered.
		return
	}
	s.forgetTask(h.Key)

	if c.err != nil {
		tasksCompletedMetric.WithLabelValues(h.Key.Role.String(), "error").Inc()
		s.logger.Warn("task stopped with error, rescheduling", "task", h.Key.String(), "id", h.ID,
			"error", c.err, "retry_in", s.cfg.MaxRetryInterval)
		time.AfterFunc(s.cfg.MaxRetryInterval, func() {
			select {
			case s.retries <- h.Key:
			case <-s.quit:
			}
		})
		return
	}
	tasksCompletedMetric.WithLabelValues(h.Key.Role.String(), "done").Inc()
	s.logger.Info("task completed", "task", h.Key.String(), "id", h.ID, "elapsed", time.Since(h.Started))

	switch h.Key.Role {
	case registry.RoleLocal:
		s.publishReady()
	case registry.RoleEviction:
		if err := s.reg.MarkEvicted(h.Key.Participant); err != nil {
			s.logger.Error("cannot mark participant evicted", "participant", h.Key.Participant, "error", err)
		}
	}
}

// Forget drops an evicted participant from the registry. It is applied
// between HA events, like every other registry change the scheduler makes.
func (s *Scheduler) Forget(ctx context.Context, id dtx.ParticipantID) error {
	req := forgetRequest{id: id, reply: make(chan error, 1)}
	select {
	case s.forgets <- req:
	case <-s.quit:
		return ErrSchedulerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) forget(id dtx.ParticipantID) error {
	if err := s.reg.Forget(id); err != nil {
		return err
	}
	s.logger.Info("forgot evicted participant", "participant", id)
	return nil
}

// retry restarts a task that stopped with an error if the states that
// called for it still hold.
func (s *Scheduler) retry(key registry.TaskKey) {
	if _, ok := s.reg.Task(key); ok {
		return
	}
	self := s.reg.SelfState()
	p := key.Participant

	switch key.Role {
	case registry.RoleLocal:
		if self == ha.StateRecovering {
			s.startLocal()
		}
	case registry.RoleRemote:
		if self.Accepting() && s.reg.State(p) == ha.StateRecovering {
			s.startRemote(p)
		}
	case registry.RoleEviction:
		if self.Accepting() && s.reg.State(p) == ha.StateFailed && !s.reg.Evicted(p) {
			s.startEviction(p)
		}
	}
}

// publishReady reports PROCESS_STARTED, retrying until it succeeds or the
// next event for this node supersedes it.
func (s *Scheduler) publishReady() {
	ctx, cancel := context.WithCancel(s.runCtx)
	s.mu.Lock()
	if s.readyCancel != nil {
		s.readyCancel()
	}
	s.readyCancel = cancel
	s.mu.Unlock()

	go func() {
		op := func() error {
			return s.deps.Publisher.ProcessStarted(ctx, s.cfg.Self)
		}
		notify := func(err error, wait time.Duration) {
			s.logger.Warn("failed to publish process started, retrying", "error", err, "retry_in", wait)
		}
		if err := backoff.RetryNotify(op, backoff.WithContext(s.cfg.newBackOff(), ctx), notify); err != nil {
			if ctx.Err() == nil {
				s.logger.Error("gave up publishing process started", "error", err)
			}
			return
		}
		s.logger.Info("published process started")
	}()
}

func (s *Scheduler) cancelReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readyCancel != nil {
		s.readyCancel()
		s.readyCancel = nil
	}
}

// ObserveWrite reports a client write to the local recovery task, if one
// is running.
func (s *Scheduler) ObserveWrite(desc dtx.TxDescriptor) {
	s.withLocal(func(t *LocalTask) { t.ObserveWrite(desc) })
}

// Expecting implements RedoObserver. The recovery stream is only taken
// while a local recovery task runs, so no peer's end of log is consumed
// before the task can count it. Eviction streams are always taken.
func (s *Scheduler) Expecting(stream dtx.StreamID) bool {
	if stream != dtx.RecoveryStream {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local != nil
}

// ObserveRedo implements RedoObserver. Only the recovery stream counts
// toward local recovery.
func (s *Scheduler) ObserveRedo(from dtx.ParticipantID, stream dtx.StreamID, redo dtx.RedoMessage) {
	if stream != dtx.RecoveryStream {
		return
	}
	s.withLocal(func(t *LocalTask) { t.Observe(from, redo) })
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Self         dtx.ParticipantID      `json:"self"`
	State        ha.State               `json:"state"`
	Participants []registry.Participant `json:"participants"`
	Tasks        []TaskStatus           `json:"tasks"`
	Violations   uint64                 `json:"violations"`
	Local        *LocalStatus           `json:"local,omitempty"`
}

// TaskStatus describes one running task.
type TaskStatus struct {
	ID      string              `json:"id"`
	Key     registry.TaskKey    `json:"key"`
	Started time.Time           `json:"started"`
	Pending []dtx.ParticipantID `json:"pending,omitempty"`
}

// LocalStatus describes the local recovery task.
type LocalStatus struct {
	Marker   string              `json:"marker,omitempty"`
	Awaiting []dtx.ParticipantID `json:"awaiting"`
}

// Status returns the current view.
func (s *Scheduler) Status() Status {
	st := Status{
		Self:         s.cfg.Self,
		State:        s.reg.SelfState(),
		Participants: s.reg.Participants(),
		Violations:   s.Violations(),
	}

	s.mu.Lock()
	local := s.local
	evictions := make(map[dtx.ParticipantID]*EvictionTask, len(s.evictions))
	for k, v := range s.evictions {
		evictions[k] = v
	}
	s.mu.Unlock()

	for _, h := range s.reg.Tasks() {
		ts := TaskStatus{ID: h.ID.String(), Key: h.Key, Started: h.Started}
		if t, ok := evictions[h.Key.Participant]; ok && h.Key.Role == registry.RoleEviction {
			ts.Pending = t.Pending()
		}
		st.Tasks = append(st.Tasks, ts)
	}
	if local != nil {
		ls := &LocalStatus{Awaiting: local.Awaiting()}
		if m, ok := local.Marker(); ok {
			ls.Marker = m.String()
		}
		st.Local = ls
	}
	return st
}
