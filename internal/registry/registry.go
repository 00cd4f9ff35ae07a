// Package registry keeps the per-node view of cluster participants and the
// recovery tasks running on their behalf.
package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
	"github.com/ozanturksever/dtm0-recovery/internal/ha"
)

// Registry errors.
var (
	ErrTaskExists         = errors.New("task already registered")
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrNotEvicted         = errors.New("participant has not been evicted")
	ErrNotFailed          = errors.New("participant has not failed")
)

// TaskRole identifies what a recovery task does.
type TaskRole int

const (
	// RoleLocal recovers this node's own log.
	RoleLocal TaskRole = iota + 1
	// RoleRemote pushes this node's log to a recovering peer.
	RoleRemote
	// RoleEviction replays a failed participant's records to survivors.
	RoleEviction
)

// String returns the string representation of the role.
func (r TaskRole) String() string {
	switch r {
	case RoleLocal:
		return "local"
	case RoleRemote:
		return "remote"
	case RoleEviction:
		return "eviction"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r TaskRole) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *TaskRole) UnmarshalText(text []byte) error {
	for _, role := range []TaskRole{RoleLocal, RoleRemote, RoleEviction} {
		if role.String() == string(text) {
			*r = role
			return nil
		}
	}
	return fmt.Errorf("unknown task role %q", text)
}

// TaskKey identifies a task. At most one task per key may be registered.
//
//	local:    {Participant: self}
//	remote:   {Participant: target, Peer: self}
//	eviction: {Participant: failed}
type TaskKey struct {
	Participant dtx.ParticipantID `json:"participant"`
	Peer        dtx.ParticipantID `json:"peer,omitempty"`
	Role        TaskRole          `json:"role"`
}

func (k TaskKey) String() string {
	if k.Peer == "" {
		return fmt.Sprintf("%s(%s)", k.Role, k.Participant)
	}
	return fmt.Sprintf("%s(%s<-%s)", k.Role, k.Participant, k.Peer)
}

// TaskHandle is the registry's reference to a running task.
type TaskHandle struct {
	ID      uuid.UUID
	Key     TaskKey
	Started time.Time

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewTaskHandle creates a handle whose Cancel calls cancel.
func NewTaskHandle(key TaskKey, cancel context.CancelFunc) *TaskHandle {
	return &TaskHandle{
		ID:      uuid.New(),
		Key:     key,
		Started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Cancel requests the task to stop.
func (h *TaskHandle) Cancel() {
	if h.cancel != nil {
		h.cancel()
	}
}

// Finish marks the task finished. It is called once by the task itself.
func (h *TaskHandle) Finish() {
	h.once.Do(func() { close(h.done) })
}

// Done is closed once the task has released every resource.
func (h *TaskHandle) Done() <-chan struct{} {
	return h.done
}

// Participant is a snapshot of one participant's entry.
type Participant struct {
	ID      dtx.ParticipantID `json:"id"`
	State   ha.State          `json:"state"`
	Evicted bool              `json:"evicted,omitempty"`
	Since   time.Time         `json:"since"`
}

type entry struct {
	state   ha.State
	evicted bool
	since   time.Time
}

// Registry is safe for concurrent use. Participant state is written only
// by the scheduler.
type Registry struct {
	self dtx.ParticipantID

	mu           sync.RWMutex
	participants map[dtx.ParticipantID]*entry
	tasks        map[TaskKey]*TaskHandle
	listeners    []func(Participant)
}

// New creates a registry for self, seeded with members (all TRANSIENT).
// Self is always a member.
func New(self dtx.ParticipantID, members ...dtx.ParticipantID) *Registry {
	r := &Registry{
		self:         self,
		participants: make(map[dtx.ParticipantID]*entry),
		tasks:        make(map[TaskKey]*TaskHandle),
	}
	now := time.Now()
	r.participants[self] = &entry{state: ha.StateTransient, since: now}
	for _, m := range members {
		if _, ok := r.participants[m]; !ok {
			r.participants[m] = &entry{state: ha.StateTransient, since: now}
		}
	}
	return r
}

// Self returns the local participant id.
func (r *Registry) Self() dtx.ParticipantID {
	return r.self
}

// State returns the state of id. Unknown participants are TRANSIENT.
func (r *Registry) State(id dtx.ParticipantID) ha.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.participants[id]; ok {
		return e.state
	}
	return ha.StateTransient
}

// SelfState returns the state of the local participant.
func (r *Registry) SelfState() ha.State {
	return r.State(r.self)
}

// SetState records the new state of id, creating the entry on first
// reference, and returns the previous state.
func (r *Registry) SetState(id dtx.ParticipantID, s ha.State) ha.State {
	r.mu.Lock()
	e, ok := r.participants[id]
	if !ok {
		e = &entry{state: ha.StateTransient}
		r.participants[id] = e
	}
	prev := e.state
	e.state = s
	e.since = time.Now()
	snap := Participant{ID: id, State: s, Evicted: e.evicted, Since: e.since}
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
	return prev
}

// Participants returns a snapshot of every participant, sorted by id.
func (r *Registry) Participants() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Participant, 0, len(r.participants))
	for id, e := range r.participants {
		out = append(out, Participant{ID: id, State: e.state, Evicted: e.evicted, Since: e.since})
	}
	slices.SortFunc(out, func(a, b Participant) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// InStates returns the sorted ids of participants in any of states.
func (r *Registry) InStates(states ...ha.State) []dtx.ParticipantID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []dtx.ParticipantID
	for id, e := range r.participants {
		if slices.Contains(states, e.state) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// AddTask registers h. A second task with the same key is rejected.
func (r *Registry) AddTask(h *TaskHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[h.Key]; ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, h.Key)
	}
	r.tasks[h.Key] = h
	return nil
}

// RemoveTask unregisters h if it is still the registered handle for its key.
func (r *Registry) RemoveTask(h *TaskHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tasks[h.Key]; ok && cur == h {
		delete(r.tasks, h.Key)
		return true
	}
	return false
}

// Task returns the handle registered under key.
func (r *Registry) Task(key TaskKey) (*TaskHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.tasks[key]
	return h, ok
}

// TasksFor returns the tasks acting on behalf of participant id.
func (r *Registry) TasksFor(id dtx.ParticipantID) []*TaskHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*TaskHandle
	for k, h := range r.tasks {
		if k.Participant == id {
			out = append(out, h)
		}
	}
	return out
}

// Tasks returns every registered task.
func (r *Registry) Tasks() []*TaskHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*TaskHandle, 0, len(r.tasks))
	for _, h := range r.tasks {
		out = append(out, h)
	}
	return out
}

// MarkEvicted records that every survivor holds the failed participant's
// records.
func (r *Registry) MarkEvicted(id dtx.ParticipantID) error {
	r.mu.Lock()
	e, ok := r.participants[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
	}
	if e.state != ha.StateFailed {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotFailed, id, e.state)
	}
	e.evicted = true
	snap := Participant{ID: id, State: e.state, Evicted: true, Since: e.since}
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
	return nil
}

// Evicted reports whether id has been evicted.
func (r *Registry) Evicted(id dtx.ParticipantID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.participants[id]
	return ok && e.evicted
}

// Forget drops an evicted participant.
func (r *Registry) Forget(id dtx.ParticipantID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.participants[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
	}
	if !e.evicted {
		return fmt.Errorf("%w: %s", ErrNotEvicted, id)
	}
	delete(r.participants, id)
	return nil
}

// OnChange registers a listener called after every state or eviction
// change, outside the registry lock.
func (r *Registry) OnChange(fn func(Participant)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}
