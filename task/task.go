// Package task tracks invocations of device-resident methods. The device
// runs at most one task per method slot; its state notifications arrive
// asynchronously and are routed to the Running task for that slot.
package task

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/crossload/meta"
	"github.com/chazu/crossload/wire"
)

var log = commonlog.GetLogger("crossload.task")

var (
	ErrSlotBusy   = errors.New("task: a task is already running in this slot")
	ErrDisposed   = errors.New("task: task has been disposed")
	ErrArgCount   = errors.New("task: wrong number of arguments")
	ErrArgType    = errors.New("task: argument does not match parameter kind")
	ErrNotRunning = errors.New("task: task is not running")
)

// MaxQueuedEvents bounds the undelivered events of one task. When it is
// full the oldest Running event is dropped, or the oldest event if none is
// Running.
const MaxQueuedEvents = 64

// State is the lifecycle state of a task.
type State = wire.TaskState

const (
	Stopped = wire.StateStopped
	Aborted = wire.StateAborted
	Running = wire.StateRunning
	Killed  = wire.StateKilled
)

// Target identifies the device method a task invokes.
type Target struct {
	Slot   int
	Name   string
	Return meta.Kind
	Args   []meta.Kind
}

// Event is one state report delivered to a task. Value holds the decoded
// return value of a Stopped event and is nil otherwise.
type Event struct {
	State State
	Value any
	Words []uint32
}

// Sender is the part of the link the controller needs.
type Sender interface {
	SendAndAwaitAck(ctx context.Context, f wire.Frame) error
}

// ---------------------------------------------------------------------------
// Controller
// ---------------------------------------------------------------------------

// Controller owns every task of a session and demultiplexes notifications.
type Controller struct {
	sender Sender

	mu     sync.Mutex
	bySlot map[int][]*Task
}

// NewController creates a controller sending commands through s.
func NewController(s Sender) *Controller {
	return &Controller{sender: s, bySlot: make(map[int][]*Task)}
}

// Task creates and registers a task for target. It starts out Stopped.
func (c *Controller) Task(target Target) *Task {
	t := &Task{
		ctrl:   c,
		target: target,
		state:  Stopped,
		signal: make(chan struct{}, 1),
	}
	c.mu.Lock()
	c.bySlot[target.Slot] = append(c.bySlot[target.Slot], t)
	c.mu.Unlock()
	return t
}

// Deliver routes a notification to the Running task of its slot. A
// notification nobody is waiting for is logged and dropped.
func (c *Controller) Deliver(n wire.Notification) {
	c.mu.Lock()
	var t *Task
	for _, cand := range c.bySlot[n.Slot] {
		if cand.state == Running {
			t = cand
			break
		}
	}
	if t == nil {
		c.mu.Unlock()
		log.Warningf("dropping %s notification for slot %d: no running task", n.State, n.Slot)
		return
	}

	ev := Event{State: n.State, Words: n.Words}
	switch n.State {
	case Stopped:
		ev.Value = DecodeResult(t.target.Return, n.Words)
	case Aborted, Killed:
		ev.Words = nil
	}
	t.state = n.State
	var dropped *Event
	if len(t.queue) >= MaxQueuedEvents {
		var old Event
		t.queue, old = dropOldest(t.queue)
		dropped = &old
	}
	t.queue = append(t.queue, ev)
	c.mu.Unlock()

	if dropped != nil {
		log.Warningf("slot %d (%s): queue full, dropped a %s event", n.Slot, t.target.Name, dropped.State)
	}
	log.Debugf("slot %d (%s): %s", n.Slot, t.target.Name, n.State)
	select {
	case t.signal <- struct{}{}:
	default:
	}
}

func dropOldest(queue []Event) ([]Event, Event) {
	i := 0
	for j, ev := range queue {
		if ev.State == Running {
			i = j
			break
		}
	}
	old := queue[i]
	return append(queue[:i], queue[i+1:]...), old
}

// Running returns the task currently running in slot, if any.
func (c *Controller) Running(slot int) (*Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.bySlot[slot] {
		if t.state == Running {
			return t, true
		}
	}
	return nil, false
}

// Clear drops all task bookkeeping. Existing handles are disposed.
func (c *Controller) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tasks := range c.bySlot {
		for _, t := range tasks {
			t.disposed = true
		}
	}
	c.bySlot = make(map[int][]*Task)
}

func (c *Controller) remove(t *Task) {
	tasks := c.bySlot[t.target.Slot]
	for i, cand := range tasks {
		if cand == t {
			c.bySlot[t.target.Slot] = append(tasks[:i], tasks[i+1:]...)
			break
		}
	}
	if len(c.bySlot[t.target.Slot]) == 0 {
		delete(c.bySlot, t.target.Slot)
	}
}

// ---------------------------------------------------------------------------
// Task
// ---------------------------------------------------------------------------

// Task is the host handle of one device method invocation. Fields are
// guarded by the controller's mutex.
type Task struct {
	ctrl     *Controller
	target   Target
	state    State
	queue    []Event
	signal   chan struct{}
	disposed bool
}

// Target returns the method the task invokes.
func (t *Task) Target() Target { return t.target }

// State returns the current state.
func (t *Task) State() State {
	t.ctrl.mu.Lock()
	defer t.ctrl.mu.Unlock()
	return t.state
}

// Start invokes the method on the device. It fails with ErrSlotBusy while
// any task of the same slot is Running.
func (t *Task) Start(ctx context.Context, args ...any) error {
	words, err := EncodeArgs(t.target.Args, args)
	if err != nil {
		return fmt.Errorf("task: start %s: %w", t.target.Name, err)
	}

	c := t.ctrl
	c.mu.Lock()
	if t.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	for _, other := range c.bySlot[t.target.Slot] {
		if other.state == Running {
			c.mu.Unlock()
			return fmt.Errorf("%w: slot %d (%s)", ErrSlotBusy, t.target.Slot, t.target.Name)
		}
	}
	t.state = Running
	c.mu.Unlock()

	if err := c.sender.SendAndAwaitAck(ctx, wire.StartTask(t.target.Slot, words)); err != nil {
		c.mu.Lock()
		t.state = Stopped
		c.mu.Unlock()
		return fmt.Errorf("task: start %s: %w", t.target.Name, err)
	}
	log.Infof("started %s in slot %d", t.target.Name, t.target.Slot)
	return nil
}

// Kill asks the device to abort the task. The Killed state arrives later
// as a notification.
func (t *Task) Kill(ctx context.Context) error {
	if t.State() != Running {
		return ErrNotRunning
	}
	if err := t.ctrl.sender.SendAndAwaitAck(ctx, wire.KillTask(t.target.Slot)); err != nil {
		return fmt.Errorf("task: kill %s: %w", t.target.Name, err)
	}
	return nil
}

// Poll returns the oldest undelivered event without blocking.
func (t *Task) Poll() (Event, bool) {
	t.ctrl.mu.Lock()
	defer t.ctrl.mu.Unlock()
	if len(t.queue) == 0 {
		return Event{}, false
	}
	ev := t.queue[0]
	t.queue = t.queue[1:]
	return ev, true
}

// Wait blocks until an event is available or ctx is done. Cancellation
// only releases the waiter; the task keeps running on the device.
func (t *Task) Wait(ctx context.Context) (Event, error) {
	for {
		if ev, ok := t.Poll(); ok {
			return ev, nil
		}
		select {
		case <-t.signal:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Dispose deregisters the task from its controller.
func (t *Task) Dispose() {
	c := t.ctrl
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.disposed {
		return
	}
	t.disposed = true
	c.remove(t)
}

// ---------------------------------------------------------------------------
// Value encoding
// ---------------------------------------------------------------------------

// EncodeArgs converts arguments into the 32-bit words StartTask carries.
// 64-bit kinds take two words, low first. Object arguments are sent as a
// zero placeholder.
func EncodeArgs(kinds []meta.Kind, args []any) ([]uint32, error) {
	if len(args) != len(kinds) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrArgCount, len(args), len(kinds))
	}
	var words []uint32
	for i, k := range kinds {
		a := args[i]
		switch k {
		case meta.KindBoolean:
			b, ok := a.(bool)
			if !ok {
				return nil, argErr(i, k, a)
			}
			var w uint32
			if b {
				w = 1
			}
			words = append(words, w)

		case meta.KindInt32, meta.KindUInt32:
			v, ok := asInt(a)
			if !ok {
				return nil, argErr(i, k, a)
			}
			words = append(words, uint32(v))

		case meta.KindInt64, meta.KindUInt64:
			v, ok := asInt(a)
			if !ok {
				return nil, argErr(i, k, a)
			}
			words = append(words, uint32(v), uint32(uint64(v)>>32))

		case meta.KindFloat:
			f, ok := asFloat(a)
			if !ok {
				return nil, argErr(i, k, a)
			}
			words = append(words, math.Float32bits(float32(f)))

		case meta.KindDouble:
			f, ok := asFloat(a)
			if !ok {
				return nil, argErr(i, k, a)
			}
			bits := math.Float64bits(f)
			words = append(words, uint32(bits), uint32(bits>>32))

		default:
			words = append(words, 0)
		}
	}
	return words, nil
}

func argErr(i int, k meta.Kind, a any) error {
	return fmt.Errorf("%w: argument %d is %T, parameter is %s", ErrArgType, i, a, k)
}

func asInt(a any) (int64, bool) {
	switch v := a.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	case uint:
		return int64(v), true
	}
	return 0, false
}

func asFloat(a any) (float64, bool) {
	switch v := a.(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	if i, ok := asInt(a); ok {
		return float64(i), true
	}
	return 0, false
}

// DecodeResult interprets the words of a Stopped notification by the
// method's return kind.
func DecodeResult(k meta.Kind, words []uint32) any {
	if k == meta.KindVoid || len(words) == 0 {
		return nil
	}
	w := words[0]
	var hi uint32
	if len(words) > 1 {
		hi = words[1]
	}
	switch k {
	case meta.KindBoolean:
		return w != 0
	case meta.KindUInt32:
		return w
	case meta.KindInt64:
		return int64(uint64(w) | uint64(hi)<<32)
	case meta.KindUInt64:
		return uint64(w) | uint64(hi)<<32
	case meta.KindFloat:
		return math.Float32frombits(w)
	case meta.KindDouble:
		return math.Float64frombits(uint64(w) | uint64(hi)<<32)
	}
	return int32(w)
}
