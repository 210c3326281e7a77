package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/crossload/closure"
	"github.com/chazu/crossload/meta"
	"github.com/chazu/crossload/task"
	"github.com/chazu/crossload/wire"
)

var log = commonlog.GetLogger("crossload.loader")

var (
	ErrNotLoaded     = errors.New("loader: closure is not loaded in this session")
	ErrMethodMissing = errors.New("loader: method is not part of the closure")
)

// DefaultResetGrace is how long Reset waits for the executor to settle.
const DefaultResetGrace = 250 * time.Millisecond

// Transport sends encoded frames to the device. SendAndAwaitAck returns
// once the device acknowledged the frame; SendFrame returns after the
// write.
type Transport interface {
	SendFrame(ctx context.Context, f wire.Frame) error
	SendAndAwaitAck(ctx context.Context, f wire.Frame) error
}

// notifier is implemented by transports that deliver scheduler
// notifications.
type notifier interface {
	SetSchedulerHandler(fn func(wire.Notification))
}

// Options holds chunk sizes for frame planning, the closure limits and
// the reset grace period.
type Options struct {
	ILChunkSize          int
	TokenPairsPerMessage int
	SignatureChunk       int
	ConstantChunk        int
	MembersPerMessage    int
	ResetGrace           time.Duration

	Closure closure.Options
}

func (o Options) withDefaults() Options {
	if o.ILChunkSize <= 0 {
		o.ILChunkSize = DefaultILChunkSize
	}
	if o.TokenPairsPerMessage <= 0 || o.TokenPairsPerMessage > 0x7F {
		o.TokenPairsPerMessage = DefaultTokenPairsPerMessage
	}
	if o.SignatureChunk <= 0 || o.SignatureChunk > 0x7F {
		o.SignatureChunk = DefaultSignatureChunk
	}
	if o.ConstantChunk <= 0 {
		o.ConstantChunk = DefaultConstantChunk
	}
	if o.MembersPerMessage <= 0 || o.MembersPerMessage > 0x7F {
		o.MembersPerMessage = DefaultMembersPerMessage
	}
	if o.ResetGrace < 0 {
		o.ResetGrace = 0
	} else if o.ResetGrace == 0 {
		o.ResetGrace = DefaultResetGrace
	}
	return o
}

// Report summarizes a completed load.
type Report struct {
	ID       uuid.UUID
	Entry    string
	Classes  int
	Methods  int
	Frames   int
	Bytes    int
	Duration time.Duration
}

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

// Session is one host-side conversation with an executor device. It owns
// the task controller and remembers which closure the device holds.
type Session struct {
	transport Transport
	opts      Options
	tasks     *task.Controller
	loaded    *closure.Closure
}

// NewSession creates a session over t. When t delivers scheduler
// notifications they are routed to the session's tasks.
func NewSession(t Transport, opts Options) *Session {
	s := &Session{
		transport: t,
		opts:      opts.withDefaults(),
		tasks:     task.NewController(t),
	}
	if n, ok := t.(notifier); ok {
		n.SetSchedulerHandler(s.tasks.Deliver)
	}
	return s
}

// Tasks returns the session's task controller.
func (s *Session) Tasks() *task.Controller { return s.tasks }

// Loaded returns the closure most recently loaded, or nil.
func (s *Session) Loaded() *closure.Closure { return s.loaded }

// CreateClosure returns an empty closure over prog using the session's
// closure options.
func (s *Session) CreateClosure(prog *meta.Program) (*closure.Closure, error) {
	return closure.New(prog, s.opts.Closure)
}

// Load plans and sends every frame for c. A failure leaves the device in
// an undefined partial state; the caller should Reset before retrying.
func (s *Session) Load(ctx context.Context, c *closure.Closure) (*Report, error) {
	start := time.Now()
	frames, err := Plan(c, s.opts)
	if err != nil {
		return nil, err
	}
	entry := ""
	if e := c.EntryPoint(); e != nil {
		entry = e.Name
	}
	log.Infof("loading %s: %d frames", c.Summary(), len(frames))
	n, err := Send(ctx, s.transport, frames)
	if err != nil {
		return nil, err
	}
	s.loaded = c
	r := &Report{
		ID:       c.ID,
		Entry:    entry,
		Classes:  len(c.Classes()),
		Methods:  len(c.Methods()),
		Frames:   len(frames),
		Bytes:    n,
		Duration: time.Since(start),
	}
	log.Infof("loaded %s in %s (%d bytes)", entry, r.Duration, r.Bytes)
	return r, nil
}

// Send transmits frames in order, awaiting the acknowledgement of each
// frame that expects one. It returns the number of bytes written. The
// first failure aborts and is wrapped with the frame that caused it.
func Send(ctx context.Context, t Transport, frames []wire.Frame) (int, error) {
	total := 0
	for i, f := range frames {
		log.Debugf("frame %d/%d: %s", i+1, len(frames), f)
		var err error
		if f.Ack {
			err = t.SendAndAwaitAck(ctx, f)
		} else {
			err = t.SendFrame(ctx, f)
		}
		if err != nil {
			return total, fmt.Errorf("loader: %s: %w", f, err)
		}
		total += len(f.Data)
	}
	return total, nil
}

// Target describes the device method behind a closure record.
func Target(m *closure.Method) task.Target {
	return task.Target{
		Slot:   m.Slot,
		Name:   m.Name,
		Return: m.ReturnKind,
		Args:   m.ArgKinds,
	}
}

// Task creates a task for method of the loaded closure c. For instance
// methods the receiver is the first argument.
func (s *Session) Task(c *closure.Closure, method meta.MethodID) (*task.Task, error) {
	if c == nil || c != s.loaded {
		return nil, ErrNotLoaded
	}
	m, ok := c.MethodByID(method)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMethodMissing, c.Program().MethodString(method))
	}
	return s.tasks.Task(Target(m)), nil
}

// Reset clears the executor. With force set the device kills running
// tasks first. Host bookkeeping is dropped even if the device does not
// answer.
func (s *Session) Reset(ctx context.Context, force bool) error {
	err := s.transport.SendAndAwaitAck(ctx, wire.ResetExecutor(force))
	s.tasks.Clear()
	s.loaded = nil
	if err != nil {
		return fmt.Errorf("loader: reset: %w", err)
	}
	log.Infof("executor reset (force=%t)", force)

	timer := time.NewTimer(s.opts.ResetGrace)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
