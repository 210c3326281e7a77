package loader_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chazu/crossload/closure"
	"github.com/chazu/crossload/il"
	"github.com/chazu/crossload/link"
	"github.com/chazu/crossload/link/linktest"
	"github.com/chazu/crossload/loader"
	"github.com/chazu/crossload/meta"
	"github.com/chazu/crossload/task"
	"github.com/chazu/crossload/wire"
)

type fixture struct {
	prog *meta.Program
	main meta.MethodID
}

// linear builds App.Program with a static counter and a Main that returns
// it.
func linear(t *testing.T) fixture {
	t.Helper()
	b := meta.NewBuilder()
	core := b.CoreLib()
	app := b.Module("App")
	prog := b.Class(app, "App", "Program", core.Object)
	counter := b.Field(prog, "counter", core.Int32, true)
	main := b.Method(prog, "Main", meta.AttrStatic, core.Int32)
	b.SetBody(main, il.NewBuilder().
		EmitToken(il.Ldsfld, b.FieldRef(app, counter)).
		Emit(il.Ret).
		Bytes())
	p, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return fixture{prog: p, main: main}
}

// padded builds a Main whose body is exactly 50 bytes and loads a string.
func padded(t *testing.T) fixture {
	t.Helper()
	b := meta.NewBuilder()
	core := b.CoreLib()
	app := b.Module("App")
	prog := b.Class(app, "App", "Program", core.Object)
	main := b.Method(prog, "Main", meta.AttrStatic, meta.NoType)
	body := il.NewBuilder().EmitToken(il.Ldstr, b.StringRef(app, "hello"))
	for i := 0; i < 43; i++ {
		body.Emit(il.Nop)
	}
	b.SetBody(main, body.Emit(il.Pop).Emit(il.Ret).Bytes())
	p, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return fixture{prog: p, main: main}
}

func newSession(t *testing.T, opts loader.Options) (*loader.Session, *link.Link, *linktest.Device) {
	t.Helper()
	dev, conn := linktest.New()
	l := link.New(conn, link.Options{AckTimeout: time.Second})
	t.Cleanup(func() {
		l.Close()
		dev.Close()
	})
	return loader.NewSession(l, opts), l, dev
}

func prepare(t *testing.T, s *loader.Session, f fixture) *closure.Closure {
	t.Helper()
	c, err := s.CreateClosure(f.prog)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.PrepareMethod(f.main); err != nil {
		t.Fatalf("PrepareMethod: %v", err)
	}
	if err := c.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return c
}

// barrier waits until the device has processed everything sent so far.
func barrier(t *testing.T, l *link.Link) {
	t.Helper()
	if err := l.SendAndAwaitAck(context.Background(), wire.KillTask(0)); err != nil {
		t.Fatal(err)
	}
}

func TestSplitIL(t *testing.T) {
	body := make([]byte, 50)
	for i := range body {
		body[i] = byte(i)
	}
	chunks := loader.SplitIL(body, 20)

	wantOffsets := []int{0, 20, 40}
	wantLens := []int{20, 20, 10}
	if len(chunks) != len(wantOffsets) {
		t.Fatalf("chunks: got %d, want %d", len(chunks), len(wantOffsets))
	}
	var joined []byte
	for i, ch := range chunks {
		if ch.Offset != wantOffsets[i] || len(ch.Data) != wantLens[i] {
			t.Errorf("chunk %d: got offset %d len %d, want %d and %d",
				i, ch.Offset, len(ch.Data), wantOffsets[i], wantLens[i])
		}
		joined = append(joined, ch.Data...)
	}
	if !bytes.Equal(joined, body) {
		t.Error("chunks do not reassemble to the body")
	}
	if got := loader.SplitIL(nil, 20); len(got) != 0 {
		t.Errorf("empty body: got %d chunks", len(got))
	}
}

func TestPlan_Order(t *testing.T) {
	s, _, _ := newSession(t, loader.Options{})
	c := prepare(t, s, padded(t))

	frames, err := loader.Plan(c, loader.Options{})
	if err != nil {
		t.Fatal(err)
	}
	want := []wire.Op{
		wire.OpDeclareMethod,
		wire.OpLoadIl, wire.OpLoadIl, wire.OpLoadIl,
		wire.OpConstantData,
	}
	if len(frames) != len(want) {
		t.Fatalf("frames: got %v", frames)
	}
	for i, f := range frames {
		if f.Op != want[i] {
			t.Errorf("frame %d: got %s, want %s", i, f.Op, want[i])
		}
		if f.Ack == (f.Op == wire.OpConstantData) {
			t.Errorf("frame %d (%s): ack %t", i, f.Op, f.Ack)
		}
	}
}

func TestPlan_RequiresFinalize(t *testing.T) {
	f := linear(t)
	c, err := closure.New(f.prog, closure.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := loader.Plan(c, loader.Options{}); !errors.Is(err, closure.ErrNotFrozen) {
		t.Errorf("got %v, want ErrNotFrozen", err)
	}
}

func TestSession_LinearLoad(t *testing.T) {
	s, _, dev := newSession(t, loader.Options{})
	c := prepare(t, s, linear(t))

	r, err := s.Load(context.Background(), c)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	counts := map[wire.Op]int{
		wire.OpClassDeclaration: 1,
		wire.OpDeclareMethod:    1,
		wire.OpLoadIl:           1,
		wire.OpSetMethodTokens:  0,
		wire.OpMethodSignature:  0,
	}
	for op, want := range counts {
		if got := dev.Count(op); got != want {
			t.Errorf("%s frames: got %d, want %d", op, got, want)
		}
	}
	if r.Classes != 1 || r.Methods != 1 || r.Frames != 3 || r.ID != c.ID {
		t.Errorf("report: got %+v", r)
	}
	if s.Loaded() != c {
		t.Error("Loaded should return the closure")
	}

	for _, cmd := range dev.Commands() {
		if cmd.Op != wire.OpLoadIl {
			continue
		}
		if total := wire.Uint14(cmd.Body[2:]); total != len(c.EntryPoint().Body) {
			t.Errorf("LoadIl total: got %d", total)
		}
		if got := wire.Unsplit(cmd.Body[6:]); !bytes.Equal(got, c.EntryPoint().Body) {
			t.Errorf("LoadIl payload: got % X, want % X", got, c.EntryPoint().Body)
		}
	}
}

func TestSession_ChunkedUpload(t *testing.T) {
	s, l, dev := newSession(t, loader.Options{ILChunkSize: 20})
	c := prepare(t, s, padded(t))
	if _, err := s.Load(context.Background(), c); err != nil {
		t.Fatalf("Load: %v", err)
	}
	barrier(t, l)

	var offsets []int
	var code []byte
	for _, cmd := range dev.Commands() {
		if cmd.Op == wire.OpLoadIl {
			offsets = append(offsets, wire.Uint14(cmd.Body[4:]))
			code = append(code, wire.Unsplit(cmd.Body[6:])...)
		}
	}
	want := []int{0, 20, 40}
	if len(offsets) != len(want) {
		t.Fatalf("LoadIl offsets: got %v, want %v", offsets, want)
	}
	for i := range want {
		if offsets[i] != want[i] {
			t.Errorf("offset %d: got %d, want %d", i, offsets[i], want[i])
		}
	}
	if !bytes.Equal(code, c.EntryPoint().Body) {
		t.Error("uploaded code differs from the patched body")
	}
	if got := dev.Count(wire.OpConstantData); got != 1 {
		t.Errorf("ConstantData frames: got %d, want 1", got)
	}
}

func TestSession_OversizedBodySendsNothing(t *testing.T) {
	s, _, dev := newSession(t, loader.Options{Closure: closure.Options{MaxILLength: 32}})
	f := padded(t)
	c, err := s.CreateClosure(f.prog)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.PrepareMethod(f.main); !errors.Is(err, closure.ErrBodyTooLarge) {
		t.Fatalf("PrepareMethod: got %v, want ErrBodyTooLarge", err)
	}
	if _, err := s.Load(context.Background(), c); !errors.Is(err, closure.ErrNotFrozen) {
		t.Errorf("Load: got %v, want ErrNotFrozen", err)
	}
	if n := len(dev.Commands()); n != 0 {
		t.Errorf("device saw %d commands, want 0", n)
	}
}

func TestSession_NackAbortsLoad(t *testing.T) {
	s, _, dev := newSession(t, loader.Options{})
	dev.Reject(wire.OpLoadIl, wire.NackOutOfMemory)
	c := prepare(t, s, padded(t))

	_, err := s.Load(context.Background(), c)
	var nack *wire.NackError
	if !errors.As(err, &nack) {
		t.Fatalf("Load: got %v, want NackError", err)
	}
	if nack.Code != wire.NackOutOfMemory {
		t.Errorf("nack code: got %s", nack.Code)
	}
	if got := dev.Count(wire.OpLoadIl); got != 1 {
		t.Errorf("LoadIl frames: got %d, want 1 (abort after the first)", got)
	}
	if s.Loaded() != nil {
		t.Error("a failed load must not be recorded")
	}
	if _, err := s.Task(c, c.EntryPoint().ID); !errors.Is(err, loader.ErrNotLoaded) {
		t.Errorf("Task: got %v, want ErrNotLoaded", err)
	}
}

func TestSession_TaskLifecycle(t *testing.T) {
	s, _, dev := newSession(t, loader.Options{})
	f := linear(t)
	c := prepare(t, s, f)
	ctx := context.Background()
	if _, err := s.Load(ctx, c); err != nil {
		t.Fatal(err)
	}

	tk, err := s.Task(c, f.main)
	if err != nil {
		t.Fatal(err)
	}
	if err := tk.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	again, _ := s.Task(c, f.main)
	if err := again.Start(ctx); !errors.Is(err, task.ErrSlotBusy) {
		t.Errorf("second Start: got %v, want ErrSlotBusy", err)
	}
	if got := dev.Count(wire.OpStartTask); got != 1 {
		t.Errorf("StartTask frames: got %d, want 1", got)
	}

	slot := c.EntryPoint().Slot
	if err := dev.Notify(wire.Notification{Slot: slot, State: wire.StateStopped, Words: []uint32{42}}); err != nil {
		t.Fatal(err)
	}
	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	ev, err := tk.Wait(wctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if ev.State != task.Stopped || ev.Value != int32(42) {
		t.Errorf("event: got %s %v, want Stopped 42", ev.State, ev.Value)
	}
}

func TestSession_Reset(t *testing.T) {
	s, _, dev := newSession(t, loader.Options{ResetGrace: time.Millisecond})
	f := linear(t)
	c := prepare(t, s, f)
	ctx := context.Background()
	if _, err := s.Load(ctx, c); err != nil {
		t.Fatal(err)
	}
	tk, _ := s.Task(c, f.main)
	if err := tk.Start(ctx); err != nil {
		t.Fatal(err)
	}

	if err := s.Reset(ctx, true); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := dev.Count(wire.OpResetExecutor); got != 1 {
		t.Errorf("ResetExecutor frames: got %d, want 1", got)
	}
	if _, ok := s.Tasks().Running(c.EntryPoint().Slot); ok {
		t.Error("Reset should drop running tasks")
	}
	if _, err := s.Task(c, f.main); !errors.Is(err, loader.ErrNotLoaded) {
		t.Errorf("Task after Reset: got %v, want ErrNotLoaded", err)
	}
}
