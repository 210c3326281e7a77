package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/chazu/crossload/closure"
	"github.com/chazu/crossload/journal"
	"github.com/chazu/crossload/link"
	"github.com/chazu/crossload/loader"
	"github.com/chazu/crossload/task"
	"github.com/chazu/crossload/wire"
)

// loadEntry resolves typeName::method from the image, sends the closure
// and journals the result.
func (e *env) loadEntry(ctx context.Context, s *loader.Session, image, entry string) (*closure.Closure, *closure.Method, error) {
	typeName, method, err := parseEntry(entry)
	if err != nil {
		return nil, nil, err
	}
	prog, image, err := e.program(image)
	if err != nil {
		return nil, nil, err
	}
	c, err := s.CreateClosure(prog)
	if err != nil {
		return nil, nil, err
	}
	m, err := c.PrepareEntryPoint(typeName, method)
	if err != nil {
		return nil, nil, err
	}
	if err := c.Finalize(); err != nil {
		return nil, nil, err
	}
	report, err := s.Load(ctx, c)
	if err != nil {
		return nil, nil, err
	}
	if e.verbose {
		fmt.Printf("Loaded %s: %d classes, %d methods, %d frames, %d bytes in %s\n",
			report.Entry, report.Classes, report.Methods, report.Frames, report.Bytes,
			report.Duration.Round(time.Millisecond))
	}

	j, err := e.journal()
	if err != nil {
		log.Warningf("journal unavailable: %s", err)
		return c, m, nil
	}
	if j != nil {
		defer j.Close()
		if err := j.Save(ctx, journal.NewRecord(c, report, image, e.cfg.Device.Port)); err != nil {
			log.Warningf("journal: %s", err)
		}
	}
	return c, m, nil
}

// handleLoad processes the `xload load` subcommand.
func (e *env) handleLoad(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("load", flag.ExitOnError)
	image := fs.String("image", "", "Program image")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("load requires one Type::Method entry point")
	}

	l, err := e.connect()
	if err != nil {
		return err
	}
	defer l.Close()

	s := loader.NewSession(l, e.cfg.LoaderOptions())
	_, m, err := e.loadEntry(ctx, s, *image, fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Printf("%s loaded in slot %d\n", m.Name, m.Slot)
	return nil
}

// handleRun processes the `xload run` subcommand.
func (e *env) handleRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	image := fs.String("image", "", "Program image")
	events := fs.Bool("events", false, "Print pin changes and device messages while waiting")
	noLoad := fs.Bool("no-load", false, "Run a method of the last recorded load")
	timeout := fs.Duration("timeout", 0, "Give up waiting after this long (0 waits forever)")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return errors.New("run requires a Type::Method entry point")
	}

	l, err := e.connect()
	if err != nil {
		return err
	}
	defer l.Close()
	s := loader.NewSession(l, e.cfg.LoaderOptions())

	var tk *task.Task
	if *noLoad {
		target, err := e.recordedTarget(ctx, fs.Arg(0))
		if err != nil {
			return err
		}
		tk = s.Tasks().Task(target)
	} else {
		c, m, err := e.loadEntry(ctx, s, *image, fs.Arg(0))
		if err != nil {
			return err
		}
		if tk, err = s.Task(c, m.ID); err != nil {
			return err
		}
	}

	values, err := parseArgs(tk.Target().Args, fs.Args()[1:])
	if err != nil {
		return err
	}

	if *events {
		ch, unsubscribe := l.Subscribe(32)
		defer unsubscribe()
		go printEvents(ch)
	}

	if err := tk.Start(ctx, values...); err != nil {
		return err
	}
	waitCtx := ctx
	if *timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}
	for {
		ev, err := tk.Wait(waitCtx)
		if err != nil {
			return fmt.Errorf("waiting for %s: %w", tk.Target().Name, err)
		}
		switch ev.State {
		case task.Running:
			continue
		case task.Stopped:
			if ev.Value != nil {
				fmt.Println(ev.Value)
			}
			return nil
		default:
			return fmt.Errorf("%s ended %s", tk.Target().Name, ev.State)
		}
	}
}

func printEvents(ch <-chan wire.Inbound) {
	for in := range ch {
		switch in.Kind {
		case wire.InDigital:
			fmt.Printf("digital port %d = 0x%02X\n", in.Port, in.Value)
		case wire.InAnalog:
			fmt.Printf("analog pin %d = %d\n", in.Port, in.Value)
		case wire.InString:
			fmt.Printf("device: %s\n", in.Text)
		}
	}
}

// recordedTarget looks the entry up in the last journaled load.
func (e *env) recordedTarget(ctx context.Context, entry string) (task.Target, error) {
	typeName, method, err := parseEntry(entry)
	if err != nil {
		return task.Target{}, err
	}
	j, err := e.journal()
	if err != nil {
		return task.Target{}, err
	}
	if j == nil {
		return task.Target{}, errors.New("journal is disabled; nothing is recorded")
	}
	defer j.Close()
	rec, err := j.Latest(ctx)
	if err != nil {
		return task.Target{}, err
	}
	slot, err := rec.Find(typeName, method)
	if err != nil {
		return task.Target{}, err
	}
	return slot.Target(), nil
}

// handleKill processes the `xload kill` subcommand. A new process holds
// no task handle, so the command goes straight to the link.
func (e *env) handleKill(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("kill requires one Type::Method")
	}
	target, err := e.recordedTarget(ctx, args[0])
	if err != nil {
		return err
	}
	l, err := e.connect()
	if err != nil {
		return err
	}
	defer l.Close()
	if err := l.SendAndAwaitAck(ctx, wire.KillTask(target.Slot)); err != nil {
		return err
	}
	fmt.Printf("kill sent to slot %d (%s)\n", target.Slot, target.Name)
	return nil
}

// handleReset processes the `xload reset` subcommand.
func (e *env) handleReset(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	force := fs.Bool("force", false, "Kill running tasks before clearing")
	fs.Parse(args)

	l, err := e.connect()
	if err != nil {
		return err
	}
	defer l.Close()
	if err := resetDevice(ctx, loader.NewSession(l, e.cfg.LoaderOptions()), *force); err != nil {
		return err
	}

	j, err := e.journal()
	if err != nil {
		return err
	}
	if j != nil {
		defer j.Close()
		return j.Forget(ctx)
	}
	return nil
}

func resetDevice(ctx context.Context, s *loader.Session, force bool) error {
	err := s.Reset(ctx, force)
	var nack *wire.NackError
	if errors.As(err, &nack) && nack.Code == wire.NackBusy {
		return fmt.Errorf("%w (tasks are running; use -force)", err)
	}
	if errors.Is(err, link.ErrTimeout) {
		return fmt.Errorf("%w (is the executor firmware running?)", err)
	}
	return err
}
