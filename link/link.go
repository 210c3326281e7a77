// Package link owns the byte stream to the device. A background reader
// parses inbound traffic and routes it: command replies to the single
// in-flight request, scheduler notifications to the registered handler,
// everything else to best-effort subscribers.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/crossload/wire"
)

var log = commonlog.GetLogger("crossload.link")

var (
	ErrTimeout = errors.New("link: timed out waiting for device reply")
	ErrClosed  = errors.New("link: link is closed")
)

// DefaultAckTimeout applies when Options.AckTimeout is zero.
const DefaultAckTimeout = 2 * time.Second

// Options configures a Link.
type Options struct {
	AckTimeout time.Duration
}

// Link multiplexes one device connection.
type Link struct {
	rw         io.ReadWriteCloser
	ackTimeout time.Duration

	// sem guards the foreground section: one write-and-await at a time.
	sem chan struct{}

	replyMu sync.Mutex
	waiting bool
	reply   chan wire.Inbound

	handlerMu sync.RWMutex
	scheduler func(wire.Notification)
	subs      map[int]chan wire.Inbound
	nextSub   int

	group  *errgroup.Group
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts a link over rw. The reader runs until Close or until rw fails.
func New(rw io.ReadWriteCloser, opts Options) *Link {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	l := &Link{
		rw:         rw,
		ackTimeout: opts.AckTimeout,
		sem:        make(chan struct{}, 1),
		reply:      make(chan wire.Inbound, 1),
		subs:       make(map[int]chan wire.Inbound),
		group:      g,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	g.Go(func() error {
		defer close(l.done)
		return l.readLoop()
	})
	g.Go(func() error {
		<-ctx.Done()
		return rw.Close()
	})
	return l
}

// Close stops the reader and closes the connection.
func (l *Link) Close() error {
	l.cancel()
	if err := l.group.Wait(); !isClosed(err) {
		return err
	}
	return nil
}

func isClosed(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed) || errors.Is(err, net.ErrClosed)
}

// Done is closed when the reader has stopped.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// ---------------------------------------------------------------------------
// Reader
// ---------------------------------------------------------------------------

func (l *Link) readLoop() error {
	dec := wire.NewDecoder(l.rw)
	for {
		in, err := dec.Next()
		if err != nil {
			if errors.Is(err, wire.ErrMalformed) {
				log.Warningf("dropping inbound message: %s", err)
				continue
			}
			return err
		}
		l.dispatch(in)
	}
}

func (l *Link) dispatch(in wire.Inbound) {
	switch in.Kind {
	case wire.InAck, wire.InNack, wire.InFirmware:
		l.replyMu.Lock()
		waiting := l.waiting
		l.replyMu.Unlock()
		if !waiting {
			log.Debugf("unsolicited reply kind %d for %s", in.Kind, in.Op)
			return
		}
		select {
		case l.reply <- in:
		default:
			log.Warningf("reply slot full, dropping reply for %s", in.Op)
		}
		return

	case wire.InNotification:
		l.handlerMu.RLock()
		h := l.scheduler
		l.handlerMu.RUnlock()
		if h == nil {
			log.Warningf("no scheduler handler, dropping notification for slot %d", in.Notification.Slot)
			return
		}
		h(in.Notification)
		return

	case wire.InString:
		log.Infof("device: %s", in.Text)
	}
	l.broadcast(in)
}

func (l *Link) broadcast(in wire.Inbound) {
	l.handlerMu.RLock()
	defer l.handlerMu.RUnlock()
	for id, ch := range l.subs {
		select {
		case ch <- in:
		default:
			log.Debugf("subscriber %d is behind, dropping event", id)
		}
	}
}

// SetSchedulerHandler registers the receiver of scheduler notifications.
// It runs on the reader goroutine and must not block.
func (l *Link) SetSchedulerHandler(fn func(wire.Notification)) {
	l.handlerMu.Lock()
	l.scheduler = fn
	l.handlerMu.Unlock()
}

// Subscribe returns a channel of pin change, string and other unsolicited
// events. Delivery is best effort: a full channel drops events. The
// returned function unsubscribes.
func (l *Link) Subscribe(buffer int) (<-chan wire.Inbound, func()) {
	ch := make(chan wire.Inbound, buffer)
	l.handlerMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.handlerMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.handlerMu.Lock()
			delete(l.subs, id)
			l.handlerMu.Unlock()
		})
	}
}

// ---------------------------------------------------------------------------
// Foreground operations
// ---------------------------------------------------------------------------

func (l *Link) acquire(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Link) release() {
	<-l.sem
}

func (l *Link) write(data []byte) error {
	if _, err := l.rw.Write(data); err != nil {
		return fmt.Errorf("link: write: %w", err)
	}
	return nil
}

// SendFrame writes a frame without waiting for a reply.
func (l *Link) SendFrame(ctx context.Context, f wire.Frame) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()
	log.Debugf("-> %s (%d bytes)", f, len(f.Data))
	return l.write(f.Data)
}

// SendAndAwaitAck writes a frame and waits for the device to acknowledge
// it. A Nack yields a *wire.NackError.
func (l *Link) SendAndAwaitAck(ctx context.Context, f wire.Frame) error {
	in, err := l.request(ctx, f.Data, f.String(), func(in wire.Inbound) bool {
		return (in.Kind == wire.InAck || in.Kind == wire.InNack) && in.Op == f.Op
	})
	if err != nil {
		return err
	}
	if in.Kind == wire.InNack {
		return &wire.NackError{Op: f.Op, Code: in.Code}
	}
	return nil
}

// QueryFirmware asks the device for its firmware name and version.
func (l *Link) QueryFirmware(ctx context.Context) (wire.Firmware, error) {
	in, err := l.request(ctx, wire.QueryFirmware(), "REPORT_FIRMWARE", func(in wire.Inbound) bool {
		return in.Kind == wire.InFirmware
	})
	if err != nil {
		return wire.Firmware{}, err
	}
	return in.Firmware, nil
}

func (l *Link) request(ctx context.Context, data []byte, desc string, match func(wire.Inbound) bool) (wire.Inbound, error) {
	if err := l.acquire(ctx); err != nil {
		return wire.Inbound{}, err
	}
	defer l.release()

	l.replyMu.Lock()
	l.waiting = true
	// Drop replies that arrived after an earlier request gave up.
	select {
	case <-l.reply:
	default:
	}
	l.replyMu.Unlock()
	defer func() {
		l.replyMu.Lock()
		l.waiting = false
		l.replyMu.Unlock()
	}()

	log.Debugf("-> %s (%d bytes, awaiting reply)", desc, len(data))
	if err := l.write(data); err != nil {
		return wire.Inbound{}, err
	}

	timer := time.NewTimer(l.ackTimeout)
	defer timer.Stop()
	for {
		select {
		case in := <-l.reply:
			if match(in) {
				return in, nil
			}
			log.Debugf("ignoring reply for %s while waiting on %s", in.Op, desc)
		case <-timer.C:
			log.Errorf("no reply to %s within %s", desc, l.ackTimeout)
			return wire.Inbound{}, fmt.Errorf("%w: %s after %s", ErrTimeout, desc, l.ackTimeout)
		case <-l.done:
			return wire.Inbound{}, ErrClosed
		case <-ctx.Done():
			return wire.Inbound{}, ctx.Err()
		}
	}
}
