// xload CLI - resolves a program image into a closure and drives it on an
// executor device.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/tliron/commonlog"

	"github.com/chazu/crossload/config"
	"github.com/chazu/crossload/journal"
	"github.com/chazu/crossload/link"
	"github.com/chazu/crossload/meta"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("crossload.xload")

// env carries what every subcommand needs.
type env struct {
	cfg     *config.Config
	verbose bool
}

func main() {
	configDir := flag.String("C", ".", "Directory to search upwards for xload.toml")
	port := flag.String("port", "", "Serial device or tcp://host:port (overrides config)")
	verbosity := flag.Int("v", 0, "Log verbosity (-4 quiet .. 2 debug)")
	logFile := flag.String("log", "", "Log file (default stderr)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: xload [options] <command> [arguments]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  load    [-image f] Type::Method           Resolve and load onto the device\n")
		fmt.Fprintf(os.Stderr, "  run     [-image f] [-events] [-no-load] Type::Method [args...]\n")
		fmt.Fprintf(os.Stderr, "                                            Load, start and wait for the result\n")
		fmt.Fprintf(os.Stderr, "  kill    Type::Method                      Kill a task of the last load\n")
		fmt.Fprintf(os.Stderr, "  reset   [-force]                          Clear the executor\n")
		fmt.Fprintf(os.Stderr, "  inspect [-image f] [-dis] Type::Method    Print the closure without a device\n")
		fmt.Fprintf(os.Stderr, "  info                                      Query the device firmware\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  xload -port /dev/ttyACM0 run -image blink.image App.Blink::Run 500\n")
		fmt.Fprintf(os.Stderr, "  xload inspect -dis App.Program::Main\n")
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.FindAndLoad(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if *port != "" {
		cfg.Device.Port = *port
	}
	if *verbosity != 0 {
		cfg.Log.Verbosity = *verbosity
	}
	if *logFile != "" {
		cfg.Log.File = *logFile
	}
	configureLog(cfg.Log)

	e := &env{cfg: cfg, verbose: cfg.Log.Verbosity > 0}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "load":
		err = e.handleLoad(ctx, args)
	case "run":
		err = e.handleRun(ctx, args)
	case "kill":
		err = e.handleKill(ctx, args)
	case "reset":
		err = e.handleReset(ctx, args)
	case "inspect":
		err = e.handleInspect(args)
	case "info":
		err = e.handleInfo(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func configureLog(l config.Log) {
	if l.File == "" {
		commonlog.Configure(l.Verbosity, nil)
		return
	}
	path := l.File
	commonlog.Configure(l.Verbosity, &path)
}

// connect opens the configured port and starts a link over it.
func (e *env) connect() (*link.Link, error) {
	if e.cfg.Device.Port == "" {
		return nil, errors.New("no device port configured (use -port or [device] port)")
	}
	rw, err := link.Open(e.cfg.Device.Port, e.cfg.Device.Baud)
	if err != nil {
		return nil, err
	}
	log.Infof("connected to %s", e.cfg.Device.Port)
	return link.New(rw, e.cfg.LinkOptions()), nil
}

// program loads the image named on the command line or in the config.
func (e *env) program(image string) (*meta.Program, string, error) {
	if image == "" {
		image = e.cfg.Loader.Image
	}
	if image == "" {
		return nil, "", errors.New("no program image given (use -image or [loader] image)")
	}
	p, err := meta.LoadImage(image)
	if err != nil {
		return nil, "", err
	}
	return p, image, nil
}

// journal opens the load journal, or returns nil when it is disabled.
func (e *env) journal() (*journal.Journal, error) {
	if e.cfg.Journal.Disabled {
		return nil, nil
	}
	return journal.Open(e.cfg.JournalPath())
}
