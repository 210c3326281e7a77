package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/chazu/crossload/closure"
	"github.com/chazu/crossload/il"
	"github.com/chazu/crossload/loader"
)

// handleInspect processes the `xload inspect` subcommand: resolve and
// finalize a closure without touching a device.
func (e *env) handleInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	image := fs.String("image", "", "Program image")
	dis := fs.Bool("dis", false, "Disassemble patched method bodies")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("inspect requires one Type::Method entry point")
	}
	typeName, method, err := parseEntry(fs.Arg(0))
	if err != nil {
		return err
	}
	prog, _, err := e.program(*image)
	if err != nil {
		return err
	}

	opts := e.cfg.LoaderOptions()
	c, err := closure.New(prog, opts.Closure)
	if err != nil {
		return err
	}
	if _, err := c.PrepareEntryPoint(typeName, method); err != nil {
		return err
	}
	if err := c.Finalize(); err != nil {
		return err
	}
	frames, err := loader.Plan(c, opts)
	if err != nil {
		return err
	}

	fmt.Println(c.Summary())
	fmt.Printf("%d frames\n\n", len(frames))

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CLASS\tTOKEN\tPARENT\tINSTANCE\tSTATIC\tMEMBERS")
	for _, cls := range c.Classes() {
		fmt.Fprintf(w, "%s\t0x%08X\t0x%08X\t%d\t%d\t%d\n",
			cls.Name, cls.Token, cls.ParentToken, cls.InstanceSize, cls.StaticSize, len(cls.Members))
	}
	w.Flush()
	fmt.Println()

	fmt.Fprintln(w, "SLOT\tTOKEN\tFLAGS\tMETHOD\tRETURNS\tARGS\tIL")
	for _, m := range c.Methods() {
		kinds := make([]string, len(m.ArgKinds))
		for i, k := range m.ArgKinds {
			kinds[i] = k.String()
		}
		fmt.Fprintf(w, "%d\t0x%08X\t0x%02X\t%s\t%s\t%s\t%d\n",
			m.Slot, m.Token, byte(m.Flags), m.Name, m.ReturnKind, strings.Join(kinds, ","), len(m.Body))
	}
	w.Flush()

	if *dis {
		for _, m := range c.Methods() {
			if len(m.Body) == 0 {
				continue
			}
			fmt.Printf("\n%s:\n%s", m.Name, il.Disassemble(m.Body))
		}
	}
	return nil
}

// handleInfo processes the `xload info` subcommand.
func (e *env) handleInfo(ctx context.Context) error {
	l, err := e.connect()
	if err != nil {
		return err
	}
	defer l.Close()
	fw, err := l.QueryFirmware(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s %d.%d on %s\n", fw.Name, fw.Major, fw.Minor, e.cfg.Device.Port)
	return nil
}
