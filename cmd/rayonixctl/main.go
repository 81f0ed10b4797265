// rayonixctl is a command line client of the Rayonix detector control
// server.  It talks to the detector directly, without beamlinesrv.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
	"github.com/theckman/yacspin"

	"github.com/beamline-go/beamline/comm"
	"github.com/beamline-go/beamline/rayonix"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	addr     = flag.StringP("addr", "a", "tcp://localhost:2222", "detector control endpoint")
	timeout  = flag.DurationP("timeout", "t", 30*time.Second, "how long to wait for the detector")
	exposure = flag.DurationP("exposure", "e", 0, "integration time of a single image")
	quiet    = flag.BoolP("quiet", "q", false, "no spinner")

	good = color.New(color.FgGreen).SprintFunc()
	bad  = color.New(color.FgRed, color.Bold).SprintFunc()
)

func usage() {
	fmt.Fprint(os.Stderr, `rayonixctl talks to a Rayonix detector control server.

Usage:
	rayonixctl [flags] <command> [args]

Commands:
	state                  print the detector state
	bin [n]                print or set the bin factor
	mode [n]               print or set the readout mode
	bkg                    acquire a new background image
	image <file>           acquire one image
	series <n> <base>      acquire n triggered images named <base>_000001.fits ...
	abort                  abort the acquisition in progress
	sim [listen addr]      run a detector simulator
	version                print the version

Flags:
`)
	flag.PrintDefaults()
}

// spin runs fn behind a spinner showing msg
func spin(msg string, fn func() error) error {
	if *quiet {
		return fn()
	}
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		Message:           msg,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
		Writer:            os.Stderr,
	})
	if err != nil {
		return fn()
	}
	spinner.Start()
	err = fn()
	if err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		return err
	}
	spinner.StopMessage(msg)
	spinner.Stop()
	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, bad("error:"), err)
	os.Exit(1)
}

func intArg(args []string, i int, name string) int {
	if len(args) <= i {
		fatal(fmt.Errorf("missing argument %s", name))
	}
	n, err := strconv.Atoi(args[i])
	if err != nil {
		fatal(fmt.Errorf("%s: %w", name, err))
	}
	return n
}

func printState(c *rayonix.Client) error {
	st, err := c.State()
	if err != nil {
		return err
	}
	s := st.String()
	if st.Errored() {
		s = bad(s)
	} else if st.Idle() {
		s = good(s)
	}
	fmt.Println(s)
	return nil
}

func bin(c *rayonix.Client, args []string) error {
	if len(args) > 1 {
		n := intArg(args, 1, "bin factor")
		if !rayonix.ValidBin(n) {
			return fmt.Errorf("bin factor must be one of %v", rayonix.ValidBinFactors)
		}
		return spin(fmt.Sprintf("binning %dx%d", n, n), func() error { return c.SetBin(n) })
	}
	n, err := c.Bin()
	if err != nil {
		return err
	}
	w, h, err := c.Size()
	if err != nil {
		return err
	}
	fmt.Printf("%d (%dx%d pixels)\n", n, w, h)
	return nil
}

func mode(c *rayonix.Client, args []string) error {
	if len(args) > 1 {
		m := rayonix.ReadoutMode(intArg(args, 1, "readout mode"))
		return c.SetReadoutMode(m)
	}
	m, err := c.ReadoutMode()
	if err != nil {
		return err
	}
	fmt.Printf("%d (%s)\n", int(m), m)
	return nil
}

func image(ctx context.Context, ctl *rayonix.Controller, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("image needs a filename")
	}
	fn := args[1]
	opts := ctl.Options()
	opts.ExposureTime = *exposure
	opts.IdleTimeout = *timeout
	if err := ctl.SetOptions(opts); err != nil {
		return err
	}
	return spin("acquiring "+fn, func() error { return ctl.Acquire(ctx, fn) })
}

func series(ctx context.Context, ctl *rayonix.Controller, args []string) error {
	n := intArg(args, 1, "number of images")
	if len(args) < 3 {
		return fmt.Errorf("series needs a base filename")
	}
	base := strings.TrimSuffix(args[2], filepath.Ext(args[2]))
	req := make(rayonix.Request, n)
	for i := range req {
		req[i] = rayonix.Target{ImageNumber: i, Filename: fmt.Sprintf("%s_%06d.fits", base, i+1)}
	}
	ch, cancel := ctl.Subscribe()
	defer cancel()
	if err := ctl.AcquireImages(ctx, req); err != nil {
		return err
	}
	got := 0
	return spin(fmt.Sprintf("waiting for %d triggers", n), func() error {
		for got < n {
			select {
			case <-ctx.Done():
				ctl.Abort()
				return ctx.Err()
			case <-time.After(*timeout):
				ctl.Abort()
				return fmt.Errorf("%d of %d images after %v", got, n, *timeout)
			case <-ch:
				got++
			}
		}
		return nil
	})
}

func sim(args []string) error {
	listen := "localhost:2222"
	if len(args) > 1 {
		listen = args[1]
	}
	s := rayonix.NewSimulator()
	if err := s.Listen(listen); err != nil {
		return err
	}
	defer s.Close()
	log.Printf("simulated detector listening at %s", s.Endpoint())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sig:
			return nil
		case <-ticker.C:
			s.Trigger()
		}
	}
}

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	cmd := strings.ToLower(args[0])
	switch cmd {
	case "version":
		fmt.Printf("rayonixctl version %v\n", Version)
		return
	case "sim":
		if err := sim(args); err != nil {
			fatal(err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	pool := comm.NewPool()
	defer pool.Close()
	client := rayonix.NewClient(pool, *addr)
	ctl := rayonix.NewController(client)
	var err error
	switch cmd {
	case "state":
		err = printState(client)
	case "bin":
		err = bin(client, args)
	case "mode":
		err = mode(client, args)
	case "bkg":
		err = spin("reading background", func() error {
			tctx, cancel := context.WithTimeout(ctx, *timeout)
			defer cancel()
			return client.UpdateBkg(tctx)
		})
	case "image":
		err = image(ctx, ctl, args)
	case "series":
		err = series(ctx, ctl, args)
	case "abort":
		err = client.Abort()
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fatal(err)
	}
}
