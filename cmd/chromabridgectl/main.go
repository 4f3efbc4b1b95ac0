// Command chromabridgectl controls a running chromabridge daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"github.com/tidwall/pretty"
	"golang.org/x/sys/unix"

	"github.com/pgaskin/chromabridge/control"
	"github.com/pgaskin/chromabridge/ctlproto"
)

var (
	Socket  = pflag.String("socket", control.SocketPath(), "Control socket path")
	Timeout = pflag.DurationP("timeout", "t", 10*time.Second, "Request timeout")
	JSON    = pflag.BoolP("json", "j", false, "Print the raw response")
)

const usage = `usage: %s [options] command [args...]

commands:
  get                     show the config
  set key=value...        change the config
  enable monitor          start the overlay
  disable monitor         stop the overlay
  refresh                 reload assets
  list                    show assets and monitors
  status                  show overlay sessions
  flush                   wait for the config to be saved

options:
%s`

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, usage, os.Args[0], pflag.CommandLine.FlagUsages())
	}
	pflag.Parse()

	if pflag.NArg() == 0 {
		pflag.Usage()
		os.Exit(2)
	}

	req, err := request(pflag.Arg(0), pflag.Args()[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		pflag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *Timeout)
	defer cancel()

	c, err := control.Dial(ctx, *Socket)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: connect to daemon: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	resp, err := c.Do(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *JSON {
		b := pretty.Pretty(resp.AppendJSON(nil))
		if isTerminal(os.Stdout) {
			b = pretty.Color(b, nil)
		}
		os.Stdout.Write(b)
		return
	}
	show(os.Stdout, req, resp)
}

func request(cmd string, args []string) (ctlproto.Request, error) {
	req := ctlproto.Request{Op: ctlproto.Op(cmd)}
	if !req.Op.Valid() {
		return req, fmt.Errorf("unknown command %q", cmd)
	}
	switch req.Op {
	case ctlproto.OpSet:
		b, err := ctlproto.Patch(args...)
		if err != nil {
			return req, err
		}
		req.Config = b
	case ctlproto.OpEnable, ctlproto.OpDisable:
		if len(args) != 1 {
			return req, fmt.Errorf("%s requires a monitor index", cmd)
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return req, fmt.Errorf("invalid monitor index %q", args[0])
		}
		req.Monitor = n
	default:
		if len(args) != 0 {
			return req, fmt.Errorf("%s does not take arguments", cmd)
		}
	}
	return req, nil
}

func show(f *os.File, req ctlproto.Request, resp ctlproto.Response) {
	w := tabwriter.NewWriter(f, 0, 4, 2, ' ', 0)
	defer w.Flush()

	if c := resp.Config; c != nil {
		fmt.Fprintf(w, "monitor\t%d\n", c.Monitor)
		fmt.Fprintf(w, "spectrum\t%s\n", or(c.Spectrum, "(none)"))
		fmt.Fprintf(w, "noise\t%s\n", or(c.Noise, "(none)"))
		fmt.Fprintf(w, "strength\t%s%%\n", humanize.Ftoa(c.Strength*100))
		fmt.Fprintf(w, "enabled\t%t\n", c.Enabled)
		fmt.Fprintf(w, "start on launch\t%t\n", c.StartOnLaunch)
		fmt.Fprintf(w, "vsync\t%t\n", c.VSync)
		if c.TargetFPS != 0 {
			fmt.Fprintf(w, "target fps\t%d\n", c.TargetFPS)
		} else {
			fmt.Fprintf(w, "target fps\tunlimited\n")
		}
		fmt.Fprintf(w, "debug overlay\t%t\n", c.DebugOverlay)
		fmt.Fprintf(w, "log level\t%s\n", c.LogLevel)
	}
	if resp.Generation != 0 || req.Op == ctlproto.OpFlush {
		saved := "saved"
		if resp.Saved < resp.Generation {
			saved = "unsaved"
		}
		fmt.Fprintf(w, "generation\t%d (%s)\n", resp.Generation, saved)
	}
	if resp.Spectra != nil {
		fmt.Fprintf(w, "spectra\t%s\n", list(resp.Spectra))
	}
	if resp.Noise != nil {
		fmt.Fprintf(w, "noise patterns\t%s\n", list(resp.Noise))
	}
	for _, x := range resp.Invalid {
		fmt.Fprintf(w, "invalid\t%s\n", x)
	}
	for _, m := range resp.Monitors {
		var primary string
		if m.Primary {
			primary = " primary"
		}
		fmt.Fprintf(w, "monitor %d\t%s %dx%d+%d+%d @ %sHz%s\n", m.Index, m.Name, m.Width, m.Height, m.X, m.Y, humanize.FtoaWithDigits(m.RefreshHz, 2), primary)
	}
	if resp.Sessions != nil && len(resp.Sessions) == 0 {
		fmt.Fprintf(w, "sessions\t(none)\n")
	}
	for _, s := range resp.Sessions {
		fmt.Fprintf(w, "session %d\t%s", s.Monitor, s.State)
		if s.Stats.Frames != 0 {
			fmt.Fprintf(w, ", %s fps, %sms render, %sms frame, %s frames",
				humanize.FtoaWithDigits(s.Stats.FPS, 1),
				humanize.FtoaWithDigits(s.Stats.RenderMS, 2),
				humanize.FtoaWithDigits(s.Stats.FrameMS, 2),
				humanize.Comma(int64(s.Stats.Frames)),
			)
		}
		if s.Err != "" {
			fmt.Fprintf(w, " (%s)", s.Err)
		}
		fmt.Fprintln(w)
	}
}

func list(v []string) string {
	if len(v) == 0 {
		return "(none)"
	}
	return strings.Join(v, ", ")
}

func or(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func isTerminal(f *os.File) bool {
	_, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	return err == nil
}
