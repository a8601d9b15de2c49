package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/term"

	"github.com/drunlade/go-fios/fios"
)

var (
	verbose      = flag.Bool("v", false, "verbose mode")
	quiet        = flag.Bool("q", false, "quiet mode")
	baud         = flag.Int("b", 115200, "baud rate")
	timeout      = flag.Duration("t", 10*time.Second, "read timeout")
	startTimeout = flag.Duration("start-timeout", 0, "how long a receiver waits for the sender (0 = read timeout, negative = forever)")
	logFormat    = flag.String("log-format", "text", "log format: text, json or console")
	trace        = flag.Bool("trace", false, "log every byte on the link (with -v)")
	sum          = flag.Bool("sum", false, "print the BLAKE2b-256 digest of the file when done")
	help         = flag.Bool("h", false, "show help")
	version      = flag.Bool("version", false, "show version")
)

const versionString = "fios-file version 0.1.0"

func main() {
	flag.Parse()

	if *help {
		showUsage(0)
	}

	if *version {
		fmt.Println(versionString)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) != 3 {
		showUsage(1)
	}

	var direction fios.Direction
	switch args[0] {
	case "s", "send":
		direction = fios.DirectionSend
	case "r", "receive":
		direction = fios.DirectionReceive
	default:
		showUsage(1)
	}

	devpath := args[1]
	if devpath == "auto" {
		devpath = fios.DefaultDevicePath()
	}

	os.Exit(run(direction, devpath, args[2]))
}

func run(direction fios.Direction, devpath, path string) int {
	logger := newLogger()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := signalContext(sigChan)
	defer cancel()

	link, err := fios.OpenLink(devpath,
		fios.WithLinkConfig(&fios.LinkConfig{
			BaudRate:     *baud,
			ReadTimeout:  *timeout,
			PollInterval: 100 * time.Millisecond,
			Trace:        *trace,
		}),
		fios.WithLinkLogger(logger),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer link.Close()

	callbacks := &fios.Callbacks{
		OnStart: func(direction fios.Direction, path string, size int64) {
			logger.Info("%s %s (%d bytes)", direction, path, size)
		},
		OnProgress: func(path string, transferred, total int64, rate float64) {
			logger.Debug("%s: %d/%d bytes (%.0f bytes/s)", path, transferred, total, rate)
		},
		OnComplete: func(path string, stats fios.Stats) {
			logger.Info("completed %s (%d bytes in %v, %.0f bytes/s)", path, stats.Transferred, stats.Duration, stats.Rate)
		},
	}

	if !*quiet {
		fmt.Fprintln(os.Stdout)
	}
	err = fios.Run(ctx, link, direction, path, progressPrinter(),
		fios.WithCallbacks(callbacks),
		fios.WithLogger(logger),
		fios.WithStartTimeout(*startTimeout),
	)
	if !*quiet {
		fmt.Fprintln(os.Stdout)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *sum {
		digest, err := fileDigest(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintf(os.Stdout, "%s  %s\n", digest, path)
	}
	return 0
}

// progressPrinter redraws a single line on a terminal and prints one line per
// whole percent otherwise.
func progressPrinter() fios.PollFunc {
	if *quiet {
		return nil
	}
	interactive := term.IsTerminal(int(os.Stdout.Fd()))
	last := -1
	return func(status fios.Status, progress float64) {
		if interactive {
			fmt.Fprintf(os.Stdout, "\rProgress: %.1f %%", progress*100)
			return
		}
		if percent := int(progress * 100); percent != last {
			last = percent
			fmt.Fprintf(os.Stdout, "Progress: %d %%\n", percent)
		}
	}
}

func newLogger() fios.Logger {
	if *quiet {
		return fios.NoopLogger{}
	}

	switch *logFormat {
	case "console":
		return fios.NewConsoleLogger(os.Stderr, *verbose)
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logrus.SetOutput(os.Stderr)
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
	}
	return fios.NewLogrusLogger(logrus.StandardLogger()).With("app", "fios-file")
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func signalContext(sigChan chan os.Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sigChan
		cancel()
	}()
	return ctx, cancel
}

func showUsage(exitcode int) {
	fmt.Fprintf(os.Stderr, `%s - move a file over a serial link

Usage: %s [options] s|r device-path|auto file-path

Options:
  -b N               baud rate (default: 115200)
  -h                 show this help message
  -log-format F      log format: text, json or console (default: text)
  -q                 quiet mode, no progress output
  -start-timeout D   how long a receiver waits for the sender
                     (default: the read timeout, negative: forever)
  -sum               print the BLAKE2b-256 digest of the file when done
  -t D               read timeout (default: 10s)
  -trace             log every byte on the link (with -v)
  -v                 verbose mode
  -version           show version

Examples:
  %s s auto firmware.bin         # Send to the default device
  %s r /dev/ttyUSB0 backup.tar   # Receive from a specific device

`, versionString, os.Args[0], os.Args[0], os.Args[0])
	os.Exit(exitcode)
}
