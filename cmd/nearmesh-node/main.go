package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"nearmesh/internal/identity"
	"nearmesh/internal/mesh"
	"nearmesh/internal/metrics"
	"nearmesh/internal/pprofutil"
	"nearmesh/internal/transport"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "name":
		return runName(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: nearmesh-node <run|name> [args]")
	fmt.Fprintln(w, "  run   [--listen :0] [--beacon 239.77.77.77:7677] [--data DIR] [--metrics-addr :9477] [--debug]")
	fmt.Fprintln(w, "  name  [--data DIR]")
}

func defaultDataDir() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".nearmesh")
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	listen := fs.String("listen", ":0", "UDP address for inbound links")
	beacon := fs.String("beacon", "", "multicast group for discovery beacons")
	data := fs.String("data", defaultDataDir(), "identity directory")
	metricsAddr := fs.String("metrics-addr", "", "serve prometheus metrics on this address")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	logger := logrus.New()
	logger.SetOutput(stderr)
	if *debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	log := logrus.NewEntry(logger)

	if err := pprofutil.StartFromEnv(log); err != nil {
		fmt.Fprintf(stderr, "pprof start failed: %v\n", err)
		return 1
	}

	name, err := identity.NewStore(*data).Name()
	if err != nil {
		fmt.Fprintf(stderr, "load identity failed: %v\n", err)
		return 1
	}

	tr, err := transport.NewQUIC(transport.QUICConfig{
		ListenAddr: *listen,
		BeaconAddr: *beacon,
		Logger:     log,
	})
	if err != nil {
		fmt.Fprintf(stderr, "transport start failed: %v\n", err)
		return 1
	}

	m := metrics.New()
	node := mesh.New(mesh.ConfigFromEnv(), name, tr, mesh.Options{
		Logger:  log,
		Metrics: m,
		OnPayload: func(from string, payload []byte) {
			if from == "" {
				from = "?"
			}
			fmt.Fprintf(stdout, "%s: %s\n", from, payload)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := node.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "mesh start failed: %v\n", err)
		return 1
	}
	defer node.Stop()

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, m, log)
	}

	fmt.Fprintf(stdout, "READY name=%s fp=%s addr=%s\n", name, identity.Fingerprint(name), tr.LinkAddr())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		select {
		case <-sigs:
			fmt.Fprintln(stdout, "shutting down")
			return 0
		case line, ok := <-lines:
			if !ok {
				return 0
			}
			if line == "" {
				continue
			}
			if err := node.Broadcast([]byte(line)); err != nil {
				fmt.Fprintf(stderr, "broadcast failed: %v\n", err)
			}
		}
	}
}

func runName(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("name", flag.ContinueOnError)
	fs.SetOutput(stderr)
	data := fs.String("data", defaultDataDir(), "identity directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	name, err := identity.NewStore(*data).Name()
	if err != nil {
		fmt.Fprintf(stderr, "load identity failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "%s fp=%s\n", name, identity.Fingerprint(name))
	return 0
}

func readLines(r io.Reader, out chan<- string) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- sc.Text()
	}
	close(out)
}

func serveMetrics(addr string, m *metrics.Metrics, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Warn("metrics server stopped")
	}
}
