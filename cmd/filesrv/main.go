// Command filesrv serves the files under a document root over HTTP/1.1 GET.
//
//	filesrv [flags] <port>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/s00inx/filesrv/server"
	"github.com/sirupsen/logrus"
	"go.uber.org/automaxprocs/maxprocs"
)

func main() {
	var (
		root     = flag.String("root", "", "document root (default ./resources)")
		workers  = flag.Int("workers", 0, "worker goroutines (default 8)")
		queue    = flag.Int("queue", 0, "task queue capacity (default 10000)")
		maxConns = flag.Int("max-conns", 0, "open connections before new ones get 503 (default 65535)")
		tick     = flag.Duration("tick", 0, "timer interval, idle connections go after 3 of them (default 5s)")
		cfgFile  = flag.String("config", "", "TOML config file; flags override it")
		level    = flag.String("log-level", "", "panic, fatal, error, warn, info, debug or trace (default info)")
		logFile  = flag.String("log-file", "", "append logs to this file instead of stderr")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] port_number\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}
	port, err := strconv.Atoi(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad port %q\n", flag.Arg(0))
		os.Exit(1)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.DateTime})

	cfg := server.DefaultConfig()
	cfg.Port = port
	lvl := "info"
	if *cfgFile != "" {
		fc, err := server.LoadFile(*cfgFile)
		if err != nil {
			log.Fatal(err)
		}
		fc.Apply(&cfg)
		if fc.LogLevel != "" {
			lvl = fc.LogLevel
		}
	}
	if *level != "" {
		lvl = *level
	}
	parsed, err := logrus.ParseLevel(lvl)
	if err != nil {
		log.Fatalf("log level: %v", err)
	}
	log.SetLevel(parsed)

	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("log file: %v", err)
		}
		defer f.Close()
		log.SetOutput(f)
	}

	if *root != "" {
		cfg.DocRoot = *root
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *queue > 0 {
		cfg.QueueSize = *queue
	}
	if *maxConns > 0 {
		cfg.MaxConns = *maxConns
	}
	if *tick > 0 {
		cfg.TickInterval = *tick
	}
	cfg.Logger = log

	if _, err := maxprocs.Set(maxprocs.Logger(log.Infof)); err != nil {
		log.Warnf("maxprocs: %v", err)
	}

	// a peer closing mid-write must not kill the process
	signal.Ignore(syscall.SIGPIPE)

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	srv.Relay(syscall.SIGALRM)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Serve(ctx); err != nil {
		log.Errorf("serve: %v", err)
		stop()
		os.Exit(1)
	}
}
