package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sttdispatch/sttd/internal/bench"
)

func runBench(args []string) {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	cfg := &appConfig{}
	fs.StringVar(&cfg.proxyAddr, "proxy-addr", "127.0.0.1:8888", "Proxy address to dial")
	fs.StringVar(&cfg.dataDir, "data-dir", "./data/segment", "Directory holding split_part_N.wav sample files")
	fs.IntVar(&cfg.fileCount, "file-count", 100, "Number of split_part_N.wav files to cycle through")
	fs.IntVar(&cfg.maxClients, "max-clients", 10, "Maximum concurrent client sessions")
	fs.BoolVar(&cfg.rawMode, "raw", false, "Use raw mode clients instead of the chunked protocol")
	fs.StringVar(&cfg.summaryOut, "summary-out", "", "Path to write a gzip-compressed CSV latency summary (empty disables)")
	parseCommon(fs, cfg)
	_ = fs.Parse(args)
	set := setFlagNames(fs)
	if err := applyOverlayAndEnv(cfg, set); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigCh := make(chan os.Signal, 2)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		s := <-sigCh
		l.Info("shutdown_signal", "signal", s.String())
		cancel()
	}()

	results := bench.Run(ctx, bench.Config{
		ProxyAddr:  cfg.proxyAddr,
		DataDir:    cfg.dataDir,
		FileCount:  cfg.fileCount,
		MaxClients: cfg.maxClients,
		Raw:        cfg.rawMode,
		Logger:     l,
	})

	if cfg.summaryOut == "" {
		for range results {
		}
		return
	}
	n, err := bench.WriteSummary(cfg.summaryOut, results)
	if err != nil {
		l.Error("bench_summary_error", "error", err)
		os.Exit(1)
	}
	l.Info("bench_summary_written", "path", cfg.summaryOut, "rows", n)
}
