package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/sttdispatch/sttd/internal/client"
)

func runClient(args []string) {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	cfg := &appConfig{}
	fs.StringVar(&cfg.proxyAddr, "proxy-addr", "127.0.0.1:8888", "Proxy address to dial")
	fs.StringVar(&cfg.wavFile, "file", "", "WAV file to send")
	fs.BoolVar(&cfg.rawMode, "raw", false, "Use raw mode (whole-file write, newline-split print) instead of the chunked protocol")
	parseCommon(fs, cfg)
	_ = fs.Parse(args)
	set := setFlagNames(fs)
	if err := applyOverlayAndEnv(cfg, set); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	if cfg.wavFile == "" {
		fmt.Fprintln(os.Stderr, "client: -file is required")
		os.Exit(2)
	}

	l := setupLogger(cfg.logFormat, cfg.logLevel)
	ccfg := client.Config{ProxyAddr: cfg.proxyAddr, Logger: l}

	ctx := context.Background()
	var err error
	if cfg.rawMode {
		err = client.RunRaw(ctx, cfg.wavFile, ccfg)
	} else {
		err = client.RunProtocol(ctx, cfg.wavFile, ccfg)
	}
	if err != nil {
		l.Error("client_run_error", "error", err)
		os.Exit(1)
	}
}
