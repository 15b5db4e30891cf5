package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sttdispatch/sttd/internal/asr"
	"github.com/sttdispatch/sttd/internal/worker"
)

func runWorker(args []string) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	cfg := &appConfig{}
	fs.StringVar(&cfg.proxyAddr, "proxy-addr", "127.0.0.1:8888", "Proxy address to dial")
	fs.StringVar(&cfg.workerIP, "ip", "127.0.0.1", "IP this worker advertises to the proxy")
	fs.IntVar(&cfg.workerPrt, "port", 0, "Port this worker advertises (informational; 0 is fine for outbound-only workers)")
	fs.StringVar(&cfg.tokens, "tokens", "", "ASR tokens file path")
	fs.StringVar(&cfg.encoder, "encoder", "", "ASR encoder model path")
	fs.StringVar(&cfg.decoder, "decoder", "", "ASR decoder model path")
	fs.StringVar(&cfg.joiner, "joiner", "", "ASR joiner model path")
	parseCommon(fs, cfg)
	_ = fs.Parse(args)
	set := setFlagNames(fs)
	if err := applyOverlayAndEnv(cfg, set); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ip, err := parseIPv4(cfg.workerIP)
	if err != nil {
		l.Error("invalid_ip", "ip", cfg.workerIP, "error", err)
		os.Exit(1)
	}

	w := worker.New(worker.Config{
		ProxyAddr: cfg.proxyAddr,
		IP:        ip,
		Port:      uint16(cfg.workerPrt),
		Engine:    newEngine(),
		Tokens:    cfg.tokens,
		Encoder:   cfg.encoder,
		Decoder:   cfg.decoder,
		Joiner:    cfg.joiner,
		Logger:    l,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigCh := make(chan os.Signal, 2)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		s := <-sigCh
		l.Info("shutdown_signal", "signal", s.String())
		cancel()
	}()

	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		l.Error("worker_run_error", "error", err)
		os.Exit(1)
	}
}

func newEngine() asr.Engine {
	return newDefaultEngine()
}

func parseIPv4(s string) ([4]byte, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return [4]byte{}, fmt.Errorf("not an IP: %s", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return [4]byte{}, fmt.Errorf("not an IPv4 address: %s", s)
	}
	var out [4]byte
	copy(out[:], v4)
	return out, nil
}
