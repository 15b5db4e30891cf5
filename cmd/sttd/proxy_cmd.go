package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sttdispatch/sttd/internal/metrics"
	"github.com/sttdispatch/sttd/internal/proxy"
)

func runProxy(args []string) {
	fs := flag.NewFlagSet("proxy", flag.ExitOnError)
	cfg := &appConfig{}
	fs.StringVar(&cfg.listenAddr, "listen", ":8888", "TCP listen address")
	fs.DurationVar(&cfg.heartbeat, "heartbeat", 10*time.Second, "Heartbeat/GC sweep interval")
	fs.DurationVar(&cfg.readTimeout, "read-timeout", 60*time.Second, "Defensive per-frame magic read timeout")
	fs.IntVar(&cfg.mailboxCapacity, "mailbox-capacity", 20, "Per-worker mailbox capacity")
	fs.Float64Var(&cfg.connectRPS, "connect-rate", 0, "Per-IP connection admission rate (connections/sec, 0 disables)")
	fs.IntVar(&cfg.connectBurst, "connect-burst", 5, "Per-IP connection admission burst")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Enable mDNS advertisement")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default sttd-<hostname>)")
	fs.StringVar(&cfg.reportCron, "report-cron", "", "Cron expression for periodic roster/metrics report (empty disables)")
	fs.StringVar(&cfg.statusAddr, "status-addr", "", "HTTP listen address for /status (empty disables)")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "Interval for logging a metrics snapshot (0 disables)")
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

	var admission *proxy.Admission
	if cfg.connectRPS > 0 {
		admission = proxy.NewAdmission(cfg.connectRPS, cfg.connectBurst)
	}
	srv := proxy.New(
		proxy.WithListenAddr(cfg.listenAddr),
		proxy.WithHeartbeatInterval(cfg.heartbeat),
		proxy.WithReadTimeout(cfg.readTimeout),
		proxy.WithMailboxCapacity(cfg.mailboxCapacity),
		proxy.WithAdmission(admission),
		proxy.WithLogger(l),
	)

	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("proxy_serve_error", "error", err)
			cancel()
		}
	}()

	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		port := portOf(srv.Addr())
		cleanup, err := startMDNS(ctx, cfg, port)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
		go func() { <-ctx.Done(); cleanup() }()
	}()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		httpSrv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	startStatusServer(ctx, cfg.statusAddr, srv, l)
	reportCron := startReportCron(cfg.reportCron, srv, l)

	var metricsWG sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &metricsWG)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	if reportCron != nil {
		reportCron.Stop()
	}
	cancel()
	_ = srv.Shutdown()
	metricsWG.Wait()
}

func portOf(addr string) int {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		if n, err := strconv.Atoi(addr[i+1:]); err == nil {
			return n
		}
	}
	return 0
}
