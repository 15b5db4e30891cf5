package main

import (
	"os"
	"testing"
	"time"
)

func TestApplyEnv_Basic(t *testing.T) {
	cfg := &appConfig{
		logFormat:  "text",
		logLevel:   "info",
		proxyAddr:  "127.0.0.1:8888",
		connectRPS: 0,
		heartbeat:  10 * time.Second,
	}
	os.Setenv("STTD_LOG_LEVEL", "debug")
	os.Setenv("STTD_PROXY_ADDR", "10.0.0.1:9999")
	os.Setenv("STTD_HEARTBEAT", "30s")
	os.Setenv("STTD_CONNECT_RATE", "5.5")
	t.Cleanup(func() {
		os.Unsetenv("STTD_LOG_LEVEL")
		os.Unsetenv("STTD_PROXY_ADDR")
		os.Unsetenv("STTD_HEARTBEAT")
		os.Unsetenv("STTD_CONNECT_RATE")
	})

	applyEnv(cfg, map[string]struct{}{})

	if cfg.logLevel != "debug" {
		t.Fatalf("expected logLevel debug, got %q", cfg.logLevel)
	}
	if cfg.proxyAddr != "10.0.0.1:9999" {
		t.Fatalf("expected proxyAddr override, got %q", cfg.proxyAddr)
	}
	if cfg.heartbeat != 30*time.Second {
		t.Fatalf("expected heartbeat 30s, got %v", cfg.heartbeat)
	}
	if cfg.connectRPS != 5.5 {
		t.Fatalf("expected connectRPS 5.5, got %v", cfg.connectRPS)
	}
}

func TestApplyEnv_FlagPrecedence(t *testing.T) {
	cfg := &appConfig{logLevel: "info"}
	os.Setenv("STTD_LOG_LEVEL", "debug")
	t.Cleanup(func() { os.Unsetenv("STTD_LOG_LEVEL") })

	applyEnv(cfg, map[string]struct{}{"log-level": {}})

	if cfg.logLevel != "info" {
		t.Fatalf("expected logLevel unchanged by env when flag explicitly set, got %q", cfg.logLevel)
	}
}

func TestApplyEnv_BadDurationIgnored(t *testing.T) {
	cfg := &appConfig{heartbeat: 10 * time.Second}
	os.Setenv("STTD_HEARTBEAT", "not-a-duration")
	t.Cleanup(func() { os.Unsetenv("STTD_HEARTBEAT") })

	applyEnv(cfg, map[string]struct{}{})

	if cfg.heartbeat != 10*time.Second {
		t.Fatalf("expected heartbeat unchanged on parse failure, got %v", cfg.heartbeat)
	}
}

func TestApplyOverlay_SkipsExplicitFlags(t *testing.T) {
	cfg := &appConfig{proxyAddr: "127.0.0.1:8888"}
	o := &yamlOverlay{ProxyAddr: "192.168.1.1:8888"}

	applyOverlay(cfg, o, map[string]struct{}{"proxy-addr": {}})

	if cfg.proxyAddr != "127.0.0.1:8888" {
		t.Fatalf("expected proxyAddr unchanged when flag explicitly set, got %q", cfg.proxyAddr)
	}
}

func TestApplyOverlay_AppliesWhenNotSet(t *testing.T) {
	cfg := &appConfig{proxyAddr: "127.0.0.1:8888"}
	o := &yamlOverlay{ProxyAddr: "192.168.1.1:8888"}

	applyOverlay(cfg, o, map[string]struct{}{})

	if cfg.proxyAddr != "192.168.1.1:8888" {
		t.Fatalf("expected proxyAddr overlay applied, got %q", cfg.proxyAddr)
	}
}
