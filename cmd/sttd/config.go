package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// appConfig holds every flag across all subcommands; each subcommand only
// reads the fields relevant to it. Flags take precedence over a --config
// YAML overlay, which takes precedence over STTD_* environment variables,
// which take precedence over the defaults below.
type appConfig struct {
	// shared
	logFormat   string
	logLevel    string
	metricsAddr string
	configFile  string

	// proxy
	listenAddr      string
	heartbeat       time.Duration
	readTimeout     time.Duration
	mailboxCapacity int
	connectRPS      float64
	connectBurst    int
	mdnsEnable      bool
	mdnsName        string
	reportCron      string
	statusAddr      string
	logMetricsEvery time.Duration

	// worker
	proxyAddr string
	workerIP  string
	workerPrt int
	tokens    string
	encoder   string
	decoder   string
	joiner    string

	// client / bench
	wavFile    string
	rawMode    bool
	dataDir    string
	fileCount  int
	maxClients int
	summaryOut string
}

type yamlOverlay struct {
	LogFormat       string  `yaml:"log_format"`
	LogLevel        string  `yaml:"log_level"`
	MetricsAddr     string  `yaml:"metrics_addr"`
	ListenAddr      string  `yaml:"listen_addr"`
	Heartbeat       string  `yaml:"heartbeat"`
	ReadTimeout     string  `yaml:"read_timeout"`
	MailboxCapacity int     `yaml:"mailbox_capacity"`
	ConnectRPS      float64 `yaml:"connect_rps"`
	ConnectBurst    int     `yaml:"connect_burst"`
	MDNSEnable      bool    `yaml:"mdns_enable"`
	MDNSName        string  `yaml:"mdns_name"`
	ReportCron      string  `yaml:"report_cron"`
	StatusAddr      string  `yaml:"status_addr"`
	LogMetricsEvery string  `yaml:"log_metrics_interval"`
	ProxyAddr       string  `yaml:"proxy_addr"`
	Tokens          string  `yaml:"tokens"`
	Encoder         string  `yaml:"encoder"`
	Decoder         string  `yaml:"decoder"`
	Joiner          string  `yaml:"joiner"`
}

// parseCommon registers the flags shared by every subcommand; each
// subcommand registers its own flags on fs before calling this.
func parseCommon(fs *flag.FlagSet, cfg *appConfig) {
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Prometheus metrics HTTP listen address (empty disables)")
	fs.StringVar(&cfg.configFile, "config", "", "Optional YAML config overlay path")
}

// applyOverlayAndEnv applies STTD_* environment variables and then the
// --config overlay (if set) on top of them, so the overlay wins over env.
// Any field whose flag was explicitly set on the command line is skipped
// by both (set carries the flag names seen).
func applyOverlayAndEnv(cfg *appConfig, set map[string]struct{}) error {
	applyEnv(cfg, set)
	if cfg.configFile != "" {
		b, err := os.ReadFile(cfg.configFile)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		var o yamlOverlay
		if err := yaml.Unmarshal(b, &o); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
		applyOverlay(cfg, &o, set)
	}
	return nil
}

func applyOverlay(cfg *appConfig, o *yamlOverlay, set map[string]struct{}) {
	strField := func(flagName string, dst *string, v string) {
		if _, ok := set[flagName]; !ok && v != "" {
			*dst = v
		}
	}
	strField("log-format", &cfg.logFormat, o.LogFormat)
	strField("log-level", &cfg.logLevel, o.LogLevel)
	strField("metrics-addr", &cfg.metricsAddr, o.MetricsAddr)
	strField("listen", &cfg.listenAddr, o.ListenAddr)
	strField("mdns-name", &cfg.mdnsName, o.MDNSName)
	strField("report-cron", &cfg.reportCron, o.ReportCron)
	strField("status-addr", &cfg.statusAddr, o.StatusAddr)
	strField("proxy-addr", &cfg.proxyAddr, o.ProxyAddr)
	strField("tokens", &cfg.tokens, o.Tokens)
	strField("encoder", &cfg.encoder, o.Encoder)
	strField("decoder", &cfg.decoder, o.Decoder)
	strField("joiner", &cfg.joiner, o.Joiner)
	if _, ok := set["heartbeat"]; !ok && o.Heartbeat != "" {
		if d, err := time.ParseDuration(o.Heartbeat); err == nil {
			cfg.heartbeat = d
		}
	}
	if _, ok := set["read-timeout"]; !ok && o.ReadTimeout != "" {
		if d, err := time.ParseDuration(o.ReadTimeout); err == nil {
			cfg.readTimeout = d
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok && o.LogMetricsEvery != "" {
		if d, err := time.ParseDuration(o.LogMetricsEvery); err == nil {
			cfg.logMetricsEvery = d
		}
	}
	if _, ok := set["mailbox-capacity"]; !ok && o.MailboxCapacity > 0 {
		cfg.mailboxCapacity = o.MailboxCapacity
	}
	if _, ok := set["connect-rate"]; !ok && o.ConnectRPS > 0 {
		cfg.connectRPS = o.ConnectRPS
	}
	if _, ok := set["connect-burst"]; !ok && o.ConnectBurst > 0 {
		cfg.connectBurst = o.ConnectBurst
	}
	if _, ok := set["mdns-enable"]; !ok && o.MDNSEnable {
		cfg.mdnsEnable = o.MDNSEnable
	}
}

func applyEnv(cfg *appConfig, set map[string]struct{}) {
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	strEnv := func(flagName string, dst *string, envName string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(envName); ok && v != "" {
			*dst = v
		}
	}
	strEnv("log-format", &cfg.logFormat, "STTD_LOG_FORMAT")
	strEnv("log-level", &cfg.logLevel, "STTD_LOG_LEVEL")
	strEnv("metrics-addr", &cfg.metricsAddr, "STTD_METRICS_ADDR")
	strEnv("listen", &cfg.listenAddr, "STTD_LISTEN")
	strEnv("mdns-name", &cfg.mdnsName, "STTD_MDNS_NAME")
	strEnv("report-cron", &cfg.reportCron, "STTD_REPORT_CRON")
	strEnv("status-addr", &cfg.statusAddr, "STTD_STATUS_ADDR")
	strEnv("proxy-addr", &cfg.proxyAddr, "STTD_PROXY_ADDR")
	strEnv("tokens", &cfg.tokens, "STTD_TOKENS")
	strEnv("encoder", &cfg.encoder, "STTD_ENCODER")
	strEnv("decoder", &cfg.decoder, "STTD_DECODER")
	strEnv("joiner", &cfg.joiner, "STTD_JOINER")
	if _, ok := set["heartbeat"]; !ok {
		if v, ok := get("STTD_HEARTBEAT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				cfg.heartbeat = d
			}
		}
	}
	if _, ok := set["connect-rate"]; !ok {
		if v, ok := get("STTD_CONNECT_RATE"); ok && v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				cfg.connectRPS = f
			}
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("STTD_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				cfg.logMetricsEvery = d
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("STTD_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				cfg.mdnsEnable = true
			case "0", "false", "no", "off":
				cfg.mdnsEnable = false
			}
		}
	}
}

func setFlagNames(fs *flag.FlagSet) map[string]struct{} {
	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })
	return set
}
