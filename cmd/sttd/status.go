package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/sttdispatch/sttd/internal/proxy"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

type statusResponse struct {
	WorkersRegistered int     `json:"workers_registered"`
	WorkersAvailable  int     `json:"workers_available"`
	CPUPercent        float64 `json:"cpu_percent"`
	MemUsedPercent    float64 `json:"mem_used_percent"`
}

// startStatusServer exposes host and roster health on addr. Disabled when
// addr is empty.
func startStatusServer(ctx context.Context, addr string, srv *proxy.Server, l *slog.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		resp := buildStatus(srv)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	httpSrv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		l.Info("status_listen", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Error("status_http_error", "error", err)
		}
	}()
	go func() { <-ctx.Done(); _ = httpSrv.Shutdown(context.Background()) }()
	return httpSrv
}

func buildStatus(srv *proxy.Server) statusResponse {
	resp := statusResponse{}
	roster := srv.Roster()
	resp.WorkersRegistered = roster.Len()
	available := 0
	for _, w := range roster.Snapshot() {
		if w.Available() {
			available++
		}
	}
	resp.WorkersAvailable = available

	if percents, err := cpu.PercentWithContext(context.Background(), 200*time.Millisecond, false); err == nil && len(percents) > 0 {
		resp.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(context.Background()); err == nil {
		resp.MemUsedPercent = vm.UsedPercent
	}
	return resp
}
