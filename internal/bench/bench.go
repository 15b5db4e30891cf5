// Package bench implements the load-generation harness: up to MaxClients
// concurrent client sessions cycling a fixed pool of sample files, reaping
// finished sessions and refilling the pool as slots free up.
package bench

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sttdispatch/sttd/internal/client"
	"github.com/sttdispatch/sttd/internal/logging"
)

// Config configures one benchmark run.
type Config struct {
	ProxyAddr  string
	DataDir    string // directory holding split_part_1.wav .. split_part_FileCount.wav
	FileCount  int    // default 100
	MaxClients int    // default 10
	Raw        bool   // true = raw mode, false = chunked protocol mode
	Logger     *slog.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.FileCount <= 0 {
		out.FileCount = 100
	}
	if out.MaxClients <= 0 {
		out.MaxClients = 10
	}
	if out.Logger == nil {
		out.Logger = logging.L()
	}
	return out
}

type sample struct {
	file     string
	started  time.Time
	duration time.Duration
	err      error
}

// Run drives client sessions against cfg.ProxyAddr, cycling through
// split_part_1.wav .. split_part_{FileCount}.wav indefinitely until ctx is
// cancelled. It bounds concurrency to MaxClients via a semaphore, and
// reports completed sessions on the returned channel so a caller (or
// WriteSummary) can tally latency; a session whose result is not taken
// before ctx is cancelled is not reported.
func Run(ctx context.Context, cfg Config) <-chan sample {
	cfg = cfg.withDefaults()
	sem := make(chan struct{}, cfg.MaxClients)
	results := make(chan sample, cfg.MaxClients)

	go func() {
		defer close(results)
		var wg sync.WaitGroup
		defer wg.Wait()

		i := 1
		for {
			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}
			wavFile := filepath.Join(cfg.DataDir, fmt.Sprintf("split_part_%d.wav", i))
			i++
			if i > cfg.FileCount {
				i = 1
			}

			wg.Add(1)
			go func(file string) {
				defer wg.Done()
				defer func() { <-sem }()
				s := sample{file: file, started: timeNow()}
				runErr := runOne(ctx, cfg, file)
				s.duration = timeNow().Sub(s.started)
				s.err = runErr
				select {
				case results <- s:
				case <-ctx.Done():
				}
			}(wavFile)
		}
	}()

	return results
}

func runOne(ctx context.Context, cfg Config, wavFile string) error {
	ccfg := client.Config{ProxyAddr: cfg.ProxyAddr, Logger: cfg.Logger}
	if cfg.Raw {
		return client.RunRaw(ctx, wavFile, ccfg)
	}
	return client.RunProtocol(ctx, wavFile, ccfg)
}

// timeNow is split out so tests can't accidentally rely on wall-clock
// values lining up across goroutines scheduled at different instants.
func timeNow() time.Time { return time.Now() }

// WriteSummary drains results, writing one row per completed session (file,
// duration in milliseconds, error if any) to a gzip-compressed CSV at path.
// It returns the number of rows written.
func WriteSummary(path string, results <-chan sample) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("bench: create summary: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	defer gz.Close()

	w := csv.NewWriter(gz)
	defer w.Flush()

	if err := w.Write([]string{"file", "duration_ms", "error"}); err != nil {
		return 0, fmt.Errorf("bench: write header: %w", err)
	}

	n := 0
	for r := range results {
		errText := ""
		if r.err != nil {
			errText = r.err.Error()
		}
		row := []string{r.file, strconv.FormatInt(r.duration.Milliseconds(), 10), errText}
		if err := w.Write(row); err != nil {
			return n, fmt.Errorf("bench: write row: %w", err)
		}
		n++
	}
	return n, nil
}
