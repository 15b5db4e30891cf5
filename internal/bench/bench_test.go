package bench

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRun_CyclesSampleFiles(t *testing.T) {
	dir := t.TempDir()
	for i := 1; i <= 3; i++ {
		if err := os.WriteFile(filepath.Join(dir, "unused.txt"), []byte("x"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	cfg := Config{ProxyAddr: "127.0.0.1:1", DataDir: dir, FileCount: 3, MaxClients: 2}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	results := Run(ctx, cfg)
	count := 0
	seen := map[string]int{}
	for r := range results {
		count++
		seen[filepath.Base(r.file)]++
	}
	if count == 0 {
		t.Fatal("expected at least one completed (failed) session before cancellation")
	}
	for name := range seen {
		if name != "split_part_1.wav" && name != "split_part_2.wav" && name != "split_part_3.wav" {
			t.Fatalf("session used %q, outside split_part_1..3.wav", name)
		}
	}
	if count > cfg.FileCount && seen["split_part_1.wav"] < 2 {
		t.Fatalf("expected split_part_1.wav to be reused after wrapping, seen %v", seen)
	}
}

func TestWriteSummary(t *testing.T) {
	results := make(chan sample, 2)
	results <- sample{file: "a.wav", duration: 10 * time.Millisecond}
	results <- sample{file: "b.wav", duration: 20 * time.Millisecond, err: context.DeadlineExceeded}
	close(results)

	path := filepath.Join(t.TempDir(), "summary.csv.gz")
	n, err := WriteSummary(path, results)
	if err != nil {
		t.Fatalf("WriteSummary: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	defer gz.Close()
	rows, err := csv.NewReader(gz).ReadAll()
	if err != nil {
		t.Fatalf("csv read: %v", err)
	}
	if len(rows) != 3 { // header + 2 rows
		t.Fatalf("expected 3 csv rows, got %d", len(rows))
	}
}
