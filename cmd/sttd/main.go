// Command sttd is the single binary for every endpoint in the dispatcher:
// proxy, worker, client and bench each live behind their own subcommand.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s [proxy|worker|client|bench] [options]\n", os.Args[0])
		os.Exit(2)
	}
	switch os.Args[1] {
	case "proxy":
		runProxy(os.Args[2:])
	case "worker":
		runWorker(os.Args[2:])
	case "client":
		runClient(os.Args[2:])
	case "bench":
		runBench(os.Args[2:])
	case "-version", "--version", "version":
		fmt.Printf("sttd %s (commit %s, built %s)\n", version, commit, date)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		os.Exit(2)
	}
}
