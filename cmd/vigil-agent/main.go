// Command vigil-agent runs on an edge node: it tails the tunnel access
// log and ships connection batches to the collector.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vigil-net/vigil/internal/buildinfo"
	"github.com/vigil-net/vigil/internal/config"
	"github.com/vigil-net/vigil/internal/reporter"
	"github.com/vigil-net/vigil/internal/scanloop"
	"github.com/vigil-net/vigil/internal/tailer"
)

const (
	pollInterval = 10 * time.Second
	pollJitter   = 3 * time.Second
)

func main() {
	snapshot := flag.Bool("snapshot", false, "read the log tail once, report, and exit")
	flag.Parse()

	cfg, err := config.LoadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.RequireAgent(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	log.Printf("vigil-agent %s (%s) starting for node %s", buildinfo.Version, buildinfo.GitCommit, cfg.NodeUUID)

	tl := tailer.New(cfg.XrayLogPath, cfg.NodeUUID, cfg.LogReadBufferBytes, nil)
	rep := reporter.New(reporter.Config{
		CollectorURL: cfg.CollectorURL,
		AgentToken:   cfg.AgentToken,
		NodeUUID:     cfg.NodeUUID,
	})

	if *snapshot {
		os.Exit(runSnapshot(tl, rep))
	}
	runRealtime(tl, rep)
}

// runSnapshot performs one tail scan and one flush.
func runSnapshot(tl *tailer.Tailer, rep *reporter.Reporter) int {
	reports, err := tl.Snapshot()
	if err != nil {
		log.Printf("[agent] snapshot: %v", err)
		return 1
	}
	log.Printf("[agent] snapshot parsed %d reports (%d unmatched lines)", len(reports), tl.Mismatched.Value())
	rep.Enqueue(reports)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := rep.Flush(ctx); err != nil {
		log.Printf("[agent] snapshot flush: %v", err)
		return 1
	}
	return 0
}

// runRealtime polls the log on a jittered interval and flushes after
// every poll until the process is signalled.
func runRealtime(tl *tailer.Tailer, rep *reporter.Reporter) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanloop.Run(stopCh, pollInterval, pollJitter, func() {
			reports, err := tl.Poll()
			if err != nil {
				if errors.Is(err, tailer.ErrLogUnreadable) {
					log.Printf("[agent] %v, retrying next cycle", err)
					return
				}
				log.Printf("[agent] poll: %v", err)
				return
			}
			if len(reports) == 0 {
				return
			}
			rep.Enqueue(reports)
			if err := rep.Flush(ctx); err != nil {
				log.Printf("[agent] flush: %v", err)
			}
		})
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("received signal %s, shutting down", sig)

	close(stopCh)
	<-done

	// Final best-effort flush of anything still queued.
	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFlush()
	if err := rep.Flush(flushCtx); err != nil {
		log.Printf("[agent] final flush: %v", err)
	}
	log.Println("stopped")
}
