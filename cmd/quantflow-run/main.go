//
// Tencent is pleased to support the open source community by making trpc-quantflow available.
//
// Copyright (C) 2025 Tencent.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//

// Package main submits a saved graph to a quantflow server on a fixed
// cadence, e.g. re-running an analysis pipeline every hour.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gorilla/websocket"

	"trpc.group/trpc-go/trpc-quantflow/event"
	"trpc.group/trpc-go/trpc-quantflow/graph"
	"trpc.group/trpc-go/trpc-quantflow/log"
	"trpc.group/trpc-go/trpc-quantflow/market"
)

// quietTimeout abandons a run when the server sends nothing for this
// long.
const quietTimeout = 60 * time.Second

var (
	graphArg = flag.String("graph", "", "graph JSON file or doublestar glob; the first match runs")
	interval = flag.String("interval", "1h", "pause between runs: "+strings.Join(market.Intervals(), ", "))
	host     = flag.String("host", "localhost", "server host")
	port     = flag.Int("port", 8099, "server port")
	runs     = flag.Int("runs", 0, "number of runs, 0 means run forever")
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	if *graphArg == "" {
		fmt.Fprintln(os.Stderr, "quantflow-run: --graph is required")
		flag.Usage()
		return 2
	}
	iv, err := market.ParseInterval(*interval)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quantflow-run: %v\n", err)
		flag.Usage()
		return 2
	}
	if *runs < 0 {
		fmt.Fprintln(os.Stderr, "quantflow-run: --runs must not be negative")
		flag.Usage()
		return 2
	}

	path, err := resolveGraphPath(*graphArg)
	if err != nil {
		log.Errorf("quantflow-run: %v", err)
		return 1
	}
	doc, err := os.ReadFile(path)
	if err != nil {
		log.Errorf("quantflow-run: %v", err)
		return 1
	}
	if _, err := graph.ParseSpec(doc); err != nil {
		log.Errorf("quantflow-run: %s: %v", path, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	url := fmt.Sprintf("ws://%s/ws", net.JoinHostPort(*host, fmt.Sprint(*port)))
	log.Infof("quantflow-run: %s -> %s every %s", path, url, iv)

	for i := 1; *runs == 0 || i <= *runs; i++ {
		log.Infof("quantflow-run: run %d", i)
		if err := executeOnce(ctx, url, doc); err != nil {
			log.Warnf("quantflow-run: run %d: %v", i, err)
		}
		if ctx.Err() != nil || (*runs != 0 && i == *runs) {
			break
		}
		select {
		case <-time.After(iv.Duration()):
		case <-ctx.Done():
			return 0
		}
	}
	return 0
}

// resolveGraphPath expands a doublestar pattern to its first match; a
// plain path passes through untouched.
func resolveGraphPath(arg string) (string, error) {
	if !strings.ContainsAny(arg, "*?[{") {
		return arg, nil
	}
	matches, err := doublestar.FilepathGlob(arg)
	if err != nil {
		return "", fmt.Errorf("bad graph pattern %q: %w", arg, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no graph matches %q", arg)
	}
	sort.Strings(matches)
	return matches[0], nil
}

// executeOnce submits the graph and consumes frames until a terminal
// one arrives or the connection goes quiet.
func executeOnce(ctx context.Context, url string, doc []byte) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Tear the connection down on a signal so the server cancels the job.
	runDone := make(chan struct{})
	defer close(runDone)
	go func() {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = conn.Close()
		case <-runDone:
		}
	}()

	if err := conn.WriteMessage(websocket.TextMessage, doc); err != nil {
		return fmt.Errorf("send graph: %w", err)
	}

	for {
		if err := conn.SetReadDeadline(time.Now().Add(quietTimeout)); err != nil {
			return err
		}
		var f event.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return fmt.Errorf("no frames for %s, abandoning run", quietTimeout)
			}
			return fmt.Errorf("read frame: %w", err)
		}
		logFrame(f)
		if terminal(f) {
			return nil
		}
	}
}

func logFrame(f event.Frame) {
	switch f.Type {
	case event.TypeStatus:
		log.Infof("quantflow-run: status: %s", f.Message)
	case event.TypeError:
		log.Errorf("quantflow-run: server error: %s", f.Message)
	case event.TypeData:
		streaming := f.Stream != nil && *f.Stream
		log.Infof("quantflow-run: data frame: %d nodes (stream=%t)", len(f.Results), streaming)
	}
}

func terminal(f event.Frame) bool {
	if f.Type == event.TypeError {
		return true
	}
	if f.Type != event.TypeStatus {
		return false
	}
	switch f.Message {
	case event.StatusBatchFinished, event.StatusStreamFinished, event.StatusStopped:
		return true
	}
	return false
}
