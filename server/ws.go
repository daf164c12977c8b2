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

package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trpc.group/trpc-go/trpc-quantflow/event"
	"trpc.group/trpc-go/trpc-quantflow/log"
)

const (
	// writeWait bounds a single frame write; a client that stalls longer
	// is treated as gone.
	writeWait = 10 * time.Second
	// sendQueueSize absorbs bursts of streaming ticks without blocking
	// the worker.
	sendQueueSize = 64
)

func newUpgrader(origins []string) *websocket.Upgrader {
	allowAll := false
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser clients such as the CLI runner.
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

// wsClient adapts one websocket connection to runner.Client. All writes
// go through a single pump goroutine so the worker never touches the
// connection directly.
type wsClient struct {
	conn      *websocket.Conn
	frames    chan *event.Frame
	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	c := &wsClient{
		conn:   conn,
		frames: make(chan *event.Frame, sendQueueSize),
		done:   make(chan struct{}),
	}
	go c.writePump()
	return c
}

// readGraph reads the first text message, which carries the graph
// document.
func (c *wsClient) readGraph() ([]byte, error) {
	c.conn.SetReadLimit(maxGraphBytes)
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.Close()
		return nil, err
	}
	return data, nil
}

// Send queues one frame for delivery. It fails once the client is gone.
func (c *wsClient) Send(f *event.Frame) error {
	select {
	case <-c.done:
		return errors.New("websocket client closed")
	default:
	}
	select {
	case c.frames <- f:
		return nil
	case <-c.done:
		return errors.New("websocket client closed")
	}
}

// sendNow queues a frame outside the runner path, e.g. for a graph that
// never reached the queue.
func (c *wsClient) sendNow(frame event.Frame) {
	_ = c.Send(&frame)
}

// Done is closed when the connection is finished, whichever side ended it.
func (c *wsClient) Done() <-chan struct{} { return c.done }

// Close marks the client finished. Frames already queued are still
// flushed before the connection closes.
func (c *wsClient) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *wsClient) writePump() {
	defer func() {
		deadline := time.Now().Add(writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.conn.Close()
	}()
	for {
		select {
		case f := <-c.frames:
			if !c.write(f) {
				return
			}
		case <-c.done:
			// Flush whatever the worker queued before shutdown, the
			// terminal frame in particular.
			for {
				select {
				case f := <-c.frames:
					if !c.write(f) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *wsClient) write(f *event.Frame) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(f); err != nil {
		log.Debugf("server: websocket write: %v", err)
		c.Close()
		return false
	}
	return true
}
