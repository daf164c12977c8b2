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

// Package server exposes the workbench over HTTP: a REST surface for the
// node catalog, tools, saved graphs and docs, plus the websocket endpoint
// that submits graphs to the execution queue.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/yuin/goldmark"

	"trpc.group/trpc-go/trpc-quantflow/artifact"
	"trpc.group/trpc-go/trpc-quantflow/event"
	"trpc.group/trpc-go/trpc-quantflow/graph"
	"trpc.group/trpc-go/trpc-quantflow/log"
	"trpc.group/trpc-go/trpc-quantflow/node"
	"trpc.group/trpc-go/trpc-quantflow/runner"
	"trpc.group/trpc-go/trpc-quantflow/tool"
)

// maxGraphBytes bounds PUT bodies and websocket graph documents.
const maxGraphBytes = 1 << 20

// Server routes workbench requests. Build it with New, then either mount
// Handler on an existing listener or call ListenAndServe.
type Server struct {
	cfg     Config
	catalog *node.Registry
	tools   *tool.Registry
	queue   *runner.Queue
	graphs  artifact.Store
	docsDir string
	router  *mux.Router
	httpSrv *http.Server
}

// Option configures the Server instance.
type Option func(*Server)

// WithTools overrides the tool registry served by /api/tools. The default
// is the process-wide registry.
func WithTools(reg *tool.Registry) Option {
	return func(s *Server) {
		if reg != nil {
			s.tools = reg
		}
	}
}

// WithGraphStore overrides the store backing the saved-graph library. The
// default is a local store rooted at the configured graph_dir.
func WithGraphStore(st artifact.Store) Option {
	return func(s *Server) {
		if st != nil {
			s.graphs = st
		}
	}
}

// WithDocsDir overrides the markdown docs directory.
func WithDocsDir(dir string) Option {
	return func(s *Server) {
		if dir != "" {
			s.docsDir = dir
		}
	}
}

// New assembles the HTTP surface around the catalog and the queue.
func New(cfg Config, catalog *node.Registry, queue *runner.Queue, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		catalog: catalog,
		tools:   tool.Default,
		queue:   queue,
		docsDir: "./docs",
		router:  mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.graphs == nil {
		st, err := artifact.NewLocalStore(cfg.GraphDir)
		if err != nil {
			return nil, fmt.Errorf("graph library: %w", err)
		}
		s.graphs = st
	}

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Content-Length", "Content-Type"},
	})
	s.router.Use(c.Handler)
	s.registerRoutes()

	s.httpSrv = &http.Server{Addr: cfg.Addr, Handler: s.router}
	return s, nil
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks serving requests until Shutdown or a listener
// error.
func (s *Server) ListenAndServe() error {
	log.Infof("server: listening on %s", s.cfg.Addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/catalog", s.handleCatalog).Methods(http.MethodGet)
	s.router.HandleFunc("/api/tools", s.handleTools).Methods(http.MethodGet)
	s.router.HandleFunc("/api/graphs", s.handleListGraphs).Methods(http.MethodGet)
	s.router.HandleFunc("/api/graphs/{name:.+}", s.handleGetGraph).Methods(http.MethodGet)
	s.router.HandleFunc("/api/graphs/{name:.+}", s.handlePutGraph).Methods(http.MethodPut)
	s.router.HandleFunc("/docs/{page}", s.handleDoc).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWS)
}

// ---- Handlers -----------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// handleCatalog serves every node definition with its UI metadata so the
// front end can build palettes without hardcoding node types.
func (s *Server) handleCatalog(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.catalog.Definitions())
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	names := s.tools.Names()
	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		out = append(out, map[string]any{
			"name":   name,
			"schema": s.tools.Schema(name),
		})
	}
	s.writeJSON(w, out)
}

func (s *Server) handleListGraphs(w http.ResponseWriter, r *http.Request) {
	names, err := doublestar.Glob(os.DirFS(s.cfg.GraphDir), "**/*.json")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if names == nil {
		names = []string{}
	}
	sort.Strings(names)
	s.writeJSON(w, names)
}

func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	name, ok := s.graphKey(w, mux.Vars(r)["name"])
	if !ok {
		return
	}
	art, err := s.graphs.Load(r.Context(), name)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			http.Error(w, "graph not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(art.Data)
}

// handlePutGraph validates the body as a graph document before saving so
// the library never holds unparsable entries.
func (s *Server) handlePutGraph(w http.ResponseWriter, r *http.Request) {
	name, ok := s.graphKey(w, mux.Vars(r)["name"])
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxGraphBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if _, err := graph.ParseSpec(body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	loc, err := s.graphs.Save(r.Context(), name, &artifact.Artifact{
		Data:     body,
		MimeType: "application/json",
		Name:     path.Base(name),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]string{"name": name, "url": loc})
}

// graphKey normalizes a library entry name and rejects traversal.
func (s *Server) graphKey(w http.ResponseWriter, raw string) (string, bool) {
	name, err := artifact.CleanKey(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	if !strings.HasSuffix(name, ".json") {
		http.Error(w, "graph names must end in .json", http.StatusBadRequest)
		return "", false
	}
	return name, true
}

func (s *Server) handleDoc(w http.ResponseWriter, r *http.Request) {
	page := mux.Vars(r)["page"]
	if strings.ContainsAny(page, "/\\") || page == "" || strings.HasPrefix(page, ".") {
		http.Error(w, "invalid page", http.StatusBadRequest)
		return
	}
	if !strings.HasSuffix(page, ".md") {
		page += ".md"
	}
	data, err := os.ReadFile(path.Join(s.docsDir, page))
	if err != nil {
		http.Error(w, "page not found", http.StatusNotFound)
		return
	}
	var buf bytes.Buffer
	if err := goldmark.Convert(data, &buf); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

// handleWS upgrades the connection, reads the graph document as the first
// message and relays execution frames until the job ends. A later
// {"type":"stop"} message or a dropped connection cancels the job.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := newUpgrader(s.cfg.AllowOrigins)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("server: websocket upgrade: %v", err)
		return
	}

	client := newWSClient(conn)
	defer client.Close()

	data, err := client.readGraph()
	if err != nil {
		log.Debugf("server: websocket first message: %v", err)
		return
	}
	spec, err := graph.ParseSpec(data)
	if err != nil {
		client.sendNow(event.Errorf("invalid graph: %v", err))
		return
	}

	job := s.queue.Enqueue(client, spec)
	go s.readControl(client, job)

	select {
	case <-job.Done():
	case <-client.Done():
	}
}

// readControl watches a connection for stop requests; a read error means
// the client went away and cancels the job.
func (s *Server) readControl(client *wsClient, job *runner.Job) {
	for {
		_, msg, err := client.conn.ReadMessage()
		if err != nil {
			s.queue.Cancel(job)
			client.Close()
			return
		}
		var ctl struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg, &ctl); err == nil && ctl.Type == "stop" {
			log.Infof("server: stop requested for job %d", job.ID)
			s.queue.Cancel(job)
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
