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

package ollama

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"

	"trpc.group/trpc-go/trpc-quantflow/log"
)

// Cleanup drops idle connections and asks the server to unload the
// model. Everything here is best-effort: a cancelled graph must not
// leave the model generating for its full context window, but cleanup
// failures never surface to the caller.
func (b *Backend) Cleanup(modelName string) {
	b.http.CloseIdleConnections()
	if modelName == "" {
		return
	}
	stopModel(b.host.String(), modelName)
	if isLoopback(b.host.Hostname()) {
		killListener(b.host.Port())
	}
}

// stopModel spawns `ollama stop <model>` against the configured host
// and reaps it in the background.
func stopModel(host, modelName string) {
	cmd := exec.Command("ollama", "stop", modelName)
	cmd.Env = append(os.Environ(), OllamaHost+"="+host)
	if err := cmd.Start(); err != nil {
		log.Debugf("ollama stop %s: %v", modelName, err)
		return
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Debugf("ollama stop %s: %v", modelName, err)
		}
	}()
}

// killListener schedules a delayed kill of whatever still listens on
// the port, for servers that ignore the stop request mid-generation.
// Only local servers are touched and only on platforms with a shell
// and lsof.
func killListener(port string) {
	if runtime.GOOS == "windows" || port == "" {
		return
	}
	script := fmt.Sprintf("sleep 2; kill -9 $(lsof -ti tcp:%s) 2>/dev/null", port)
	cmd := exec.Command("/bin/sh", "-c", script)
	if err := cmd.Start(); err != nil {
		log.Debugf("schedule forced stop on port %s: %v", port, err)
		return
	}
	go func() { _ = cmd.Wait() }()
}

func isLoopback(hostname string) bool {
	if hostname == "localhost" {
		return true
	}
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}
