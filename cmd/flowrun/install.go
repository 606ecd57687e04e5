package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

func runInstall(args []string) {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	listenAddr := fs.String("listen-addr", ":4000", "TCP listen address")
	publicURL := fs.String("public-url", "", "public base URL for webhooks and forms (derived from listen-addr if empty)")
	dbPath := fs.String("db-path", "", "database path (default: ~/.flowrun/flowrun.db)")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	concurrency := fs.Int("concurrency", 5, "executions run at once by the worker")
	redisURL := fs.String("redis-url", "", "shared queue (empty runs an in-process queue)")
	origins := fs.String("allowed-origins", "http://localhost:5173", "comma separated CORS origins")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	dir := flowrunDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot create %s: %v\n", dir, err)
		os.Exit(1)
	}

	cfg := defaultConfig()
	cfg.ListenAddr = *listenAddr
	cfg.PublicURL = *publicURL
	cfg.LogLevel = *logLevel
	cfg.Concurrency = *concurrency
	cfg.RedisURL = *redisURL
	cfg.AllowedOrigins = splitList(*origins)
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	} else {
		cfg.DBPath = filepath.Join(dir, "flowrun.db")
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = "http://localhost" + cfg.ListenAddr
	}

	data, _ := json.MarshalIndent(cfg, "", "  ")
	path := settingsPath()
	if err := os.WriteFile(path, data, 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot write %s: %v\n", path, err)
		os.Exit(1)
	}
	fmt.Printf("Config written to %s\n", path)

	if signalRunningServer() {
		return
	}
	fmt.Println("Start the server with: flowrun serve")
}

func pidPath() string {
	return filepath.Join(flowrunDir(), "flowrun.pid")
}

// writePidFile records the serving process so install can signal it.
func writePidFile() func() {
	path := pidPath()
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return func() {}
	}
	return func() { _ = os.Remove(path) }
}

// signalRunningServer sends SIGHUP to a running flowrun server (via pidfile).
// Returns true if the server was signaled.
func signalRunningServer() bool {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Check if process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return false
	}
	fmt.Printf("Signaled running server (PID %d) to reload configuration\n", pid)
	return true
}
