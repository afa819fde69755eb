// Plclink bridges PLC variable catalogs to an MQTT control plane, with
// optional Kafka, Valkey and REST republishing.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"plclink/config"
	"plclink/engine"
	"plclink/logging"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	logFile     = flag.String("log", "", "Path to log file (overrides config)")
	logDebug    = flag.String("log-debug", "", "Debug log component filter, or \"all\"")
	showVersion = flag.Bool("version", false, "Show version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("plclink %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	driver, err := config.LoadDriverConfig(cfg.DriverConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading driver config: %v\n", err)
		os.Exit(1)
	}
	recipeCfg, err := config.LoadRecipeConfig(cfg.RecipeConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading recipe config: %v\n", err)
		os.Exit(1)
	}

	eng := engine.New(cfg, driver, recipeCfg)
	if err := eng.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting engine: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		fmt.Printf("\nReceived %v, shutting down...\n", sig)
		eng.Stop()
	case <-eng.Done():
		// A restart command shut the engine down from inside.
	}

	if eng.RestartRequested() {
		restart()
	}
}

func setupLogging(cfg *config.Config) {
	path := cfg.LogFile
	if *logFile != "" {
		path = *logFile
	}
	if path != "" {
		fileLogger, err := logging.NewFileLogger(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to open log file: %v\n", err)
		} else {
			logging.SetDefault(fileLogger, true)
		}
	}

	filter := cfg.DebugFilter
	debugPath := cfg.DebugLogFile
	if *logDebug != "" {
		filter = *logDebug
		if debugPath == "" {
			debugPath = "debug.log"
		}
	}
	if debugPath != "" {
		debugLogger, err := logging.NewDebugLogger(debugPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to open debug log: %v\n", err)
			return
		}
		if filter == "all" || filter == "true" || filter == "1" {
			filter = ""
		}
		debugLogger.SetFilter(filter)
		logging.SetGlobalDebugLogger(debugLogger)
	}
}

// restart re-execs the current binary in place with the same arguments,
// preserving the PID for supervisors that track it.
func restart() {
	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Restart failed: %v\n", err)
		os.Exit(1)
	}
	logging.Info("restarting %s", exe)
	if err := syscall.Exec(exe, os.Args, os.Environ()); err != nil {
		fmt.Fprintf(os.Stderr, "Restart failed: %v\n", err)
		os.Exit(1)
	}
}
