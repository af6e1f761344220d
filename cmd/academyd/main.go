// academyd is the orchestration daemon: it owns the device fleet,
// spawns engine sessions, watches execution logs for protocol
// completion, and serves the websocket endpoint all clients speak to.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/RatAcad/bpodacademy/internal/academy"
	"github.com/RatAcad/bpodacademy/internal/config"
	"github.com/RatAcad/bpodacademy/internal/event"
	"github.com/RatAcad/bpodacademy/internal/library"
	"github.com/RatAcad/bpodacademy/internal/logging"
	"github.com/RatAcad/bpodacademy/internal/registry"
	"github.com/RatAcad/bpodacademy/internal/router"
	"github.com/RatAcad/bpodacademy/internal/watcher"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("academyd", flag.ContinueOnError)
	dirFlag := fs.String("dir", "", "bpod directory (env: BPOD_DIR)")
	listenFlag := fs.String("listen", "", "listen address (overrides settings file)")
	verboseFlag := fs.Bool("verbose", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	settings, err := config.Load(*dirFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *listenFlag != "" {
		settings.ListenAddr = *listenFlag
	}

	logBuffer := logging.NewLogBuffer(logging.DefaultBufferSize)
	logLevel := logging.LevelInfo
	if parsed, ok := logging.ParseLevel(settings.LogLevel); ok {
		logLevel = parsed
	}
	if *verboseFlag {
		logLevel = logging.LevelDebug
	}
	logger := logging.NewLogger(logBuffer, logLevel)

	if err := os.MkdirAll(settings.LogDir(), 0o755); err != nil {
		logger.Error("create log dir failed", map[string]string{"error": err.Error()})
		return 1
	}

	completionWatcher, err := watcher.New(watcher.Options{
		PollInterval: settings.PollInterval.Std(),
		Logger:       logger,
	})
	if err != nil {
		logger.Error("completion watcher unavailable", map[string]string{"error": err.Error()})
		return 1
	}
	defer completionWatcher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := event.NewBus[router.Snapshot](ctx, event.BusOptions{Name: "state"})

	commandRouter := router.New(router.Options{
		Registry:      registry.New(settings.RegistryFile(), logger),
		Library:       library.New(settings.Dir),
		Watcher:       completionWatcher,
		Logger:        logger,
		Bus:           bus,
		LogDir:        settings.LogDir(),
		EngineCommand: settings.EngineCommand,
		StartTimeout:  settings.StartTimeout.Std(),
		StopGrace:     settings.StopGrace.Std(),
	})
	if err := commandRouter.LoadDevices(); err != nil {
		logger.Error("device table load failed", map[string]string{
			"path":  settings.RegistryFile(),
			"error": err.Error(),
		})
		return 1
	}
	logger.Info("device table loaded", map[string]string{
		"path":  settings.RegistryFile(),
		"count": strconv.Itoa(len(commandRouter.Snapshots())),
	})

	go commandRouter.Run(ctx)

	if settings.RelayPort != "" {
		relayLink, err := startRelay(ctx, settings, logger)
		if err != nil {
			logger.Warn("relay unavailable", map[string]string{
				"port":  settings.RelayPort,
				"error": err.Error(),
			})
		} else {
			defer relayLink.Close()
		}
	}

	server := academy.New(academy.Options{
		Router:         commandRouter,
		Logger:         logger,
		ListenAddr:     settings.ListenAddr,
		AllowedOrigins: settings.AllowedOrigins,
		ClientBuffer:   settings.ClientBuffer,
	})

	err = server.Run(ctx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("academy server stopped", map[string]string{"error": err.Error()})
		return 1
	}
	logger.Info("academy server shut down", nil)
	return 0
}
