package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"

	"lanmeet/internal"
	"lanmeet/media"
	"lanmeet/messaging"
	"lanmeet/moderation"
	"lanmeet/observability"
	"lanmeet/runtime"
	"lanmeet/runtime/workers"
	"lanmeet/storage"
)

// Exit codes to provide meaningful status to the operating system or service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	// The main function acts as a thin wrapper.
	// Its only responsibility is to call run() and handle the OS exit code.
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Relay terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run initializes all components, manages the relay lifecycle, and centralizes error reporting.
// This pattern is preferred over calling os.Exit or panic directly because:
// 1. It ensures all 'defer' statements (like closing the chat index) are executed before the program exits.
// 2. It improves testability by decoupling the initialization logic from the main entry point.
// 3. It provides a structured way to handle graceful shutdowns for sockets and background workers.
func run() (int, error) {
	// 1. Configuration & Logger
	// A .env file next to the binary is honored; real environment wins.
	_ = godotenv.Load()

	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	if err := validator.New().Struct(config); err != nil {
		return exitConfig, fmt.Errorf("config validation: %w", err)
	}

	log := logs.GetLoggerFromString(config.LogLevel)

	// 2. Shared state & telemetry
	registry := runtime.NewRegistry()
	monitoring := observability.NewMonitoringManager(log)

	// 3. Optional chat moderation, enabled by configuring a words file.
	var moderator *moderation.Moderator
	if config.ModerationWordsFile != "" {
		replacement, err := internal.CharacterRune(config.CharReplacement)
		if err != nil {
			return exitConfig, err
		}
		words, err := moderation.LoadWords(config.ModerationWordsFile)
		if err != nil {
			return exitConfig, fmt.Errorf("loading moderation words: %w", err)
		}
		moderator, err = moderation.NewModerator(words, replacement, log)
		if err != nil {
			return exitConfig, fmt.Errorf("building moderation automaton: %w", err)
		}
		log.Info("Chat moderation enabled", "words", len(words))
	}

	// 4. Recent-chat search index, built only when the inspector runs.
	// Memory-only: the window dies with the process.
	var history *storage.ChatIndex
	if config.DebugAddr != "" {
		var err error
		history, err = storage.NewChatIndex(log, config.ChatIndexKept)
		if err != nil {
			return exitRuntime, fmt.Errorf("opening chat index: %w", err)
		}
		// Defer ensures the index is released before run() returns to main().
		defer func() {
			log.Info("Closing chat index...")
			_ = history.Close()
		}()
	}

	// 5. Sockets. Binding failures are the only fatal startup errors;
	// everything after this point is contained per packet or connection.
	listener, err := net.Listen("tcp", config.TCPAddr)
	if err != nil {
		return exitRuntime, fmt.Errorf("binding reliable channel on %s: %w", config.TCPAddr, err)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", config.UDPAddr)
	if err != nil {
		return exitConfig, fmt.Errorf("resolving media address %s: %w", config.UDPAddr, err)
	}
	mediaConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return exitRuntime, fmt.Errorf("binding media socket on %s: %w", config.UDPAddr, err)
	}

	// 6. Relay components. The messaging server owns the eviction path,
	// so the sweeper routes evictions and transfer reaping through it.
	server := messaging.NewServer(log, listener, registry, monitoring,
		moderator, history, config.ConnectionBufferSize)
	relay := media.NewRelay(log, mediaConn, registry, monitoring,
		config.MaxPayloadBytes, config.SendTimeout)
	sweeper := workers.NewSweeperWorker(log, registry, server, server, monitoring,
		config.SweepInterval, config.FrameTimeout, config.InactiveTimeout, config.TransferIdleTimeout)

	// 7. Supervision: every long-lived loop restarts after a panic.
	sup := workers.NewSupervisor(log)
	sup.Add(relay, server, sweeper)
	if config.MonitorInterval > 0 {
		sup.Add(workers.NewMonitorWorker(log, registry, server, monitoring, config.MonitorInterval))
	}
	if config.DebugAddr != "" {
		sup.Add(internal.NewDebugServer(log, config.DebugAddr, registry, monitoring, history))
	}

	// 8. Context & Signals
	// NotifyContext captures OS signals and cancels the context to trigger a shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("LAN meeting relay starting",
		"tcp", listener.Addr().String(),
		"udp", mediaConn.LocalAddr().String(),
		"at", time.Now().UTC(),
	)

	// Run blocks until every worker unwound after the signal; connected
	// clients receive a goodbye frame on the way down.
	sup.Run(ctx)

	log.Info("Program stopped cleanly")
	return exitOK, nil
}
