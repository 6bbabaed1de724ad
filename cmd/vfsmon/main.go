package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tikobros/UserFileSystemSamples/internal/placeholder"
	"github.com/tikobros/UserFileSystemSamples/internal/remoteapi"
	"github.com/tikobros/UserFileSystemSamples/internal/vfsmon"
)

func main() {
	notifyURL := flag.String("notify-url", envOrDefault("VFSMON_NOTIFY_URL", "ws://127.0.0.1:8080/v1/notifications"), "notification channel URL")
	baseURL := flag.String("base-url", envOrDefault("VFSMON_BASE_URL", "http://127.0.0.1:8080"), "remote storage base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("VFSMON_TOKEN")), "bearer token")
	remoteRoot := flag.String("remote-root", envOrDefault("VFSMON_REMOTE_ROOT", "/"), "remote root path")
	localRoot := flag.String("local-root", strings.TrimSpace(os.Getenv("VFSMON_LOCAL_ROOT")), "local mirror directory")
	stateDSN := flag.String("state-dsn", strings.TrimSpace(os.Getenv("VFSMON_STATE_DSN")), "mirror state DSN (memory:, file path, or postgres://)")
	reconnectDelay := flag.Duration("reconnect-delay", durationEnv("VFSMON_RECONNECT_DELAY", 5*time.Second), "delay between reconnect attempts")
	pingInterval := flag.Duration("ping-interval", durationEnv("VFSMON_PING_INTERVAL", 10*time.Second), "keep-alive ping interval")
	httpTimeout := flag.Duration("timeout", durationEnv("VFSMON_TIMEOUT", 15*time.Second), "remote storage request timeout")
	logFile := flag.String("log-file", strings.TrimSpace(os.Getenv("VFSMON_LOG_FILE")), "rotating log file (stderr when empty)")
	probe := flag.Bool("probe", false, "dial the notification channel once, report, and exit")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or VFSMON_TOKEN)")
	}
	if strings.TrimSpace(*localRoot) == "" {
		log.Fatalf("local-root is required (--local-root or VFSMON_LOCAL_ROOT)")
	}
	if *logFile != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   *logFile,
			MaxSize:    50,
			MaxBackups: 3,
			MaxAge:     14,
		})
	}

	mapper, err := vfsmon.NewPathMapper(*remoteRoot, *localRoot)
	if err != nil {
		log.Fatalf("invalid root mapping: %v", err)
	}
	store, err := placeholder.NewDiskStore(placeholder.DiskStoreOptions{
		Root:     mapper.LocalRoot(),
		StateDSN: *stateDSN,
		Logger:   log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to open mirror store: %v", err)
	}
	decoder, err := vfsmon.NewEventDecoder()
	if err != nil {
		log.Fatalf("failed to build event decoder: %v", err)
	}
	fetcher := remoteapi.NewClient(*baseURL, *token, &http.Client{Timeout: *httpTimeout})
	reconciler, err := vfsmon.NewReconciler(fetcher, store, mapper, log.Default())
	if err != nil {
		log.Fatalf("failed to build reconciler: %v", err)
	}
	monitor, err := vfsmon.NewMonitor(vfsmon.MonitorOptions{
		URL:            *notifyURL,
		Token:          *token,
		Decoder:        decoder,
		Reconciler:     reconciler,
		Mapper:         mapper,
		Logger:         log.Default(),
		ReconnectDelay: *reconnectDelay,
		PingInterval:   *pingInterval,
	})
	if err != nil {
		log.Fatalf("failed to build monitor: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.WatchHydration(rootCtx); err != nil {
		log.Printf("hydration watcher unavailable: %v", err)
	}
	if err := monitor.Start(rootCtx); err != nil {
		log.Fatalf("failed to start monitor: %v", err)
	}

	if *probe {
		deadline := time.Now().Add(15 * time.Second)
		for !monitor.Connected() && time.Now().Before(deadline) {
			time.Sleep(100 * time.Millisecond)
		}
		connected := monitor.Connected()
		monitor.Stop()
		if !connected {
			log.Fatalf("probe failed: notification channel unreachable at %s", *notifyURL)
		}
		log.Printf("probe succeeded: notification channel reachable")
		return
	}

	log.Printf("monitoring %s -> %s", mapper.RemoteRoot(), mapper.LocalRoot())
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("shutting down: %v", rootCtx.Err())
			monitor.Stop()
			if err := store.Close(); err != nil {
				log.Printf("closing mirror state: %v", err)
			}
			return
		case <-ticker.C:
			log.Printf("connection state: %s", monitor.State())
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
