package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaymail/internal/config"
	"github.com/agentworkforce/relaymail/internal/indexing"
)

func main() {
	url := flag.String("url", envOrDefault("RELAYMAIL_INDEXER_URL", "ws://127.0.0.1:8080/v1/indexer"), "coordinator websocket URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("RELAYMAIL_INDEXER_TOKEN")), "bearer token with the indexer scope")
	reconnect := flag.Duration("reconnect", durationEnv("RELAYMAIL_INDEXER_RECONNECT", 2*time.Second), "delay before reconnecting")
	reconnectJitter := flag.Float64("reconnect-jitter", floatEnv("RELAYMAIL_INDEXER_RECONNECT_JITTER", 0.2), "reconnect delay jitter ratio (0.0-1.0)")
	logLevel := flag.String("log-level", envOrDefault("RELAYMAIL_LOG_LEVEL", "info"), "log level")
	logFormat := flag.String("log-format", envOrDefault("RELAYMAIL_LOG_FORMAT", "text"), "log format (text or json)")
	once := flag.Bool("once", false, "exit when the first connection ends")
	flag.Parse()

	logger, _ := config.NewLogger(config.LogConfig{Level: *logLevel, Format: *logFormat}, os.Stderr)
	if strings.TrimSpace(*token) == "" {
		logger.Error("token is required (--token or RELAYMAIL_INDEXER_TOKEN)")
		os.Exit(1)
	}
	if *reconnect <= 0 {
		*reconnect = 2 * time.Second
	}
	*reconnectJitter = clampJitterRatio(*reconnectJitter)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+strings.TrimSpace(*token))
	index := indexing.NewMemoryIndex()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		err := serveOnce(rootCtx, *url, header, index, logger)
		if rootCtx.Err() != nil {
			logger.Info("indexer stopping", "reason", rootCtx.Err())
			return
		}
		if err != nil {
			logger.Warn("indexer connection ended", "error", err)
		} else {
			logger.Info("indexer connection closed")
		}
		if *once {
			if err != nil {
				os.Exit(1)
			}
			return
		}
		delay := jitteredIntervalWithSample(*reconnect, *reconnectJitter, rng.Float64())
		select {
		case <-rootCtx.Done():
			logger.Info("indexer stopping", "reason", rootCtx.Err())
			return
		case <-time.After(delay):
		}
	}
}

func serveOnce(ctx context.Context, url string, header http.Header, index *indexing.MemoryIndex, logger *slog.Logger) error {
	transport, err := indexing.DialTransport(ctx, url, header)
	if err != nil {
		return err
	}
	defer transport.Close()
	logger.Info("indexer connected", "url", url)
	err = indexing.ServeIndexer(ctx, transport, index, logger)
	if errors.Is(err, indexing.ErrTransportClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
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
		slog.Warn("invalid duration, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid float, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
