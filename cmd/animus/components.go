package main

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/animus/internal/config"
	"github.com/t77yq/animus/internal/handler"
	"github.com/t77yq/animus/internal/storage"
	"github.com/t77yq/animus/internal/taskstore"
	"github.com/t77yq/animus/internal/tool"
)

const connectAttempts = 5

func openStore() (*taskstore.Store, error) {
	store, err := taskstore.New(cfg.Store.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open task store: %w", err)
	}
	return store, nil
}

func newLoader() *tool.Loader {
	loader := tool.NewLoader(logger)
	handler.Register(loader, nil)
	return loader
}

func openHistory() (*storage.SQLiteHistory, error) {
	history, err := storage.NewSQLiteHistory(cfg.History.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open execution history: %w", err)
	}
	return history, nil
}

// connectNATS dials the configured server with retry and returns a JetStream context
func connectNATS(nc config.NATSConfig) (*nats.Conn, nats.JetStreamContext, error) {
	opts := []nats.Option{
		nats.Name("animus"),
		nats.MaxReconnects(nc.MaxReconnects),
		nats.ReconnectWait(nc.ReconnectWait),
		nats.Timeout(nc.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", conn.ConnectedUrl()))
		}),
	}

	var (
		conn *nats.Conn
		err  error
	)
	for i := 0; i < connectAttempts; i++ {
		conn, err = nats.Connect(nc.URL, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS after retries: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("Connected to NATS", zap.String("url", conn.ConnectedUrl()))
	return conn, js, nil
}
