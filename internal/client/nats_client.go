package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"phone-auth-service/internal/config"
	"phone-auth-service/internal/util"
)

type NATSClient struct {
	conn *nats.Conn
}

func NewNATSClient(cfg *config.Config, logger *zap.Logger) (*NATSClient, error) {
	conn, err := nats.Connect(cfg.NATS.URL,
		nats.Name(cfg.ServiceName),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	util.Info("NATS client initialized", zap.String("url", cfg.NATS.URL))
	return &NATSClient{conn: conn}, nil
}

// Publish marshals data as JSON onto subject.
func (n *NATSClient) Publish(ctx context.Context, subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return n.conn.Publish(subject, payload)
}

func (n *NATSClient) HealthCheck(context.Context) error {
	if !n.conn.IsConnected() {
		return fmt.Errorf("nats connection status %s", n.conn.Status())
	}
	return nil
}

// Close flushes pending publishes before closing.
func (n *NATSClient) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	util.Info("NATS connection drained")
	return nil
}
