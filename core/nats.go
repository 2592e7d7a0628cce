package core

import (
	"context"
	"time"

	"github.com/alwitt/pushgate/common"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// NATSConnectParams NATS connection parameters
type NATSConnectParams struct {
	// ServerURI connect to NATS server with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
}

// NATSConnectParamsFromConfig convert the NATS config into connection parameters
func NATSConnectParamsFromConfig(config common.NATSConfig) NATSConnectParams {
	return NATSConnectParams{
		ServerURI:           config.ServerURI,
		ConnectTimeout:      time.Duration(config.ConnectTimeout) * time.Second,
		MaxReconnectAttempt: config.Reconnect.MaxAttempts,
		ReconnectWait:       time.Duration(config.Reconnect.WaitInterval) * time.Second,
	}
}

// NatsClient NATS client used as an upstream feed
type NatsClient struct {
	common.Component
	nc *nats.Conn
}

// Close flush and close the NATS client
func (c NatsClient) Close(ctxt context.Context) {
	if err := c.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("NATS flush failed")
	}
	c.nc.Close()
	log.WithFields(c.LogTags).Infof("Close NATS client")
}

// Conn fetch the NATS connection
func (c NatsClient) Conn() *nats.Conn {
	return c.nc
}

// GetNatsClient define a new NATS client
func GetNatsClient(param NATSConnectParams) (NatsClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "nats-client",
		"instance":  param.ServerURI,
	}
	nc, err := nats.Connect(
		param.ServerURI,
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		nats.ReconnectWait(param.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).WithFields(logTags).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.WithFields(logTags).Info("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.WithFields(logTags).Info("NATS connection closed")
		}),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return NatsClient{}, err
	}
	log.WithFields(logTags).Info("Created NATS client")
	return NatsClient{Component: common.Component{LogTags: logTags}, nc: nc}, nil
}
