package uploader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"energymeter/backend/services/meter-agent/internal/models"
)

const defaultPublishTimeout = 5 * time.Second

var errMQTTNotConnected = errors.New("mqtt client not connected")

// MQTTOptions configures the broker connection.
type MQTTOptions struct {
	Broker      string
	Port        int
	ClientID    string
	TopicPrefix string
}

// MQTTUploader publishes each batch as one QoS 1 message to <prefix>/<device>/readings.
type MQTTUploader struct {
	client mqtt.Client
	prefix string
	logger *zap.Logger

	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMQTTUploader prepares the client; call Connect before the first Send.
func NewMQTTUploader(cfg MQTTOptions, logger *zap.Logger) *MQTTUploader {
	u := &MQTTUploader{
		prefix: strings.Trim(cfg.TopicPrefix, "/"),
		logger: logger,
		stopCh: make(chan struct{}),
	}
	if u.prefix == "" {
		u.prefix = "meters"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		u.setConnected(true)
		logger.Info("mqtt connected", zap.String("broker", cfg.Broker), zap.Int("port", cfg.Port))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		u.setConnected(false)
		logger.Warn("mqtt connection lost", zap.Error(err))
	})

	u.client = mqtt.NewClient(opts)
	return u
}

// Connect waits for the initial broker connection, honouring ctx and Close.
func (u *MQTTUploader) Connect(ctx context.Context) error {
	select {
	case <-u.stopCh:
		return errors.New("mqtt uploader stopped")
	default:
	}

	if u.IsConnected() {
		return nil
	}

	token := u.client.Connect()
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-u.stopCh:
			return errors.New("mqtt uploader stopped")
		default:
		}
	}
}

// Send implements Uploader.
func (u *MQTTUploader) Send(ctx context.Context, deviceID string, batch []models.Reading) error {
	if len(batch) == 0 {
		return nil
	}
	if !u.IsConnected() {
		return Retryable(errMQTTNotConnected)
	}

	data, err := encodeBatch(deviceID, batch)
	if err != nil {
		return err
	}

	topic := fmt.Sprintf("%s/%s/readings", u.prefix, deviceID)
	wait := defaultPublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}

	token := u.client.Publish(topic, 1, false, data)
	if !token.WaitTimeout(wait) {
		return Retryable(fmt.Errorf("publish timeout for topic %s", topic))
	}
	if err := token.Error(); err != nil {
		u.logger.Error("failed to publish readings", zap.String("topic", topic), zap.Error(err))
		return Retryable(fmt.Errorf("publish readings: %w", err))
	}

	u.logger.Debug("published readings", zap.String("topic", topic), zap.Int("batch", len(batch)))
	return nil
}

// IsConnected returns whether the client is connected.
func (u *MQTTUploader) IsConnected() bool {
	u.mu.RLock()
	connected := u.connected
	u.mu.RUnlock()
	return connected && u.client.IsConnected()
}

// Close disconnects from the broker. Safe to call more than once.
func (u *MQTTUploader) Close() {
	u.stopOnce.Do(func() { close(u.stopCh) })
	if u.client != nil {
		u.client.Disconnect(250)
	}
	u.setConnected(false)
	u.logger.Info("mqtt disconnected")
}

func (u *MQTTUploader) setConnected(v bool) {
	u.mu.Lock()
	u.connected = v
	u.mu.Unlock()
}
