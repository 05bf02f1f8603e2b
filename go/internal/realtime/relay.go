package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/tempohq/tempo/go/internal/metrics"
	"github.com/tempohq/tempo/go/internal/models"
)

// RelayConfig holds configuration for the cross-instance relay
type RelayConfig struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	InstanceID    string        `yaml:"instance_id"`
}

// DefaultRelayConfig returns default relay configuration
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "tempo.timer",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// LocalDelivery receives changes that originated on another instance.
type LocalDelivery interface {
	PublishTimerChange(change models.TimerChange)
}

// relayEnvelope is the wire form of a relayed change.
type relayEnvelope struct {
	Origin string             `json:"origin"`
	Change models.TimerChange `json:"change"`
}

// Relay publishes local timer changes to NATS and hands changes published
// by other instances to the local hub. Delivery is at-most-once; a client
// that misses a relayed change recovers on its next resync.
type Relay struct {
	nc         *nats.Conn
	sub        *nats.Subscription
	local      LocalDelivery
	prefix     string
	instanceID string
}

// ConnectNATS dials NATS with the reconnect behaviour the relay expects.
func ConnectNATS(cfg RelayConfig) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("tempo-relay"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// NewRelay creates a relay over nc. An empty instance id is generated.
func NewRelay(nc *nats.Conn, local LocalDelivery, cfg RelayConfig) *Relay {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultRelayConfig().SubjectPrefix
	}
	return &Relay{
		nc:         nc,
		local:      local,
		prefix:     strings.TrimSuffix(cfg.SubjectPrefix, "."),
		instanceID: cfg.InstanceID,
	}
}

// InstanceID identifies this process on the relay.
func (r *Relay) InstanceID() string {
	return r.instanceID
}

func (r *Relay) subject(userID string) string {
	return r.prefix + "." + userID
}

// Start subscribes to changes from every instance.
func (r *Relay) Start() error {
	sub, err := r.nc.Subscribe(r.prefix+".>", r.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe to %s.>: %w", r.prefix, err)
	}
	r.sub = sub
	log.Info().Str("subject", r.prefix+".>").Str("instance", r.instanceID).Msg("timer relay started")
	return nil
}

// Stop unsubscribes; the NATS connection is owned by the caller.
func (r *Relay) Stop() error {
	if r.sub == nil {
		return nil
	}
	if err := r.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	r.sub = nil
	return nil
}

// PublishTimerChange sends a local change to the other instances.
func (r *Relay) PublishTimerChange(change models.TimerChange) {
	data, err := encodeRelayMessage(r.instanceID, change)
	if err != nil {
		log.Error().Err(err).Str("user_id", change.UserID).Msg("failed to encode relayed change")
		return
	}
	if err := r.nc.Publish(r.subject(change.UserID), data); err != nil {
		metrics.RelayMessagesTotal.WithLabelValues("out", "error").Inc()
		log.Error().Err(err).Str("user_id", change.UserID).Msg("failed to relay timer change")
		return
	}
	metrics.RelayMessagesTotal.WithLabelValues("out", "ok").Inc()
}

func (r *Relay) handleMessage(msg *nats.Msg) {
	env, err := decodeRelayMessage(msg.Data)
	if err != nil {
		metrics.RelayMessagesTotal.WithLabelValues("in", "error").Inc()
		log.Error().Err(err).Str("subject", msg.Subject).Msg("failed to decode relayed change")
		return
	}
	if env.Origin == r.instanceID {
		return
	}
	metrics.RelayMessagesTotal.WithLabelValues("in", "ok").Inc()
	r.local.PublishTimerChange(env.Change)
}

func encodeRelayMessage(origin string, change models.TimerChange) ([]byte, error) {
	return json.Marshal(relayEnvelope{Origin: origin, Change: change})
}

func decodeRelayMessage(data []byte) (*relayEnvelope, error) {
	var env relayEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Change.UserID == "" || env.Change.Entry == nil {
		return nil, fmt.Errorf("relayed change missing user or entry")
	}
	return &env, nil
}
