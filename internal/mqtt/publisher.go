// Package mqtt mirrors the accessory state onto an MQTT broker and accepts
// a small set of remote commands, for home-automation integrations.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/go-logr/logr"

	"github.com/chaz8081/winkctl/internal/ble/protocol"
	"github.com/chaz8081/winkctl/internal/state"
)

const (
	keepAlive      = 60
	connectTimeout = 5 * time.Second
	publishTimeout = 5 * time.Second
	qosAtLeastOnce = 1
)

// Config holds the broker settings.
type Config struct {
	BrokerURL string
	ClientID  string
	TopicRoot string
	Username  string
	Password  string
}

// Commands is the subset of command dispatch reachable over MQTT.
type Commands interface {
	SendMovement(cmd protocol.Command)
	SendSync()
}

// publisher is satisfied by *autopaho.ConnectionManager.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// StatePayload is the JSON published on the state topic.
type StatePayload struct {
	state.Snapshot
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher publishes a retained snapshot on every state change.
type Publisher struct {
	cfg      Config
	topics   Topics
	store    *state.Store
	commands Commands
	log      logr.Logger
	now      func() time.Time
}

// NewPublisher validates cfg and returns a publisher. commands may be nil
// to disable remote commands.
func NewPublisher(cfg Config, store *state.Store, commands Commands, log logr.Logger) (*Publisher, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("mqtt: broker URL is required")
	}
	if _, err := url.Parse(cfg.BrokerURL); err != nil {
		return nil, fmt.Errorf("mqtt: invalid broker URL: %w", err)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "winkctl"
	}
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Publisher{
		cfg:      cfg,
		topics:   NewTopics(cfg.TopicRoot),
		store:    store,
		commands: commands,
		log:      log.WithName("mqtt"),
		now:      time.Now,
	}, nil
}

// Start connects to the broker and publishes until ctx is cancelled.
// autopaho reconnects on its own; Start only returns on cancellation or a
// configuration error.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, _ := url.Parse(p.cfg.BrokerURL)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     keepAlive,
		CleanStartOnInitialConnection: true,
		ReconnectBackoff:              autopaho.NewConstantBackoff(3 * time.Second),
		ConnectTimeout:                connectTimeout,
		ConnectUsername:               p.cfg.Username,
		ConnectPassword:               []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.topics.Availability(),
			Payload: []byte(Offline),
			QoS:     qosAtLeastOnce,
			Retain:  true,
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.ClientID,
			OnClientError: func(err error) {
				p.log.Error(err, "MQTT client error")
			},
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.handleCommand(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
		OnConnectionUp: p.onConnectionUp,
		OnConnectError: func(err error) {
			p.log.Error(err, "MQTT connection failed, retrying...")
		},
	}

	p.log.Info("Starting MQTT publisher", "broker", p.cfg.BrokerURL, "clientID", p.cfg.ClientID)
	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt: connect: %w", err)
	}

	p.run(ctx, cm)

	// Best effort goodbye before the will fires.
	byeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	p.publishRaw(byeCtx, cm, p.topics.Availability(), []byte(Offline), true)
	_ = cm.Disconnect(byeCtx)
	p.log.Info("MQTT publisher stopped")
	return nil
}

func (p *Publisher) onConnectionUp(cm *autopaho.ConnectionManager, _ *paho.Connack) {
	p.log.Info("MQTT connection established")
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	p.publishRaw(ctx, cm, p.topics.Availability(), []byte(Online), true)
	p.publishSnapshot(ctx, cm, p.store.Snapshot())

	if p.commands == nil {
		return
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: p.topics.CommandFilter(), QoS: qosAtLeastOnce},
		},
	}); err != nil {
		p.log.Error(err, "Failed to subscribe", "topic", p.topics.CommandFilter())
	}
}

// run publishes snapshots until ctx is done. Bursts collapse to the latest
// snapshot.
func (p *Publisher) run(ctx context.Context, pub publisher) {
	latest := make(chan state.Snapshot, 1)
	cancel := p.store.Subscribe(func(s state.Snapshot) {
		select {
		case <-latest:
		default:
		}
		select {
		case latest <- s:
		default:
		}
	})
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-latest:
			pubCtx, done := context.WithTimeout(ctx, publishTimeout)
			p.publishSnapshot(pubCtx, pub, snap)
			done()
		}
	}
}

// Payload renders snap as the state topic body.
func (p *Publisher) Payload(snap state.Snapshot) ([]byte, error) {
	return json.Marshal(StatePayload{
		Snapshot:  snap,
		Status:    snap.StatusText(),
		Timestamp: p.now().UTC(),
	})
}

func (p *Publisher) publishSnapshot(ctx context.Context, pub publisher, snap state.Snapshot) {
	body, err := p.Payload(snap)
	if err != nil {
		p.log.Error(err, "Encoding snapshot failed")
		return
	}
	p.publishRaw(ctx, pub, p.topics.State(), body, true)
}

func (p *Publisher) publishRaw(ctx context.Context, pub publisher, topic string, body []byte, retain bool) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     qosAtLeastOnce,
		Retain:  retain,
		Payload: body,
	}); err != nil {
		p.log.V(1).Info("MQTT publish failed", "topic", topic, "error", err.Error())
	}
}

// handleCommand dispatches {root}/command/move (payload: preset name or
// code) and {root}/command/sync.
func (p *Publisher) handleCommand(topic string, payload []byte) {
	if p.commands == nil {
		return
	}
	name, ok := p.topics.CommandName(topic)
	if !ok {
		p.log.V(1).Info("Ignoring message on unhandled topic", "topic", topic)
		return
	}
	switch name {
	case "move":
		cmd, err := protocol.ParseCommand(strings.TrimSpace(string(payload)))
		if err != nil {
			p.log.Info("Ignoring remote command", "error", err.Error())
			return
		}
		p.commands.SendMovement(cmd)
	case "sync":
		p.commands.SendSync()
	default:
		p.log.Info("Ignoring unknown remote command", "command", name)
	}
}
