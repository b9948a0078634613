//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"rgbw-ctrl/internal/router"
	"rgbw-ctrl/internal/state"
)

// client is the subset of pahomqtt.Client the bridge uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Unsubscribe(topics ...string) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Bridge exposes the output as Home Assistant lights. The set of lights
// follows the integration settings: a settings change tears the previous
// lights down and announces the new ones.
type Bridge struct {
	client client
	rt     *router.Router
	reg    *state.Registry
	topics topics
	logger *slog.Logger
	unsub  func()

	mu     sync.Mutex
	active []entity
	last   map[string]string // object ID -> last published state
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(rt *router.Router, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(nil, rt, cfg, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = b.topics.node
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(b.topics.availability(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.online()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := pahomqtt.NewClient(opts)
	b.client = c
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(c client, rt *router.Router, cfg Config, logger *slog.Logger) *Bridge {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "rgbw-ctrl"
	}
	discovery := cfg.DiscoveryPrefix
	if discovery == "" {
		discovery = "homeassistant"
	}
	reg := rt.Registry()
	return &Bridge{
		client: c,
		rt:     rt,
		reg:    reg,
		topics: topics{prefix: prefix, discovery: discovery, node: nodeID(reg.Identity().Name)},
		logger: logger.With("component", "mqtt"),
		last:   make(map[string]string),
	}
}

// Start subscribes to registry events.
func (b *Bridge) Start() {
	if bus := b.reg.Events(); bus != nil {
		b.unsub = bus.OnAll(b.handleEvent)
	}
	b.logger.Info("MQTT bridge started", "prefix", b.topics.prefix, "node", b.topics.node)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publish(b.topics.availability(), []byte("offline"), true)
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event state.Event) {
	switch event.Type {
	case state.EventOutput:
		if o, ok := event.Data.(state.Output); ok {
			b.publishStates(o, false)
		}
	case state.EventIntegration:
		if s, ok := event.Data.(state.IntegrationSettings); ok {
			b.reconfigure(s)
		}
	case state.EventDeviceName:
		b.reconfigure(b.reg.Integration())
	}
}

// online runs after every (re)connect.
func (b *Bridge) online() {
	b.publish(b.topics.availability(), []byte("online"), true)
	b.reconfigure(b.reg.Integration())
}

// reconfigure removes the lights currently announced and announces the ones
// of s.
func (b *Bridge) reconfigure(s state.IntegrationSettings) {
	b.mu.Lock()
	old := b.active
	next := entitiesFor(s)
	b.active = next
	clear(b.last)
	b.mu.Unlock()

	if len(old) > 0 {
		for _, msg := range buildRemoveDiscovery(b.topics, old) {
			b.publish(msg.Topic, msg.Payload, true)
		}
		cmdTopics := make([]string, 0, len(old))
		for _, e := range old {
			cmdTopics = append(cmdTopics, b.topics.command(e))
		}
		b.client.Unsubscribe(cmdTopics...)
	}

	id := b.reg.Identity()
	for _, e := range next {
		msg := buildDiscovery(b.topics, e, id)
		b.publish(msg.Topic, msg.Payload, true)
		b.subscribe(e)
	}
	if len(next) > 0 {
		b.logger.Info("published HA discovery", "mode", s.Mode, "lights", len(next))
	}
	b.publishStates(b.reg.Output(), true)
}

func (b *Bridge) subscribe(e entity) {
	objectID := e.ObjectID
	b.client.Subscribe(b.topics.command(e), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(objectID, msg.Payload())
	})
}

// publishStates publishes the state of every light whose state changed.
func (b *Bridge) publishStates(o state.Output, force bool) {
	b.mu.Lock()
	type pending struct {
		topic   string
		payload []byte
	}
	var out []pending
	for _, e := range b.active {
		payload := mustJSON(stateOf(e, o))
		if !force && b.last[e.ObjectID] == string(payload) {
			continue
		}
		b.last[e.ObjectID] = string(payload)
		out = append(out, pending{b.topics.state(e), payload})
	}
	b.mu.Unlock()

	for _, p := range out {
		b.publish(p.topic, p.payload, true)
	}
}

// handleCommand applies a /set payload for one light.
func (b *Bridge) handleCommand(objectID string, payload []byte) error {
	b.mu.Lock()
	var (
		e     entity
		found bool
	)
	for _, a := range b.active {
		if a.ObjectID == objectID {
			e, found = a, true
			break
		}
	}
	b.mu.Unlock()
	if !found {
		b.logger.Warn("command for unknown light", "light", objectID)
		return fmt.Errorf("%w: light %q", router.ErrUnknownCommand, objectID)
	}

	var cmd lightCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "light", objectID, "err", err)
		return fmt.Errorf("%w: %v", router.ErrMalformedPayload, err)
	}
	merge := router.MergeOutput{Fn: func(cur state.Output) (state.Output, error) {
		return applyCommand(e, cmd, cur)
	}}
	if _, err := b.rt.Apply(router.OriginMQTT, merge); err != nil {
		b.logger.Warn("invalid light command", "light", objectID, "err", err)
		return err
	}
	return nil
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
