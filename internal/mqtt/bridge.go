// Package mqtt uplinks mesh events to an MQTT broker and accepts downlink
// sends, so gateway nodes can feed dashboards and bots.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"meshnode/internal/events"
	"meshnode/internal/mesh"
	"meshnode/internal/router"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// Bridge connects the mesh node to an MQTT broker.
type Bridge struct {
	client pahomqtt.Client
	svc    *router.Service
	bus    *events.Dispatcher
	prefix string
	logger *slog.Logger
	unsub  func()
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(svc *router.Service, bus *events.Dispatcher, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		svc:    svc,
		bus:    bus,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "meshnode"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publish(b.prefix+"/bridge/state", []byte("online"), true)
			b.subscribeDownlink()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to node events and begins MQTT publishing. The retained
// replay from the dispatcher pushes the current node picture to the broker
// right away.
func (b *Bridge) Start() {
	b.unsub = b.bus.Subscribe(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publish(b.prefix+"/bridge/state", []byte("offline"), true)
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event events.Event) {
	topic := topicFor(b.prefix, event.Kind)
	if topic == "" {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("encode event", "kind", event.Kind, "err", err)
		return
	}
	// The MQTT retain flag follows the dispatcher's notion of retained
	// state, so broker subscribers and late bus subscribers see the same
	// picture.
	b.publish(topic, payload, event.Kind.Retained())
}

// topicFor maps an event kind to its uplink topic.
func topicFor(prefix string, kind events.Kind) string {
	switch kind {
	case events.NodeUpdated, events.PositionUpdate, events.UserChanged:
		return prefix + "/nodes"
	case events.Message:
		return prefix + "/messages"
	case events.Delivery:
		return prefix + "/delivery"
	case events.CriticalError:
		return prefix + "/errors"
	case events.RadioState:
		return prefix + "/radio"
	}
	return ""
}

type downlinkCommand struct {
	To      string `json:"to"`
	Text    string `json:"text"`
	WantAck bool   `json:"want_ack"`
}

func (b *Bridge) subscribeDownlink() {
	topic := b.prefix + "/send"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		var cmd downlinkCommand
		if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
			b.logger.Warn("invalid downlink JSON", "err", err)
			return
		}
		if cmd.Text == "" {
			return
		}
		to := mesh.NodeNumBroadcast
		if cmd.To != "" {
			n, err := mesh.ParseNodeId(cmd.To)
			if err != nil {
				b.logger.Warn("invalid downlink node id", "to", cmd.To)
				return
			}
			to = n
		}
		id := b.svc.SendText(to, cmd.Text, cmd.WantAck)
		b.logger.Info("downlink send", "to", mesh.DefaultUserId(to), "id", id)
	})
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
