// Package mqtt connects the gateway to the upstream control plane: it
// subscribes the command topics into a bounded inbox and publishes data,
// status and reply envelopes.
package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"plclink/catalog"
	"plclink/codec"
	"plclink/config"
	"plclink/logging"
)

const (
	// InboxSize bounds the queue between the broker callback and the
	// dispatcher pump. Frames beyond this are dropped, not blocked on:
	// a stalled dispatcher must not back-pressure the network loop.
	InboxSize = 256

	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// Client wraps the paho client with the gateway's topic map.
type Client struct {
	cfg    config.MQTTSection
	client paho.Client

	inbox chan Envelope

	mu        sync.RWMutex
	connected bool
	dropped   int64
}

// NewClient builds an unconnected client from the driver config's MQTT
// section.
func NewClient(cfg config.MQTTSection) *Client {
	return &Client{
		cfg:   cfg,
		inbox: make(chan Envelope, InboxSize),
	}
}

// Connect dials the broker and subscribes the command topics. Paho
// auto-reconnects and the OnConnect handler re-subscribes, so a broker
// restart heals without intervention.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	clientID := c.cfg.Basic.ClientID
	if clientID == "" {
		clientID = "plclink-" + uuid.New().String()[:8]
	}

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", c.cfg.Basic.Host, c.cfg.Basic.Port)).
		SetClientID(clientID).
		SetUsername(c.cfg.Basic.Username).
		SetPassword(c.cfg.Basic.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logging.Warning("mqtt connection lost: %v", err)
		})
	if c.cfg.Basic.KeepAlive > 0 {
		opts.SetKeepAlive(time.Duration(c.cfg.Basic.KeepAlive) * time.Second)
	}

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect to %s:%d timed out", c.cfg.Basic.Host, c.cfg.Basic.Port)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	c.mu.Lock()
	c.client = client
	c.connected = true
	c.mu.Unlock()

	logging.Info("mqtt connected to %s:%d as %s", c.cfg.Basic.Host, c.cfg.Basic.Port, clientID)
	return nil
}

func (c *Client) onConnect(client paho.Client) {
	for _, topic := range c.cfg.Parameter.Subscribed() {
		token := client.Subscribe(topic, 0, c.enqueue)
		if token.WaitTimeout(connectTimeout) && token.Error() == nil {
			logging.DebugLog("mqtt", "subscribed %s", topic)
		} else {
			logging.Error("mqtt subscribe %s failed: %v", topic, token.Error())
		}
	}
}

// enqueue is the broker callback: copy the frame into the inbox or drop
// it when the dispatcher is behind.
func (c *Client) enqueue(_ paho.Client, msg paho.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	select {
	case c.inbox <- Envelope{Topic: msg.Topic(), Payload: payload}:
	default:
		c.mu.Lock()
		c.dropped++
		n := c.dropped
		c.mu.Unlock()
		logging.Warning("mqtt inbox full, dropped frame on %s (%d total)", msg.Topic(), n)
	}
}

// Inbox returns the dispatcher's receive channel.
func (c *Client) Inbox() <-chan Envelope {
	return c.inbox
}

// Dropped returns the count of frames discarded on a full inbox.
func (c *Client) Dropped() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dropped
}

// Connected reports the broker connection state.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client != nil && c.client.IsConnected()
}

// Disconnect closes the broker connection. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.connected = false
	c.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
}

// Publish sends a raw payload on topic.
func (c *Client) Publish(topic string, payload []byte) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client == nil {
		return fmt.Errorf("mqtt not connected")
	}
	if topic == "" {
		return fmt.Errorf("empty topic")
	}

	token := client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	return token.Error()
}

// PublishJSON marshals v and publishes it on topic.
func (c *Client) PublishJSON(topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal for %s: %w", topic, err)
	}
	return c.Publish(topic, payload)
}

// PublishData sends one module's flattened entries on the data topic.
func (c *Client) PublishData(m catalog.ModuleKey, entries []codec.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return c.PublishJSON(c.cfg.Parameter.PubDrvData, NewDataMessage(m, entries))
}

// PublishReply answers a command on its reply topic. Exactly one reply
// is published per command; the dispatcher owns that invariant.
func (c *Client) PublishReply(srcTopic string, success bool, id, message string) error {
	return c.PublishJSON(srcTopic+"/reply", Reply{Success: success, ID: id, Message: message})
}

// PublishReadReply answers a read command with its values inline.
func (c *Client) PublishReadReply(srcTopic string, reply ReadReply) error {
	return c.PublishJSON(srcTopic+"/reply", reply)
}

// PublishDriverStatus sends the full driver status snapshot.
func (c *Client) PublishDriverStatus(v interface{}) error {
	return c.PublishJSON(c.cfg.Parameter.PubDrvDataStruct, v)
}

// PublishModulesStatus sends the per-device connection-state broadcast.
func (c *Client) PublishModulesStatus(m catalog.ModuleKey, states []ModuleState) error {
	return c.PublishJSON(c.cfg.Parameter.PubModulesStatus, NewModulesStatusMessage(m, states))
}

// PublishBroadcast sends a typed broadcast, used for recipe errors.
func (c *Client) PublishBroadcast(kind string, data BroadcastData) error {
	return c.PublishJSON(c.cfg.Parameter.PubDrvBroadcast, NewBroadcastMessage(kind, data))
}
