package notify

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/kwv/roomcanon/config"
	"github.com/kwv/roomcanon/store"
)

// OccupancyMessage is the payload accepted on {prefix}/{owner}/{record}/occupancy.
// With ExpectedVersion set the update is applied conditionally.
type OccupancyMessage struct {
	Updates         []store.AnchorUpdate `json:"updates"`
	ExpectedVersion *int64               `json:"expectedVersion,omitempty"`
}

// OccupancyHandler is called for every well-formed occupancy message
type OccupancyHandler func(ownerID, recordID string, msg OccupancyMessage)

// Client manages the MQTT connection: it subscribes to occupancy updates and
// hands out a Publisher for signals and anchors.
type Client struct {
	client    mqtt.Client
	config    config.MQTTConfig
	log       *zap.Logger
	occupancy OccupancyHandler

	isConnected bool
	mu          sync.RWMutex

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewClient builds a client from configuration. An empty broker disables MQTT
// and returns (nil, nil). Call Start to connect.
func NewClient(cfg config.MQTTConfig, handler OccupancyHandler, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Broker == "" {
		log.Info("MQTT disabled: no broker configured")
		return nil, nil
	}
	if cfg.PublishPrefix == "" {
		return nil, fmt.Errorf("MQTT enabled but no publish prefix configured")
	}

	c := newClient(nil, cfg, handler, log)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "roomcanon"
	}
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// the initial connect is retried by connectWithRetry so Disconnect can
	// abort it; drops after that are handled by auto-reconnect
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // keep the occupancy subscription across reconnects
	opts.SetOrderMatters(true)  // occupancy updates for one record must apply in order

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = mqtt.NewClient(opts)
	return c, nil
}

func newClient(client mqtt.Client, cfg config.MQTTConfig, handler OccupancyHandler, log *zap.Logger) *Client {
	return &Client{
		client:    client,
		config:    cfg,
		log:       log,
		occupancy: handler,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start connects in the background, retrying with exponential backoff until
// connected or Disconnect is called
func (c *Client) Start() {
	go c.connectWithRetry()
}

func (c *Client) connectWithRetry() {
	defer close(c.done)

	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		c.log.Info("connecting to MQTT broker", zap.String("broker", c.config.Broker))

		token := c.client.Connect()
		select {
		case <-c.stop:
			return
		case <-token.Done():
			if token.Error() == nil {
				c.log.Info("connected to MQTT broker")
				c.setConnected(true)
				return
			}
			c.log.Warn("MQTT connection failed", zap.Error(token.Error()))
		case <-time.After(15 * time.Second):
			c.log.Warn("MQTT connection timeout")
		}

		c.log.Info("retrying MQTT connection", zap.Duration("in", retryDelay))
		select {
		case <-c.stop:
			return
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

func (c *Client) onConnect(client mqtt.Client) {
	c.setConnected(true)

	filter := OccupancyFilter(c.config.PublishPrefix)
	c.log.Info("subscribing to occupancy updates", zap.String("topic", filter))
	token := client.Subscribe(filter, 1, c.createOccupancyHandler())
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		c.log.Error("subscribe failed", zap.String("topic", filter), zap.Error(token.Error()))
	}
}

// Auto-reconnect is enabled, so a lost connection is usually transient
func (c *Client) onConnectionLost(client mqtt.Client, err error) {
	c.log.Warn("MQTT connection interrupted, auto-reconnect will retry", zap.Error(err))
	c.setConnected(false)
}

func (c *Client) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	c.log.Info("MQTT reconnecting")
}

// createOccupancyHandler decodes occupancy messages and forwards them to
// the registered handler. Malformed messages are logged and dropped.
func (c *Client) createOccupancyHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		ownerID, recordID, suffix, err := ParseRecordTopic(c.config.PublishPrefix, msg.Topic())
		if err != nil || suffix != SuffixOccupancy {
			c.log.Warn("ignoring message on unexpected topic", zap.String("topic", msg.Topic()), zap.Error(err))
			return
		}

		var m OccupancyMessage
		if err := json.Unmarshal(msg.Payload(), &m); err != nil {
			c.log.Warn("malformed occupancy payload",
				zap.String("owner", ownerID),
				zap.String("record", recordID),
				zap.Error(err))
			return
		}
		if len(m.Updates) == 0 {
			c.log.Debug("empty occupancy update", zap.String("record", recordID))
			return
		}

		c.log.Debug("occupancy update received",
			zap.String("owner", ownerID),
			zap.String("record", recordID),
			zap.Int("updates", len(m.Updates)))

		c.mu.RLock()
		handler := c.occupancy
		c.mu.RUnlock()
		if handler != nil {
			handler(ownerID, recordID, m)
		}
	}
}

// SetOccupancyHandler replaces the occupancy callback
func (c *Client) SetOccupancyHandler(handler OccupancyHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.occupancy = handler
}

// Publisher returns a publisher sharing this connection
func (c *Client) Publisher() *Publisher {
	p := NewPublisher(c.client, c.config.PublishPrefix, c.log)
	p.SetQoS(c.config.QoS)
	p.SetRetain(c.config.RetainMessages())
	return p
}

// IsConnected returns true if the MQTT client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *Client) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect stops connection attempts and closes the MQTT connection.
// It is safe to call more than once.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	if c.client != nil {
		c.log.Info("disconnecting from MQTT broker")
		c.client.Disconnect(250)
	}
	c.setConnected(false)
}

// Wait blocks until the connect loop launched by Start has exited
func (c *Client) Wait() {
	<-c.done
}
