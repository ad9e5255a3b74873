// Package mqttbridge publishes received bus messages to an MQTT broker and
// transmits messages published on the send topic.
package mqttbridge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/roffe/rp1210"
)

type Config struct {
	Broker   string
	Username string
	Password string
	ClientID string
	// Topic prefix, messages go to <Topic>/j1939/<pgn> and <Topic>/j1587/<pid>,
	// send requests are read from <Topic>/send.
	Topic          string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	AutoReconnect  bool
	// Messages waiting to be published, the newest are dropped when full.
	QueueSize int
}

func generateClientID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return "rp1210-" + hex.EncodeToString(b)
}

func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		ClientID:       generateClientID(),
		Topic:          "rp1210",
		QoS:            0,
		KeepAlive:      60 * time.Second,
		ConnectTimeout: 10 * time.Second,
		AutoReconnect:  true,
		QueueSize:      1024,
	}
}

// Sender transmits a message on the bus, *rp1210.Driver implements it.
type Sender interface {
	SendOnce(ctx context.Context, msg rp1210.Message) error
}

type Bridge struct {
	cfg    Config
	client mqtt.Client
	sender Sender
	logger *log.Logger

	queue     chan rp1210.Message
	published atomic.Uint64
	dropped   atomic.Uint64
	received  atomic.Uint64

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(cfg Config, sender Sender) *Bridge {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.ClientID == "" {
		cfg.ClientID = generateClientID()
	}
	return &Bridge{
		cfg:    cfg,
		sender: sender,
		logger: log.New(os.Stderr, "[mqtt] ", log.LstdFlags|log.Lshortfile),
		queue:  make(chan rp1210.Message, cfg.QueueSize),
		stop:   make(chan struct{}),
	}
}

func (b *Bridge) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.cfg.Broker)
	opts.SetClientID(b.cfg.ClientID)
	opts.SetKeepAlive(b.cfg.KeepAlive)
	opts.SetConnectTimeout(b.cfg.ConnectTimeout)
	opts.SetAutoReconnect(b.cfg.AutoReconnect)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.logger.Printf("connection lost: %v", err)
	})

	b.client = mqtt.NewClient(opts)
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", b.cfg.Broker, token.Error())
	}

	b.wg.Add(1)
	go b.publishLoop()
	return nil
}

func (b *Bridge) Stop() {
	close(b.stop)
	b.wg.Wait()
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
	}
}

// Handler returns a subscriber queueing messages for publishing.
func (b *Bridge) Handler() rp1210.MessageHandler {
	return func(msg rp1210.Message) {
		select {
		case b.queue <- msg:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Bridge) String() string {
	return fmt.Sprintf("published: %d dropped: %d send requests: %d", b.published.Load(), b.dropped.Load(), b.received.Load())
}

func (b *Bridge) sendTopic() string {
	return b.cfg.Topic + "/send"
}

func (b *Bridge) onConnect(c mqtt.Client) {
	b.logger.Printf("connected to %s", b.cfg.Broker)
	if b.sender == nil {
		return
	}
	if token := c.Subscribe(b.sendTopic(), b.cfg.QoS, b.onSend); token.Wait() && token.Error() != nil {
		b.logger.Printf("failed to subscribe to %s: %v", b.sendTopic(), token.Error())
	}
}

func (b *Bridge) onSend(_ mqtt.Client, m mqtt.Message) {
	b.received.Add(1)
	if err := b.handleSend(m.Payload()); err != nil {
		b.logger.Printf("send request on %s: %v", m.Topic(), err)
	}
}

func (b *Bridge) handleSend(payload []byte) error {
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return err
	}
	msg, err := f.Message()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.sender.SendOnce(ctx, msg)
}

func (b *Bridge) publishLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		case msg := <-b.queue:
			if err := b.publish(msg); err != nil {
				b.logger.Println(err)
			}
		}
	}
}

func (b *Bridge) publish(msg rp1210.Message) error {
	f, err := FromMessage(msg)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if !b.client.IsConnected() {
		b.dropped.Add(1)
		return nil
	}
	topic := f.Topic(b.cfg.Topic)
	token := b.client.Publish(topic, b.cfg.QoS, false, payload)
	if !token.WaitTimeout(b.cfg.ConnectTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	b.published.Add(1)
	return nil
}
