// Package eventbus implements the non-core broadcast sink named in
// SPEC_FULL.md §9 and §4.3/§4.6's progress-reporting design notes: the
// event bus is publish-only and does not affect the engines' own
// semantics, only notifies external subscribers of state transitions.
package eventbus

import (
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
	mqtt "github.com/soypat/natiu-mqtt"

	"openenterprise/wasmcore/config"
)

const (
	connectTimeout = 10 * time.Second
	connectRetries = 3
	tcpBufSize     = 2030
	mqttBufSize    = 512
)

// MQTTPublisher is a publish-only MQTT client over a TCP stack, grounded
// on the teacher's MQTT connect/publish sequence: configure a tcp.Conn,
// start the MQTT handshake, drive it with HandleNext until connected, and
// PublishPayload per call. There is deliberately no subscribe path.
type MQTTPublisher struct {
	stack  *xnet.StackAsync
	broker netip.AddrPort
	logger *slog.Logger

	mu     sync.Mutex
	conn   tcp.Conn
	client mqtt.Client
	flags  mqtt.PublishFlags

	rxBuf   [tcpBufSize]byte
	txBuf   [tcpBufSize]byte
	userBuf [mqttBufSize]byte

	connected bool
}

// NewMQTTPublisher constructs a publisher against stack/broker. Call
// Connect before the first Publish.
func NewMQTTPublisher(stack *xnet.StackAsync, broker netip.AddrPort, logger *slog.Logger) *MQTTPublisher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	flags, _ := mqtt.NewPublishFlags(mqtt.QoS0, false, false)
	return &MQTTPublisher{stack: stack, broker: broker, logger: logger, flags: flags}
}

// Connect dials the broker and completes the MQTT handshake.
func (p *MQTTPublisher) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.conn.Configure(tcp.ConnConfig{
		RxBuf:             p.rxBuf[:],
		TxBuf:             p.txBuf[:],
		TxPacketQueueSize: 3,
	}); err != nil {
		return err
	}

	cfg := mqtt.ClientConfig{Decoder: mqtt.DecoderNoAlloc{UserBuffer: p.userBuf[:]}}
	p.client = mqtt.NewClient(cfg)

	var varconn mqtt.VariablesConnect
	clientID := []byte(config.EventBusClientID())
	varconn.SetDefaultMQTT(clientID)

	rstack := p.stack.StackRetrying(5 * time.Millisecond)
	lport := uint16(p.stack.Prand32()>>17) + 1024
	if err := rstack.DoDialTCP(&p.conn, lport, p.broker, connectTimeout, connectRetries); err != nil {
		p.logger.Error("eventbus: dial failed", "broker", p.broker, "err", err)
		return err
	}

	p.conn.SetDeadline(time.Now().Add(connectTimeout))
	if err := p.client.StartConnect(&p.conn, &varconn); err != nil {
		p.logger.Error("eventbus: mqtt connect failed", "err", err)
		return err
	}

	retries := 50
	for retries > 0 && !p.client.IsConnected() {
		time.Sleep(100 * time.Millisecond)
		if err := p.client.HandleNext(); err != nil {
			p.logger.Warn("eventbus: handle-next", "err", err)
		}
		retries--
	}
	if !p.client.IsConnected() {
		return errors.New("eventbus: mqtt connect timeout")
	}
	p.connected = true
	p.logger.Info("eventbus: connected", "broker", p.broker)
	return nil
}

// Publish sends payload to topic at QoS0, fire-and-forget. It satisfies
// ota.Publisher, through which ota.Engine broadcasts its state
// transitions.
func (p *MQTTPublisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return errors.New("eventbus: not connected")
	}

	p.conn.SetDeadline(time.Now().Add(connectTimeout))
	pubVar := mqtt.VariablesPublish{
		TopicName:        []byte(topic),
		PacketIdentifier: uint16(p.stack.Prand32()),
	}
	if err := p.client.PublishPayload(p.flags, pubVar, payload); err != nil {
		p.logger.Error("eventbus: publish failed", "topic", topic, "err", err)
		return err
	}
	// Drain any broker acknowledgement so the connection's read buffer
	// does not silently accumulate between publishes.
	_ = p.client.HandleNext()
	return nil
}

// Close disconnects cleanly.
func (p *MQTTPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil
	}
	p.client.Disconnect(errors.New("eventbus: shutdown"))
	p.conn.Close()
	p.connected = false
	return nil
}
