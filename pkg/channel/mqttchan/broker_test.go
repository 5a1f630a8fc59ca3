package mqttchan

import (
	"encoding/binary"
	"io"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	mqtt "github.com/soypat/natiu-mqtt"
)

// testBroker is a minimal MQTT 3.1.1 broker: QoS0 only, exact topic
// matching, retained messages replayed on subscribe.
type testBroker struct {
	listener   net.Listener
	// subscriber connections are closed this long after SUBACK, 0 keeps them
	drop_after time.Duration

	mu       sync.Mutex
	retained []retainedMessage
	subs     map[*brokerConn][]string
	conns    []net.Conn
}

type retainedMessage struct {
	topic   string
	payload []byte
}

type brokerConn struct {
	mu sync.Mutex
	tx mqtt.Tx
}

func (c *brokerConn) publish(topic string, payload []byte, retain bool) error {
	flags, err := mqtt.NewPublishFlags(mqtt.QoS0, false, retain)
	if err != nil {
		return err
	}
	header, err := mqtt.NewHeader(mqtt.PacketPublish, flags, 0)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx.WritePublishPayload(header, mqtt.VariablesPublish{TopicName: []byte(topic)}, payload)
}

func newTestBroker(t *testing.T, drop_after time.Duration) *testBroker {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Can't listen: %s", err)
	}
	b := &testBroker{
		listener:   listener,
		drop_after: drop_after,
		subs:       make(map[*brokerConn][]string),
	}
	go b.accept()
	t.Cleanup(b.close)
	return b
}

func (b *testBroker) Address() string { return b.listener.Addr().String() }

func (b *testBroker) accept() {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.mu.Unlock()
		go b.serve(conn)
	}
}

func (b *testBroker) close() {
	b.listener.Close()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, conn := range b.conns {
		conn.Close()
	}
}

func (b *testBroker) serve(conn net.Conn) {
	c := &brokerConn{}
	c.tx.SetTxTransport(conn)
	defer func() {
		b.mu.Lock()
		delete(b.subs, c)
		b.mu.Unlock()
		conn.Close()
	}()

	for {
		header, _, err := mqtt.DecodeHeader(conn)
		if err != nil {
			return
		}
		body := make([]byte, header.RemainingLength)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		switch header.Type() {
		case mqtt.PacketConnect:
			c.mu.Lock()
			err = c.tx.WriteConnack(mqtt.VariablesConnack{ReturnCode: mqtt.ReturnCodeConnAccepted})
			c.mu.Unlock()
		case mqtt.PacketSubscribe:
			err = b.subscribe(conn, c, body)
		case mqtt.PacketPublish:
			err = b.publish(header, body)
		case mqtt.PacketPingreq:
			c.mu.Lock()
			err = c.tx.WriteSimple(mqtt.PacketPingresp)
			c.mu.Unlock()
		case mqtt.PacketDisconnect:
			return
		}
		if err != nil {
			return
		}
	}
}

func (b *testBroker) subscribe(conn net.Conn, c *brokerConn, body []byte) error {
	packet_id := binary.BigEndian.Uint16(body)
	var topics []string
	var codes []mqtt.QoSLevel
	for rest := body[2:]; len(rest) > 2; {
		l := int(binary.BigEndian.Uint16(rest))
		topics = append(topics, string(rest[2:2+l]))
		codes = append(codes, mqtt.QoS0)
		rest = rest[3+l:]
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	c.mu.Lock()
	err := c.tx.WriteSuback(mqtt.VariablesSuback{PacketIdentifier: packet_id, ReturnCodes: codes})
	c.mu.Unlock()
	if err != nil {
		return err
	}
	b.subs[c] = topics
	for _, msg := range b.retained {
		if slices.Contains(topics, msg.topic) {
			if err := c.publish(msg.topic, msg.payload, true); err != nil {
				return err
			}
		}
	}
	if b.drop_after > 0 {
		time.AfterFunc(b.drop_after, func() { conn.Close() })
	}
	return nil
}

func (b *testBroker) publish(header mqtt.Header, body []byte) error {
	l := int(binary.BigEndian.Uint16(body))
	topic := string(body[2 : 2+l])
	payload := body[2+l:]

	b.mu.Lock()
	defer b.mu.Unlock()
	if header.Flags().Retain() {
		i := slices.IndexFunc(b.retained, func(m retainedMessage) bool { return m.topic == topic })
		if i < 0 {
			b.retained = append(b.retained, retainedMessage{topic: topic, payload: payload})
		} else {
			b.retained[i].payload = payload
		}
	}
	for c, topics := range b.subs {
		if !slices.Contains(topics, topic) {
			continue
		}
		// a dead subscriber is cleaned up by its own serve loop
		c.publish(topic, payload, false)
	}
	return nil
}
