package emitter

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type published struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

type fakeToken struct {
	err  error
	hold <-chan struct{}
}

func (t fakeToken) Wait() bool {
	if t.hold != nil {
		<-t.hold
	}
	return true
}

func (t fakeToken) WaitTimeout(d time.Duration) bool {
	if t.hold == nil {
		return true
	}
	select {
	case <-t.hold:
		return true
	case <-time.After(d):
		return false
	}
}

func (t fakeToken) Done() <-chan struct{} {
	if t.hold != nil {
		return t.hold
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t fakeToken) Error() error { return t.err }

type fakeClient struct {
	mu         sync.Mutex
	connected  bool
	publishErr error
	hold       <-chan struct{} // tokens complete once closed
	messages   []published
}

func (c *fakeClient) IsConnected() bool { return c.connected }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr == nil {
		c.messages = append(c.messages, published{topic, qos, retained, payload.([]byte)})
	}
	return fakeToken{err: c.publishErr, hold: c.hold}
}

func (c *fakeClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token { return fakeToken{} }
func (c *fakeClient) Unsubscribe(...string) mqtt.Token                      { return fakeToken{} }

func (c *fakeClient) sent() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.messages...)
}
