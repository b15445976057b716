package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (f *fakeToken) Wait() bool                     { return true }
func (f *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (f *fakeToken) Done() <-chan struct{}          { return f.done }
func (f *fakeToken) Error() error                   { return f.err }

type fakeMQTT struct {
	topic   string
	qos     byte
	payload []byte
	err     error
}

func (f *fakeMQTT) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	f.topic = topic
	f.qos = qos
	f.payload, _ = payload.([]byte)
	return newFakeToken(f.err)
}

func TestMQTTSinkPublishesPerChannelTopic(t *testing.T) {
	client := &fakeMQTT{}
	sink := &mqttSink{id: "m", topic: "relay/events", qos: 1, client: client, log: noopLogger{}}

	if err := sink.Send(context.Background(), NewEvent(KindItemFailed, SeverityError, "UC1", "x")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if client.topic != "relay/events/UC1" || client.qos != 1 {
		t.Fatalf("topic=%s qos=%d", client.topic, client.qos)
	}
	if len(client.payload) == 0 {
		t.Fatalf("payload empty")
	}
}

func TestMQTTSinkReturnsTokenError(t *testing.T) {
	sink := &mqttSink{id: "m", topic: "t", client: &fakeMQTT{err: errors.New("not connected")}, log: noopLogger{}}
	if err := sink.Send(context.Background(), Event{ChannelID: "c"}); err == nil {
		t.Fatalf("expected publish error")
	}
}
