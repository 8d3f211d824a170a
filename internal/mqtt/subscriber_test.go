package mqtt

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 7 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestHandleMessage(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	var got []string
	s := NewSubscriber(Config{
		BrokerURL: "tcp://localhost:1883",
		Topic:     "application/+/device/+/event/up",
		ClientID:  "ingest-test",
		QoS:       1,
		Logger:    zap.New(core),
		Handler: func(ctx context.Context, body []byte) error {
			assert.NoError(t, ctx.Err())
			got = append(got, string(body))
			if string(body) == "bad" {
				return errors.New("invalid uplink")
			}
			return nil
		},
	})

	s.handleMessage(nil, fakeMessage{topic: "application/1/device/a/event/up", payload: []byte("first")})
	s.handleMessage(nil, fakeMessage{topic: "application/1/device/a/event/up", payload: []byte("bad")})
	s.handleMessage(nil, fakeMessage{topic: "application/1/device/a/event/up", payload: []byte("second")})

	assert.Equal(t, []string{"first", "bad", "second"}, got)
	errs := logs.FilterMessage("failed to process uplink").All()
	if assert.Len(t, errs, 1) {
		assert.Equal(t, "application/1/device/a/event/up", errs[0].ContextMap()["message_topic"])
	}
}
