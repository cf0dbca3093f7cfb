// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/go-lpc/pixcal/calib"
)

// MQTT publishes the status of every notified run on a topic.
type MQTT struct {
	client  mqtt.Client
	topic   string
	timeout time.Duration
}

// DialMQTT connects to the MQTT broker.
func DialMQTT(broker, clientID, topic string) (*MQTT, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	if tok := client.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, fmt.Errorf("notify: could not connect to MQTT broker %q: %w", broker, tok.Error())
	}

	return newMQTT(client, topic), nil
}

func newMQTT(client mqtt.Client, topic string) *MQTT {
	return &MQTT{
		client:  client,
		topic:   topic,
		timeout: 5 * time.Second,
	}
}

func (m *MQTT) Notify(ctx context.Context, sum *calib.Summary, err error) error {
	payload, e := json.Marshal(newStatus(sum, err))
	if e != nil {
		return fmt.Errorf("notify: could not marshal status: %w", e)
	}

	tok := m.client.Publish(m.topic, 1, true, payload)
	select {
	case <-ctx.Done():
		return fmt.Errorf("notify: could not publish status: %w", ctx.Err())
	case <-tok.Done():
	case <-time.After(m.timeout):
		return fmt.Errorf("notify: could not publish status: timeout")
	}

	if e := tok.Error(); e != nil {
		return fmt.Errorf("notify: could not publish status: %w", e)
	}
	return nil
}

// Close disconnects from the broker.
func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}

var _ calib.Notifier = (*MQTT)(nil)
