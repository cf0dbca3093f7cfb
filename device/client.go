// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package device

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-lpc/pixcal/asic"
	"github.com/go-lpc/pixcal/packet"
)

// ioTimeout bounds the time spent waiting for a reply, on top of the
// duration of the requested operation.
const ioTimeout = 5 * time.Second

// Client is a Device served by a remote Server.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

// Dial connects to the device server at addr.
// Dial retries with an exponential backoff for a few seconds, to give
// a freshly started server time to listen.
func Dial(addr string) (*Client, error) {
	var conn net.Conn
	op := func() error {
		var err error
		conn, err = net.DialTimeout("tcp", addr, time.Second)
		return err
	}

	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock,
	})
	if err != nil {
		return nil, fmt.Errorf("device: could not dial %q: %w", addr, err)
	}

	return &Client{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}, nil
}

func (c *Client) send(name string, args interface{}, d time.Duration, data interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := request{Name: name}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("device: could not encode %q arguments: %w", name, err)
		}
		msg := json.RawMessage(raw)
		req.Args = &msg
	}

	err := c.conn.SetDeadline(time.Now().Add(d + ioTimeout))
	if err != nil {
		return fmt.Errorf("device: could not set deadline: %w", err)
	}

	err = c.enc.Encode(req)
	if err != nil {
		return fmt.Errorf("device: could not send %q request: %w", name, err)
	}

	var rep reply
	err = c.dec.Decode(&rep)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return fmt.Errorf("device: no reply to %q: %w", name, ErrTimeout)
		}
		return fmt.Errorf("device: could not receive %q reply: %w", name, err)
	}

	switch {
	case rep.Timeout:
		return fmt.Errorf("device: %s: %w", rep.Msg, ErrTimeout)
	case rep.Msg != "ok":
		return fmt.Errorf("device: %s", rep.Msg)
	}

	if data != nil && len(rep.Data) > 0 {
		err = json.Unmarshal(rep.Data, data)
		if err != nil {
			return fmt.Errorf("device: could not decode %q reply: %w", name, err)
		}
	}
	return nil
}

func (c *Client) WriteRegisters(key asic.Key, regs []uint16, vals []uint8) error {
	return c.send("write", writeArgs{Key: key, Regs: regs, Vals: vals}, 0, nil)
}

func (c *Client) ReadRegisters(key asic.Key, regs []uint16, timeout time.Duration) ([]uint8, error) {
	var vals []uint8
	err := c.send("read", readArgs{Key: key, Regs: regs, Timeout: timeout}, timeout, &vals)
	return vals, err
}

func (c *Client) Acquire(d time.Duration) ([]packet.Packet, error) {
	var raw []byte
	err := c.send("acquire", acquireArgs{Duration: d}, d, &raw)
	if err != nil {
		return nil, err
	}
	return packet.NewDecoder(bytes.NewReader(raw)).DecodeAll()
}

func (c *Client) Reset(kind ResetKind, length int) error {
	return c.send("reset", resetArgs{Kind: kind, Length: length}, 0, nil)
}

func (c *Client) SetPower(iog uint8, tile int, vdda, vddd uint32) error {
	return c.send("power", powerArgs{IOGroup: iog, Tile: tile, VDDA: vdda, VDDD: vddd}, 0, nil)
}

func (c *Client) InitNetwork(keys []asic.Key) error {
	return c.send("network", networkArgs{Keys: keys}, 0, nil)
}

// Close closes the connection to the server. The remote device is left open.
func (c *Client) Close() error {
	err := c.send("close", nil, 0, nil)
	if e := c.conn.Close(); e != nil && err == nil {
		err = e
	}
	return err
}

var (
	_ Device    = (*Client)(nil)
	_ Networker = (*Client)(nil)
)
