// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package device

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-lpc/pixcal/asic"
	"github.com/go-lpc/pixcal/packet"
)

type request struct {
	Name string           `json:"name"`
	Args *json.RawMessage `json:"args,omitempty"`
}

type reply struct {
	Msg     string          `json:"msg"`
	Timeout bool            `json:"timeout,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type writeArgs struct {
	Key  asic.Key `json:"key"`
	Regs []uint16 `json:"regs"`
	Vals []uint8  `json:"vals"`
}

type readArgs struct {
	Key     asic.Key      `json:"key"`
	Regs    []uint16      `json:"regs"`
	Timeout time.Duration `json:"timeout"`
}

type acquireArgs struct {
	Duration time.Duration `json:"duration"`
}

type resetArgs struct {
	Kind   ResetKind `json:"kind"`
	Length int       `json:"length"`
}

type powerArgs struct {
	IOGroup uint8  `json:"io_group"`
	Tile    int    `json:"tile"`
	VDDA    uint32 `json:"vdda"`
	VDDD    uint32 `json:"vddd"`
}

type networkArgs struct {
	Keys []asic.Key `json:"keys"`
}

// Server exposes a Device over a TCP connection.
// Requests from all connections are serialized on the device.
type Server struct {
	msg *log.Logger

	mu  sync.Mutex
	dev Device
}

// NewServer returns a server exposing dev.
func NewServer(dev Device, msg *log.Logger) *Server {
	if msg == nil {
		msg = log.New(os.Stdout, "device: ", 0)
	}
	return &Server{msg: msg, dev: dev}
}

// ListenAndServe listens on the TCP address and serves dev.
func ListenAndServe(addr string, dev Device) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("device: could not listen on %q: %w", addr, err)
	}
	return NewServer(dev, nil).Serve(l)
}

// Serve accepts connections on l until l is closed.
func (srv *Server) Serve(l net.Listener) error {
	defer l.Close()
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("device: could not accept connection: %w", err)
		}
		go func() {
			err := srv.handle(conn)
			if err != nil {
				srv.msg.Printf("could not serve %v: %+v", conn.RemoteAddr(), err)
			}
		}()
	}
}

func (srv *Server) handle(conn net.Conn) error {
	defer conn.Close()
	srv.msg.Printf("serving %v...", conn.RemoteAddr())
	defer srv.msg.Printf("serving %v... [done]", conn.RemoteAddr())

	var (
		dec = json.NewDecoder(conn)
		enc = json.NewEncoder(conn)
	)

	for {
		var req request
		err := dec.Decode(&req)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("could not decode request: %w", err)
		}

		rep := srv.dispatch(req)
		err = enc.Encode(rep)
		if err != nil {
			return fmt.Errorf("could not send reply to %q: %w", req.Name, err)
		}
		if req.Name == "close" {
			return nil
		}
	}
}

func (srv *Server) dispatch(req request) reply {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	args := func(ptr interface{}) error {
		if req.Args == nil {
			return fmt.Errorf("missing arguments for %q", req.Name)
		}
		err := json.Unmarshal(*req.Args, ptr)
		if err != nil {
			return fmt.Errorf("could not decode %q payload: %w", req.Name, err)
		}
		return nil
	}

	var (
		err  error
		data interface{}
	)
	switch strings.ToLower(req.Name) {
	case "write":
		var arg writeArgs
		if err = args(&arg); err == nil {
			err = srv.dev.WriteRegisters(arg.Key, arg.Regs, arg.Vals)
		}

	case "read":
		var arg readArgs
		if err = args(&arg); err == nil {
			var vals []uint8
			vals, err = srv.dev.ReadRegisters(arg.Key, arg.Regs, arg.Timeout)
			data = vals
		}

	case "acquire":
		var arg acquireArgs
		if err = args(&arg); err == nil {
			var ps []packet.Packet
			ps, err = srv.dev.Acquire(arg.Duration)
			if err == nil {
				buf := new(bytes.Buffer)
				err = packet.NewEncoder(buf).Encode(ps...)
				data = buf.Bytes()
			}
		}

	case "reset":
		var arg resetArgs
		if err = args(&arg); err == nil {
			err = srv.dev.Reset(arg.Kind, arg.Length)
		}

	case "power":
		var arg powerArgs
		if err = args(&arg); err == nil {
			err = srv.dev.SetPower(arg.IOGroup, arg.Tile, arg.VDDA, arg.VDDD)
		}

	case "network":
		var arg networkArgs
		if err = args(&arg); err == nil {
			if n, ok := srv.dev.(Networker); ok {
				err = n.InitNetwork(arg.Keys)
			}
		}

	case "close":
		// the device outlives its clients.

	default:
		err = fmt.Errorf("unknown command %q", req.Name)
	}

	rep := reply{Msg: "ok"}
	if err != nil {
		srv.msg.Printf("could not run %q: %+v", req.Name, err)
		rep.Msg = err.Error()
		rep.Timeout = errors.Is(err, ErrTimeout)
		return rep
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			rep.Msg = fmt.Sprintf("could not encode %q reply: %+v", req.Name, err)
			return rep
		}
		rep.Data = raw
	}
	return rep
}
