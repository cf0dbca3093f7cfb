// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const recordSize = 10 // io-group, io-channel, 64b word.

// Encoder writes packets to an output stream.
type Encoder struct {
	w   io.Writer
	buf []byte
	err error
}

// NewEncoder returns a new Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w:   w,
		buf: make([]byte, recordSize),
	}
}

// Encode writes the provided packets to the stream.
func (enc *Encoder) Encode(ps ...Packet) error {
	for _, p := range ps {
		enc.buf[0] = p.IOGroup
		enc.buf[1] = p.IOChannel
		binary.LittleEndian.PutUint64(enc.buf[2:], p.Word())
		enc.write(enc.buf)
		if enc.err != nil {
			return fmt.Errorf("packet: could not write packet: %w", enc.err)
		}
	}
	return nil
}

func (enc *Encoder) write(p []byte) {
	if enc.err != nil {
		return
	}
	_, enc.err = enc.w.Write(p)
}

// Decoder reads packets from an input stream.
type Decoder struct {
	r   io.Reader
	buf []byte
}

// NewDecoder returns a new Decoder that reads from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:   r,
		buf: make([]byte, recordSize),
	}
}

// Decode reads the next packet from the stream.
// Decode returns io.EOF when the stream ends on a record boundary.
func (dec *Decoder) Decode(p *Packet) error {
	_, err := io.ReadFull(dec.r, dec.buf)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		return io.EOF
	default:
		return fmt.Errorf("packet: could not read packet: %w", err)
	}
	*p = FromWord(dec.buf[0], dec.buf[1], binary.LittleEndian.Uint64(dec.buf[2:]))
	return nil
}

// DecodeAll reads all the packets until the end of the stream.
func (dec *Decoder) DecodeAll() ([]Packet, error) {
	var ps []Packet
	for {
		var p Packet
		err := dec.Decode(&p)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ps, nil
			}
			return ps, err
		}
		ps = append(ps, p)
	}
}
