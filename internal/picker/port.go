// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package picker

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSPort relays picker messages over a websocket to a browser bridge page
// that forwards them to and from the picker frame.
type WSPort struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// NewWSPort wraps conn.
func NewWSPort(conn *websocket.Conn) *WSPort {
	return &WSPort{conn: conn}
}

func (p *WSPort) Receive(ctx context.Context) (Message, error) {
	if deadline, ok := ctx.Deadline(); ok {
		p.conn.SetReadDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		p.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	var msg Message
	if err := p.conn.ReadJSON(&msg); err != nil {
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		return Message{}, err
	}
	return msg, nil
}

func (p *WSPort) Send(ctx context.Context, msg Message) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return p.conn.WriteJSON(msg)
}

// ChanPort is an in-process Port. In receives messages for the session and
// Out carries its replies.
type ChanPort struct {
	In  chan Message
	Out chan Message
}

// NewChanPort creates a buffered in-process port.
func NewChanPort() *ChanPort {
	return &ChanPort{In: make(chan Message, 16), Out: make(chan Message, 16)}
}

func (p *ChanPort) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case msg, ok := <-p.In:
		if !ok {
			return Message{}, ErrClosed
		}
		return msg, nil
	}
}

func (p *ChanPort) Send(ctx context.Context, msg Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.Out <- msg:
		return nil
	}
}
