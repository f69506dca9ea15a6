// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package events

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// ControlMessage is a JSON message sent by a websocket client.
type ControlMessage struct {
	Type        string `json:"type"`
	KnowledgeID string `json:"knowledge_id,omitempty"`
}

// Client is one websocket connection attached to the hub.
type Client struct {
	conn *websocket.Conn
	hub  *Hub
	sub  *subscriber
}

// NewClient registers conn with the hub. Returns nil if the hub has stopped.
func NewClient(conn *websocket.Conn, hub *Hub, knowledgeID string) *Client {
	c := &Client{
		conn: conn,
		hub:  hub,
		sub:  &subscriber{knowledgeID: knowledgeID, out: make(chan []byte, 256)},
	}
	if !hub.add(c.sub) {
		conn.Close()
		return nil
	}
	return c
}

// ReadPump handles subscription changes and keepalives from the client.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.remove(c.sub)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[events] websocket error: %v", err)
			}
			return
		}

		var msg ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[events] invalid control message: %v", err)
			continue
		}
		switch msg.Type {
		case "subscribe":
			c.sub.setFilter(msg.KnowledgeID)
		case "unsubscribe":
			c.sub.setFilter("")
		case "ping":
		default:
			log.Printf("[events] unknown control message type: %s", msg.Type)
		}
	}
}

// WritePump delivers hub events and pings to the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.sub.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
