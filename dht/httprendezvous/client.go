/*
File Name:  client.go

Thin client for joining a rendezvous room from a peer's own process.
*/

package httprendezvous

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// Client is a connected member of a rendezvous room.
type Client struct {
	conn *websocket.Conn
}

// Dial joins room on the rendezvous server at httpURL (e.g.
// "http://rendezvous.example:8080") as peerID.
func Dial(httpURL, room, peerID string) (*Client, error) {
	u, err := url.Parse(httpURL)
	if err != nil {
		return nil, err
	}
	u.Scheme = "ws" + strings.TrimPrefix(u.Scheme, "http")
	u.Path = "/rooms/" + room + "/" + peerID

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Send relays a payload to peer "to" in the room (or broadcasts if to is empty).
func (c *Client) Send(to, msgType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.conn.WriteJSON(Envelope{To: to, Type: msgType, Payload: raw})
}

// Receive blocks for the next envelope addressed to this client.
func (c *Client) Receive() (Envelope, error) {
	var env Envelope
	err := c.conn.ReadJSON(&env)
	return env, err
}

// Close disconnects the client from the room.
func (c *Client) Close() error {
	return c.conn.Close()
}
