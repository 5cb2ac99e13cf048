// Package client talks to the call layer of a running node over TCP.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"peerbus/call"
	"peerbus/ident"
	"peerbus/net/crpc"
	"peerbus/swarm/node"

	"github.com/fxamacker/cbor/v2"
)

// EndpointError is returned when the node reports a failed call
type EndpointError struct {
	Endpoint  string
	Message   string
	Endpoints []string // Set when the endpoint is unknown
}

func (e *EndpointError) Error() string {
	if len(e.Endpoints) > 0 {
		return fmt.Sprintf("%s: %s (available: %s)", e.Endpoint, e.Message, strings.Join(e.Endpoints, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Endpoint, e.Message)
}

type Client struct {
	rpc *crpc.Client
}

func Dial(address string) (*Client, error) {
	c, err := crpc.Dial("tcp4", address)
	if err != nil {
		return nil, err
	}
	return &Client{rpc: c}, nil
}

func (c *Client) Close() error {
	return c.rpc.Close()
}

// Invoke sends req and returns the response envelope. A nil req sends an empty request.
func (c *Client) Invoke(ctx context.Context, endpoint string, req any) (*call.Response, error) {
	var body []byte
	if req != nil {
		var err error
		if body, err = cbor.Marshal(req); err != nil {
			return nil, err
		}
	}

	raw, err := c.rpc.Call(ctx, endpoint, body)
	if err != nil {
		return nil, err
	}
	return call.DecodeResponse(raw)
}

// Call invokes an endpoint and decodes its result into res
func (c *Client) Call(ctx context.Context, endpoint string, req any, res any) error {
	r, err := c.Invoke(ctx, endpoint, req)
	if err != nil {
		return err
	}
	if !r.Ok {
		return &EndpointError{Endpoint: endpoint, Message: r.Error, Endpoints: r.Endpoints}
	}
	if res == nil {
		return nil
	}
	return r.Decode(res)
}

func IsUnknownEndpoint(err error) bool {
	var ee *EndpointError
	return errors.As(err, &ee) && len(ee.Endpoints) > 0
}

func (c *Client) Info(ctx context.Context) (*node.Info, error) {
	res := &node.Info{}
	if err := c.Call(ctx, "node.info", nil, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) Peers(ctx context.Context) (*node.PeerList, error) {
	res := &node.PeerList{}
	if err := c.Call(ctx, "peers.list", nil, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) Sessions(ctx context.Context, provider string) (*node.SessionList, error) {
	res := &node.SessionList{}
	if err := c.Call(ctx, "matchmaking.list", &node.SessionQuery{Provider: provider}, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) SetRelation(ctx context.Context, target ident.AccountID, isFriend, isBlocked bool) error {
	return c.Call(ctx, "relations.set", &node.RelationSet{Target: target, IsFriend: isFriend, IsBlocked: isBlocked}, nil)
}

func (c *Client) SetPresence(ctx context.Context, provider string, values map[string]string) error {
	return c.Call(ctx, "presence.set", &node.PresenceSet{Provider: provider, Values: values}, nil)
}

func (c *Client) Presence(ctx context.Context, account uint32, provider string) (*node.PresenceList, error) {
	res := &node.PresenceList{}
	if err := c.Call(ctx, "presence.get", &node.PresenceQuery{Account: account, Provider: provider}, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) SendMessage(ctx context.Context, to ident.AccountID, body []byte) error {
	return c.Call(ctx, "messaging.send", &node.DirectMessage{To: to, Body: body}, nil)
}
