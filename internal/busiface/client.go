package busiface

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
)

// ClientBackoff controls how a Client retries while its target bus
// name is absent (the sibling daemon hasn't started yet, or crashed).
type ClientBackoff struct {
	Initial time.Duration
	Max     time.Duration
	Retries int
}

// DefaultClientBackoff follows the exponential shape of
// internal/connwatch's startup schedule with shorter values (500ms
// initial, 10s cap, 6 retries instead of 2s, 60s, 10):
// short initial retries capped well under a minute, bounded count so a
// permanently-absent sibling fails fast rather than hanging forever.
func DefaultClientBackoff() ClientBackoff {
	return ClientBackoff{Initial: 500 * time.Millisecond, Max: 10 * time.Second, Retries: 6}
}

// Client calls another daemon's exported Call method and JSON-decodes
// the envelope. One Client per target bus name; safe for concurrent
// use once connected.
type Client struct {
	id      Identity
	backoff ClientBackoff
	conn    *dbus.Conn
}

// NewClient opens a connection to the session bus. The target object
// itself is resolved lazily on first Call, with retry/backoff if its
// bus name is not yet owned.
func NewClient(id Identity, backoff ClientBackoff) (*Client, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("busiface client: connect session bus: %w", err)
	}
	return &Client{id: id, backoff: backoff, conn: conn}, nil
}

// Close releases the underlying bus connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes method on the target object with argsJSON, retrying
// with backoff while the target bus name is unowned, and JSON-decodes
// the returned envelope into out (which may be nil to ignore payload).
func (c *Client) Call(ctx context.Context, method, argsJSON string, out any) error {
	obj, err := c.awaitObject(ctx)
	if err != nil {
		return err
	}

	var raw string
	call := obj.CallWithContext(ctx, c.id.InterfaceName+".Call", 0, method, argsJSON)
	if call.Err != nil {
		return fmt.Errorf("busiface client: call %s: %w", method, call.Err)
	}
	if err := call.Store(&raw); err != nil {
		return fmt.Errorf("busiface client: decode reply: %w", err)
	}

	var env Envelope
	payload := map[string]any{}
	env.Payload = payload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return fmt.Errorf("busiface client: invalid envelope JSON: %w", err)
	}
	if success, ok := payload["success"].(bool); ok {
		env.Success = success
	}
	if msg, ok := payload["error"].(string); ok {
		env.Error = msg
	}
	if !env.Success {
		if env.Error == "" {
			env.Error = "unknown error"
		}
		return fmt.Errorf("busiface client: %s: %s", method, env.Error)
	}

	if out != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, out)
	}
	return nil
}

// awaitObject waits for the target bus name to have an owner,
// retrying with exponential backoff bounded by c.backoff.Retries.
func (c *Client) awaitObject(ctx context.Context) (dbus.BusObject, error) {
	delay := c.backoff.Initial
	if delay <= 0 {
		delay = DefaultClientBackoff().Initial
	}
	maxDelay := c.backoff.Max
	if maxDelay <= 0 {
		maxDelay = DefaultClientBackoff().Max
	}
	retries := c.backoff.Retries
	if retries <= 0 {
		retries = DefaultClientBackoff().Retries
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		var hasOwner bool
		err := c.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.NameHasOwner", 0, c.id.BusName).Store(&hasOwner)
		if err == nil && hasOwner {
			return c.conn.Object(c.id.BusName, c.id.ObjectPath), nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("bus name %s has no owner", c.id.BusName)
		}

		if attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return nil, fmt.Errorf("busiface client: %s unavailable after %d retries: %w", c.id.BusName, retries, lastErr)
}
