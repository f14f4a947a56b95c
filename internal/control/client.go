package control

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Paul-M-Kallarackal/attendee/internal/logging"
)

// Client connects to a bot's control server over websocket and calls its
// tools.
type Client struct {
	client  *mcp.Client
	session *mcp.ClientSession
	cancel  context.CancelFunc
}

func NewClient(name, version string) *Client {
	return &Client{client: mcp.NewClient(&mcp.Implementation{Name: name, Version: version}, nil)}
}

// Connect dials rawurl (http, https, ws or wss) and starts an MCP session.
// A keepalive ping runs until Close.
func (c *Client) Connect(ctx context.Context, rawurl string) error {
	u, err := url.Parse(rawurl)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial control server: %w", err)
	}
	sess, err := c.client.Connect(ctx, newWSTransport(conn), nil)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("mcp connect: %w", err)
	}
	c.session = sess
	pingCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				_ = sess.Ping(pingCtx, nil)
			}
		}
	}()
	logging.Infow("control: client connected", "url", u.String())
	return nil
}

// Call invokes a tool and returns its text content. A tool-level error is
// returned as an error.
func (c *Client) Call(ctx context.Context, tool string, args map[string]any) (string, error) {
	if c.session == nil {
		return "", fmt.Errorf("not connected")
	}
	if args == nil {
		args = map[string]any{}
	}
	res, err := c.session.CallTool(ctx, &mcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return "", err
	}
	var parts []string
	for _, ct := range res.Content {
		if t, ok := ct.(*mcp.TextContent); ok {
			parts = append(parts, t.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if res.IsError {
		return "", fmt.Errorf("%s: %s", tool, text)
	}
	return text, nil
}

func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.session != nil {
		return c.session.Close()
	}
	return nil
}
