package karpc

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"time"
)

// Client is the SM side of the KA<->SM channel. Per §5's "local-socket
// channel to the KA (re-creates stub lazily per request)", it does not hold
// a persistent connection open between calls; call dials fresh each time
// and closes on return, bounded by dialTimeout.
type Client struct {
	socketPath  string
	dialTimeout time.Duration
	callTimeout time.Duration
}

// NewClient creates a Client targeting socketPath.
func NewClient(socketPath string, dialTimeout, callTimeout time.Duration) *Client {
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Client{socketPath: socketPath, dialTimeout: dialTimeout, callTimeout: callTimeout}
}

func (c *Client) dial(ctx context.Context) (*rpc.Client, error) {
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial key allocator socket %s: %w", c.socketPath, err)
	}
	return rpc.NewClient(conn), nil
}

func (c *Client) call(ctx context.Context, method string, args, reply any) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	client, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	call := client.Go("KeyAllocator."+method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return fmt.Errorf("key allocator rpc %s timed out: %w", method, ctx.Err())
	case res := <-call.Done:
		return res.Error
	}
}

func (c *Client) SelectKeysForSession(ctx context.Context, args SelectKeysArgs) (*SelectKeysReply, error) {
	var reply SelectKeysReply
	if err := c.call(ctx, "SelectKeysForSession", args, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) ReleaseKey(ctx context.Context, sessionID string) error {
	return c.call(ctx, "ReleaseKey", ReleaseKeyArgs{SessionID: sessionID}, &struct{}{})
}

func (c *Client) ReloadKeys(ctx context.Context, path string) (*ReloadKeysReply, error) {
	var reply ReloadKeysReply
	if err := c.call(ctx, "ReloadKeys", ReloadKeysArgs{Path: path}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) TrackUsage(ctx context.Context, keyID string, tokens int64) error {
	return c.call(ctx, "TrackUsage", TrackUsageArgs{KeyID: keyID, Tokens: tokens}, &struct{}{})
}

func (c *Client) GetStats(ctx context.Context, models []ModelRequest) (*GetStatsReply, error) {
	var reply GetStatsReply
	if err := c.call(ctx, "GetStats", StatsArgs{Models: models}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) GetDetailedStats(ctx context.Context, models []ModelRequest) (*GetDetailedStatsReply, error) {
	var reply GetDetailedStatsReply
	if err := c.call(ctx, "GetDetailedStats", StatsArgs{Models: models}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) Health(ctx context.Context) (*HealthReply, error) {
	var reply HealthReply
	if err := c.call(ctx, "Health", struct{}{}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}
