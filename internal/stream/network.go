// File: internal/stream/network.go
package stream

import (
	"context"
	"net"
	"time"
)

// WatchNetwork polls probe every interval until ctx ends and forwards each
// online/offline transition to SetOnline.
func (c *Connection) WatchNetwork(ctx context.Context, interval time.Duration, probe func(context.Context) bool) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	last := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, interval)
			up := probe(pctx)
			cancel()
			if up != last {
				last = up
				c.SetOnline(up)
			}
		}
	}
}

// TCPProbe reports the network as online when addr accepts a TCP connection.
func TCPProbe(addr string) func(context.Context) bool {
	return func(ctx context.Context) bool {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}
}
