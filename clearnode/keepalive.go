package clearnode

import (
	"context"
	"sync"
	"time"
)

// DefaultKeepAliveInterval is how often liveness probes are issued.
const DefaultKeepAliveInterval = 30 * time.Second

// KeepAlive issues signed pings on a fixed interval while the connection
// stays open. Pings are best-effort: a failed ping is swallowed, never
// surfaced. Once the connection is no longer open the scheduler stops on its
// own, so no periodic work leaks past teardown.
type KeepAlive struct {
	conn     *Conn
	interval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

func NewKeepAlive(conn *Conn, interval time.Duration) *KeepAlive {
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	return &KeepAlive{
		conn:     conn,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start begins probing in the background.
func (k *KeepAlive) Start() {
	go k.loop()
}

func (k *KeepAlive) loop() {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-k.stop:
			return
		case <-ticker.C:
			if !k.conn.IsConnected() {
				return
			}
			if err := k.conn.Ping(context.Background()); err != nil {
				k.conn.logger.Debug("keepalive ping failed", map[string]any{"err": err.Error()})
			}
		}
	}
}

// Stop halts probing. Safe to call multiple times and after the scheduler
// already stopped itself.
func (k *KeepAlive) Stop() {
	k.stopOnce.Do(func() { close(k.stop) })
}
