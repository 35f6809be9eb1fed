package connectivity

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/kimhsiao/judgesync/internal/logging"
)

const (
	defaultPingPeriod = 10 * time.Second
	defaultWriteWait  = 5 * time.Second
)

// Prober keeps a websocket open to the server's heartbeat endpoint and
// drives a Monitor from it: connected means online, a failed dial or a
// broken read loop means offline.
type Prober struct {
	url        string
	monitor    *Monitor
	dialer     *websocket.Dialer
	limiter    *rate.Limiter
	pingPeriod time.Duration
	pongWait   time.Duration
	header     http.Header
	log        *logging.Logger
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithRedialLimit bounds how often the prober re-dials after a failure.
func WithRedialLimit(every time.Duration, burst int) ProberOption {
	return func(p *Prober) { p.limiter = rate.NewLimiter(rate.Every(every), burst) }
}

// WithPingPeriod sets the heartbeat interval. The connection is declared
// dead when no pong arrives within two periods.
func WithPingPeriod(d time.Duration) ProberOption {
	return func(p *Prober) {
		p.pingPeriod = d
		p.pongWait = 2 * d
	}
}

// WithHeader adds headers sent on every dial.
func WithHeader(h http.Header) ProberOption {
	return func(p *Prober) { p.header = h }
}

// NewProber creates a prober for a ws:// or wss:// heartbeat url.
func NewProber(url string, monitor *Monitor, opts ...ProberOption) *Prober {
	p := &Prober{
		url:        url,
		monitor:    monitor,
		dialer:     &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(2*time.Second), 1),
		pingPeriod: defaultPingPeriod,
		pongWait:   2 * defaultPingPeriod,
		log:        logging.Get().With(map[string]interface{}{"component": "connectivity_prober"}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run dials and holds the heartbeat connection until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			// Wait fails early when the next token lands past the deadline.
			<-ctx.Done()
			return ctx.Err()
		}

		conn, _, err := p.dialer.DialContext(ctx, p.url, p.header)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Debug("Heartbeat dial failed", map[string]interface{}{"error": err.Error()})
			p.monitor.Set(false)
			continue
		}

		p.monitor.Set(true)
		err = p.hold(ctx, conn)
		p.monitor.Set(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Info("Heartbeat connection lost", map[string]interface{}{"error": errString(err)})
	}
}

// hold pings the server and reads until the connection breaks or ctx ends.
func (p *Prober) hold(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(p.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(p.pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(p.pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(defaultWriteWait))
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteWait)); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
