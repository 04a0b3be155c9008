package connectivity

import (
	"context"
	"errors"
	"net"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

// Prober checks reachability once. A nil error means online.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// DialProber opens and closes a TCP connection to the API host.
type DialProber struct {
	Address string
	Timeout time.Duration

	dialer net.Dialer
}

// NewDialProber derives host:port from baseURL, defaulting the port from the
// scheme.
func NewDialProber(baseURL string, timeout time.Duration) (*DialProber, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, errors.New("connectivity: base URL has no host")
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return &DialProber{Address: net.JoinHostPort(u.Hostname(), port), Timeout: timeout}, nil
}

// Probe implements Prober.
func (p *DialProber) Probe(ctx context.Context) error {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	conn, err := p.dialer.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Watch feeds m from periodic probes until ctx is done. It stands in for an
// OS network-change signal on hosts that do not have one. It returns
// immediately; interval <= 0 disables it.
func Watch(ctx context.Context, m *Monitor, p Prober, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := p.Probe(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil && m.IsOnline() {
				log.Debug().Err(err).Msg("connectivity probe failed")
			}
			m.Report(err == nil)
		}
	}()
}
