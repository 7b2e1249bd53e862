//go:build linux

package unitstatus

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Prober holds one system bus connection. It is safe for concurrent use.
type Prober struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

// Open connects to the system bus.
func Open(ctx context.Context) (*Prober, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return &Prober{conn: conn}, nil
}

// Probe returns the unit's state. Unknown units are reported as not-found,
// not as an error.
func (p *Prober) Probe(ctx context.Context, name string) (Status, error) {
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()
	if conn == nil {
		return Status{}, ErrClosed
	}

	unit := UnitName(name)
	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return notFound(unit), nil
		}
		return Status{}, fmt.Errorf("status of %s: %w", unit, err)
	}
	st := fromProps(unit, props)
	if !st.Found() {
		return notFound(unit), nil
	}
	return st, nil
}

func (p *Prober) Close() error {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return nil
}
