// SPDX-License-Identifier: MIT

package portreg

import (
	"net"
	"strconv"

	"golang.org/x/sync/singleflight"
)

// Prober answers whether the OS currently has a listener on a port. Probes
// may block briefly, so the registry always calls them outside its lock.
type Prober interface {
	InUse(port int) bool
}

// LoopbackProber checks availability by attempting a TCP bind on 127.0.0.1.
// Concurrent probes of the same port collapse into one bind attempt.
type LoopbackProber struct {
	sf singleflight.Group
}

// NewLoopbackProber returns the default OS prober.
func NewLoopbackProber() *LoopbackProber { return &LoopbackProber{} }

// InUse reports true when the port cannot be bound on loopback. A successful
// bind is closed immediately; the caller owns the inherent race between probe
// and actual use.
func (p *LoopbackProber) InUse(port int) bool {
	key := strconv.Itoa(port)
	v, _, _ := p.sf.Do(key, func() (any, error) {
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", key))
		if err != nil {
			return true, nil
		}
		_ = ln.Close()
		return false, nil
	})
	return v.(bool)
}
