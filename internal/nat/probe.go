package nat

import (
	"context"
	"net"
	"strconv"
	"time"
)

// ProbeResult is the outcome of a reachability probe.
type ProbeResult struct {
	Address   string        `json:"address"`
	Port      int           `json:"port"`
	Protocol  string        `json:"protocol"`
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency"`
	Message   string        `json:"message"`
}

// Prober checks whether an internal service answers.
type Prober interface {
	Probe(ctx context.Context, address string, port int, protocol string, timeout time.Duration) ProbeResult
}

// NetProber dials from this host. TCP needs a completed handshake; UDP only
// proves the datagram could be sent.
type NetProber struct{}

// Probe implements Prober.
func (NetProber) Probe(ctx context.Context, address string, port int, protocol string, timeout time.Duration) ProbeResult {
	res := ProbeResult{Address: address, Port: port, Protocol: protocol}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var d net.Dialer
	conn, err := d.DialContext(ctx, protocol, net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		res.Message = err.Error()
		return res
	}
	defer conn.Close()

	if protocol == "udp" {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
		if _, err := conn.Write([]byte("ping")); err != nil {
			res.Message = err.Error()
			return res
		}
		res.Reachable = true
		res.Latency = time.Since(start)
		res.Message = "datagram sent, no answer expected"
		return res
	}

	res.Reachable = true
	res.Latency = time.Since(start)
	res.Message = "connection established"
	return res
}

// StaticProber answers every probe with Reachable.
type StaticProber struct {
	Reachable bool
}

// Probe implements Prober.
func (p StaticProber) Probe(_ context.Context, address string, port int, protocol string, _ time.Duration) ProbeResult {
	msg := "connection refused"
	if p.Reachable {
		msg = "connection established"
	}
	return ProbeResult{Address: address, Port: port, Protocol: protocol, Reachable: p.Reachable, Message: msg}
}
