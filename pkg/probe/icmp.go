package probe

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// ICMPProber sends a single ICMP echo request. Used as the fallback when a
// VM's HTTP agent is unreachable but the host may still be up. Requires
// either root or the unprivileged ICMP sysctl (net.ipv4.ping_group_range).
type ICMPProber struct {
	// Addr is the target IP address
	Addr string

	// Timeout bounds the echo round trip
	Timeout time.Duration
}

// NewICMPProber creates an ICMP echo prober
func NewICMPProber(addr string, timeout time.Duration) *ICMPProber {
	return &ICMPProber{Addr: addr, Timeout: timeout}
}

// Probe sends one echo request and waits for the reply
func (p *ICMPProber) Probe(ctx context.Context) Result {
	start := time.Now()

	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		// Fall back to a raw socket when the unprivileged path is closed
		conn, err = icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	}
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("icmp listen failed: %v", err),
			CheckedAt: start,
			RTT:       time.Since(start),
		}
	}
	defer conn.Close()

	deadline := time.Now().Add(p.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  1,
			Data: []byte("decloud-probe"),
		},
	}

	data, err := msg.Marshal(nil)
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("icmp marshal failed: %v", err), CheckedAt: start, RTT: time.Since(start)}
	}

	dst := &net.UDPAddr{IP: net.ParseIP(p.Addr)}
	if _, err := conn.WriteTo(data, dst); err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("icmp send failed: %v", err), CheckedAt: start, RTT: time.Since(start)}
	}

	reply := make([]byte, 1500)
	n, _, err := conn.ReadFrom(reply)
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("icmp receive failed: %v", err), CheckedAt: start, RTT: time.Since(start)}
	}

	rtt := time.Since(start)

	parsed, err := icmp.ParseMessage(1, reply[:n])
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("icmp parse failed: %v", err), CheckedAt: start, RTT: rtt}
	}

	if parsed.Type != ipv4.ICMPTypeEchoReply {
		return Result{Healthy: false, Message: fmt.Sprintf("unexpected icmp reply type: %v", parsed.Type), CheckedAt: start, RTT: rtt}
	}

	return Result{
		Healthy:   true,
		Message:   "echo reply",
		CheckedAt: start,
		RTT:       rtt,
	}
}

// Kind returns the probe type
func (p *ICMPProber) Kind() Kind {
	return KindICMP
}
