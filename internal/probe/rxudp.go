package probe

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"time"
)

// Rx wire constants used by the debug VERSION exchange.
const (
	rxHeaderSize        = 28
	rxPacketTypeVersion = 13
	rxClientInitiated   = 1
	rxLastPacket        = 4
	rxDebugEpoch        = 999
	rxVersionMax        = 65
)

// DefaultUDPTimeout bounds an RxUDP probe when ctx carries no deadline.
const DefaultUDPTimeout = 10 * time.Second

var errShortPacket = errors.New("short rx packet")

// RxUDP speaks the Rx debug VERSION exchange directly over UDP, the same
// request rxdebug -version sends. It needs no external program.
type RxUDP struct {
	Timeout time.Duration
}

var _ Prober = (*RxUDP)(nil)

func (u *RxUDP) Probe(ctx context.Context, address string, port int) Outcome {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return Unreachable(err)
	}
	defer func() { _ = conn.Close() }()

	deadline, ok := ctx.Deadline()
	if !ok {
		timeout := u.Timeout
		if timeout <= 0 {
			timeout = DefaultUDPTimeout
		}
		deadline = time.Now().Add(timeout)
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	call := rand.Uint32()
	if _, err := conn.Write(versionRequest(call)); err != nil {
		return Unreachable(err)
	}

	buf := make([]byte, 1500)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return Unreachable(ctx.Err())
			}
			return Unreachable(err)
		}
		v, err := parseVersionReply(buf[:n], call)
		if err != nil {
			// runt or stray packet for another call; keep waiting
			continue
		}
		if v == "" {
			return Unreachable(ErrNoVersion)
		}
		return Reply(v)
	}
}

// versionRequest encodes an Rx header of type VERSION followed by one zero word.
func versionRequest(call uint32) []byte {
	b := make([]byte, rxHeaderSize+4)
	binary.BigEndian.PutUint32(b[0:], rxDebugEpoch)
	// cid, seq, serial stay zero
	binary.BigEndian.PutUint32(b[8:], call)
	b[20] = rxPacketTypeVersion
	b[21] = rxClientInitiated | rxLastPacket
	return b
}

func parseVersionReply(b []byte, call uint32) (string, error) {
	if len(b) < rxHeaderSize {
		return "", errShortPacket
	}
	if b[20] != rxPacketTypeVersion {
		return "", fmt.Errorf("unexpected packet type %d", b[20])
	}
	if got := binary.BigEndian.Uint32(b[8:]); got != call {
		return "", fmt.Errorf("call number mismatch: %d != %d", got, call)
	}
	payload := b[rxHeaderSize:]
	if len(payload) > rxVersionMax {
		payload = payload[:rxVersionMax]
	}
	if i := bytes.IndexByte(payload, 0); i >= 0 {
		payload = payload[:i]
	}
	return strings.TrimSpace(string(payload)), nil
}
