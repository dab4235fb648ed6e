package mesh

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	dialTimeout  = 3 * time.Second
	sendTimeout  = 5 * time.Second
)

// wireEnvelope carries a Send call's target peer alongside the Envelope
// itself, since the local mesh daemon needs the destination even though
// Envelope only names the sender.
type wireEnvelope struct {
	Peer     string   `json:"peer"`
	Envelope Envelope `json:"envelope"`
}

// SocketClient is the production mesh.Client: it hands one request/reply
// pair per Send call to a local mesh daemon over a Unix domain socket,
// newline-delimited JSON in both directions, the same framing
// ledger.SocketClient uses for its fire-and-forget events. Unlike the
// ledger client, a fleet coordinator call is request/response and must
// observe the peer's reply (or its absence) synchronously, so each Send
// opens its own short-lived connection rather than sharing one persistent
// pipe — matching spec §6's framing that the mesh transport's reliability
// semantics are out of scope, only the envelope shapes are pinned down.
type SocketClient struct {
	socketPath string
	mu         sync.Mutex
}

// NewSocketClient creates a SocketClient dialing socketPath per Send.
func NewSocketClient(socketPath string) *SocketClient {
	return &SocketClient{socketPath: socketPath}
}

func (c *SocketClient) Send(ctx context.Context, peer string, env Envelope) (Envelope, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return Envelope{}, fmt.Errorf("mesh: dial %q: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(sendTimeout)
	}
	_ = conn.SetDeadline(deadline)

	data, err := json.Marshal(wireEnvelope{Peer: peer, Envelope: env})
	if err != nil {
		return Envelope{}, fmt.Errorf("mesh: marshal envelope: %w", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return Envelope{}, fmt.Errorf("mesh: write to %q: %w", peer, err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return Envelope{}, fmt.Errorf("mesh: read reply from %q: %w", peer, err)
	}

	var reply Envelope
	if err := json.Unmarshal(line, &reply); err != nil {
		return Envelope{}, fmt.Errorf("mesh: unmarshal reply from %q: %w", peer, err)
	}
	return reply, nil
}

var _ Client = (*SocketClient)(nil)
