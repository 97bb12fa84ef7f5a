package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrDropped is returned when the partition filter blocks an outbound call
// before any bytes touch the network. Callers treat it exactly like a timeout:
// no answer this round.
var ErrDropped = errors.New("dropped by partition filter")

// DefaultTimeout is the per-RPC deadline for votes and heartbeats.
const DefaultTimeout = 100 * time.Millisecond

// PeerClient is the RPC fabric: one logical client per peer, addressed by id.
// There are no retries at this layer; protocol layers re-send on their own
// cadence.
type PeerClient struct {
	// peers maps peer id to base address, e.g. 2 -> "localhost:8002"
	peers      map[uint32]string
	filter     *PartitionFilter
	httpClient *http.Client
}

func NewPeerClient(peers map[uint32]string, filter *PartitionFilter) *PeerClient {
	return &PeerClient{
		peers:  peers,
		filter: filter,
		// no Timeout on the client itself: each call carries its own deadline
		httpClient: &http.Client{},
	}
}

// Post sends one JSON request to a peer with the default deadline and decodes
// the JSON reply into out (out may be nil for fire-and-forget endpoints).
func (c *PeerClient) Post(peerID uint32, path string, in, out any) error {
	return c.PostWithTimeout(peerID, path, in, out, DefaultTimeout)
}

// PostWithTimeout is Post with an explicit deadline, used by replication calls
// whose payloads grow with the number of entries.
func (c *PeerClient) PostWithTimeout(peerID uint32, path string, in, out any, timeout time.Duration) error {
	if c.filter != nil && c.filter.Blocked(peerID) {
		return ErrDropped
	}

	addr, ok := c.peers[peerID]
	if !ok {
		return fmt.Errorf("unknown peer ID: %d", peerID)
	}

	data, err := json.Marshal(in)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s%s", addr, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// PeerIDs lists the ids this client can reach, in no particular order.
func (c *PeerClient) PeerIDs() []uint32 {
	ids := make([]uint32, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	return ids
}
