package dashboard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/goswarm/internal/mailbox"
)

// PeerNotifier pushes sent messages to every live peer dashboard on
// this host. Delivery is best-effort; the receiving side dedups by
// message id, so at-least-once is safe.
type PeerNotifier struct {
	stateDir string
	client   *http.Client
}

func NewPeerNotifier(stateDir string) *PeerNotifier {
	return &PeerNotifier{
		stateDir: stateDir,
		client:   &http.Client{Timeout: 3 * time.Second},
	}
}

// ForwardMessage implements mailbox.Forwarder.
func (p *PeerNotifier) ForwardMessage(msg mailbox.Message) {
	peers := DiscoverPeers(p.stateDir)
	if len(peers) == 0 {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	for _, peer := range peers {
		url := fmt.Sprintf("http://127.0.0.1:%d/api/messages/inbound", peer.Port)
		resp, err := p.client.Post(url, "application/json", bytes.NewReader(data))
		if err != nil {
			slog.Debug("dashboard.peer_forward_failed", "peer_pid", peer.PID, "error", err)
			continue
		}
		resp.Body.Close()
	}
}
