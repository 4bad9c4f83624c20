package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"sync_core/internal/domain"

	"go.uber.org/zap"
)

// poller periodically fetches domain snapshots over REST. It runs on its
// own timer, independent of message and presence traffic; a failed cycle
// is logged and skipped, never propagated.
type poller struct {
	base string
	http *http.Client
	log  *zap.SugaredLogger
}

func newPoller(base string, client *http.Client, log *zap.SugaredLogger) *poller {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &poller{base: base, http: client, log: log}
}

func (p *poller) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func (p *poller) FetchSnapshot(ctx context.Context) (*DomainSnapshot, error) {
	var tasks []domain.Task
	if err := p.getJSON(ctx, "/tasks", &tasks); err != nil {
		return nil, err
	}
	var projects []domain.Project
	if err := p.getJSON(ctx, "/projects", &projects); err != nil {
		return nil, err
	}
	return &DomainSnapshot{Tasks: tasks, Projects: projects, FetchedAt: time.Now().UTC()}, nil
}

func (p *poller) FetchTeam(ctx context.Context) ([]domain.Peer, error) {
	var team []domain.PeerStatus
	if err := p.getJSON(ctx, "/team", &team); err != nil {
		return nil, err
	}
	peers := make([]domain.Peer, len(team))
	for i, m := range team {
		// the raw is_online flag is deliberately dropped: liveness is
		// recomputed locally from last_seen_at
		peers[i] = m.Peer
	}
	return peers, nil
}
