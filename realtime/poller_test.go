package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sync_core/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPollerFetchSnapshot(t *testing.T) {
	due := time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tasks":
			json.NewEncoder(w).Encode([]domain.Task{
				{ID: "T1", Title: "ship it", Status: "open", DueDate: due},
			})
		case "/projects":
			json.NewEncoder(w).Encode([]domain.Project{
				{ID: "PR1", Name: "launch", Status: "open"},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := newPoller(srv.URL, srv.Client(), zap.NewNop().Sugar())
	snap, err := p.FetchSnapshot(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, "T1", snap.Tasks[0].ID)
	assert.True(t, snap.Tasks[0].DueDate.Equal(due))
	require.Len(t, snap.Projects, 1)
	assert.True(t, snap.Projects[0].Deadline.IsZero(), "absent deadline stays zero")
	assert.False(t, snap.FetchedAt.IsZero())
}

func TestPollerFetchTeamDropsServerLiveness(t *testing.T) {
	lastSeen := time.Now().UTC().Add(-time.Minute)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/team", r.URL.Path)
		json.NewEncoder(w).Encode([]domain.PeerStatus{
			{Peer: domain.Peer{ID: "p1", DisplayName: "Alice", LastSeenAt: lastSeen}, IsOnline: true},
			{Peer: domain.Peer{ID: "p2", DisplayName: "Bob"}, IsOnline: true},
		})
	}))
	defer srv.Close()

	p := newPoller(srv.URL, srv.Client(), zap.NewNop().Sugar())
	peers, err := p.FetchTeam(context.Background())
	require.NoError(t, err)

	// only identity and last-seen come through; the server's own online
	// flag never short-circuits the local liveness computation
	require.Len(t, peers, 2)
	assert.Equal(t, "Alice", peers[0].DisplayName)
	assert.True(t, peers[0].LastSeenAt.Equal(lastSeen))
	assert.True(t, peers[1].LastSeenAt.IsZero())
}

func TestPollerErrorPaths(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tasks":
			w.WriteHeader(http.StatusInternalServerError)
		case "/team":
			w.Write([]byte("not json"))
		}
	}))
	defer srv.Close()

	p := newPoller(srv.URL, srv.Client(), zap.NewNop().Sugar())

	_, err := p.FetchSnapshot(context.Background())
	assert.ErrorContains(t, err, "unexpected status 500")

	_, err = p.FetchTeam(context.Background())
	assert.ErrorContains(t, err, "failed to decode")
}
