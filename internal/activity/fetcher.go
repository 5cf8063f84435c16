package activity

import (
	"context"
	"time"

	"github.com/inviterr/inviterr/internal/mediaserver"
	"github.com/inviterr/inviterr/internal/model"
)

// ServerDirectory resolves registered servers.
// *repository.ServerRepo satisfies it.
type ServerDirectory interface {
	GetByID(ctx context.Context, id uint64) (model.MediaServer, error)
}

// HistoryClientFunc builds a history source for one server.
type HistoryClientFunc func(server model.MediaServer) mediaserver.HistorySource

// HistoryFetcher is the production Fetcher: it looks the server up and
// pages its history endpoint.
type HistoryFetcher struct {
	servers ServerDirectory
	clients HistoryClientFunc
}

func NewHistoryFetcher(servers ServerDirectory, clients HistoryClientFunc) *HistoryFetcher {
	return &HistoryFetcher{servers: servers, clients: clients}
}

// FetchPage implements Fetcher.
func (f *HistoryFetcher) FetchPage(ctx context.Context, serverID uint64, from, to time.Time, offset, limit int) ([]HistoryEvent, error) {
	srv, err := f.servers.GetByID(ctx, serverID)
	if err != nil {
		return nil, err
	}
	entries, err := f.clients(srv).FetchHistory(ctx, from, to, offset, limit)
	if err != nil {
		return nil, err
	}
	events := make([]HistoryEvent, len(entries))
	for i, e := range entries {
		events[i] = HistoryEvent{
			SessionID:       e.SessionID,
			UserRef:         e.UserRef,
			MediaTitle:      e.MediaTitle,
			MediaType:       e.MediaType,
			StartedAt:       e.StartedAt,
			EndedAt:         e.EndedAt,
			FinalPositionMs: e.FinalPositionMs,
			ProgressPercent: e.ProgressPercent,
		}
	}
	return events, nil
}
