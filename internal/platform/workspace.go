package platform

import (
	"context"
	"time"

	"github.com/cpu-gm/canonical-deal-os-sub000/internal/audit"
	"github.com/cpu-gm/canonical-deal-os-sub000/internal/cache"
	"github.com/cpu-gm/canonical-deal-os-sub000/internal/flight"
)

// Workspace is the aggregated read view of one deal's side state.
type Workspace struct {
	DealID        string         `json:"dealId"`
	Documents     []Document     `json:"documents"`
	Distributions []Distribution `json:"distributions"`
	LocalEvents   []audit.Event  `json:"localEvents"`
}

type SideState interface {
	ListDocuments(ctx context.Context, dealID string) ([]Document, error)
	ListDistributions(ctx context.Context, dealID string) ([]Distribution, error)
}

// WorkspaceReader serves deal workspaces through the TTL cache, coalescing
// concurrent cold reads into a single load. Committed actions invalidate the
// "deal:{dealId}:" prefix, so the next read after a mutation rebuilds from
// storage.
type WorkspaceReader struct {
	Store SideState
	Audit audit.LocalLog
	Cache *cache.Cache
	TTL   time.Duration

	inflight flight.Group
}

// DealCachePrefix is the shared prefix of every cached read for one deal.
// Invalidating it after a mutation drops all of the deal's cached views.
func DealCachePrefix(dealID string) string {
	return "deal:" + dealID + ":"
}

func WorkspaceCacheKey(dealID string) string {
	return DealCachePrefix(dealID) + "workspace"
}

func (w *WorkspaceReader) Get(ctx context.Context, dealID string) (*Workspace, error) {
	key := WorkspaceCacheKey(dealID)
	if v, ok := w.Cache.Get(key); ok {
		return v.(*Workspace), nil
	}
	v, _, err := w.inflight.Run(key, func() (any, error) {
		ws, err := w.load(ctx, dealID)
		if err != nil {
			return nil, err
		}
		w.Cache.Set(key, ws, w.TTL)
		return ws, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Workspace), nil
}

func (w *WorkspaceReader) load(ctx context.Context, dealID string) (*Workspace, error) {
	docs, err := w.Store.ListDocuments(ctx, dealID)
	if err != nil {
		return nil, err
	}
	dists, err := w.Store.ListDistributions(ctx, dealID)
	if err != nil {
		return nil, err
	}
	events, err := w.Audit.ListLocal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []Document{}
	}
	if dists == nil {
		dists = []Distribution{}
	}
	if events == nil {
		events = []audit.Event{}
	}
	return &Workspace{
		DealID:        dealID,
		Documents:     docs,
		Distributions: dists,
		LocalEvents:   events,
	}, nil
}
