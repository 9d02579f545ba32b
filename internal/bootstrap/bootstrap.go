// Package bootstrap assembles listings and engines from configuration for
// the service binaries.
package bootstrap

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-auctions/internal/auction"
	"github.com/robertarktes/ticket-auctions/internal/clock"
	"github.com/robertarktes/ticket-auctions/internal/config"
	"github.com/robertarktes/ticket-auctions/internal/domain"
	"golang.org/x/sync/errgroup"
)

const (
	DemoEventID   = "demo"
	DemoEventName = "Demo Event"
)

// Catalog resolves an event into its tier listings.
type Catalog interface {
	Listings(ctx context.Context, eventID string) ([]domain.Listing, error)
}

// Listings loads the configured catalog events concurrently, preserving the
// configured order. Without a catalog or event ids, a demo event is seeded at
// cfg.DemoEventAt, or cfg.DemoEventIn after now when that is unset.
func Listings(ctx context.Context, cfg *config.Config, catalog Catalog, now time.Time) ([]domain.Listing, error) {
	if catalog == nil || len(cfg.CatalogEventIDs) == 0 {
		at := cfg.DemoEventAt
		if at.IsZero() {
			at = now.Add(cfg.DemoEventIn)
		}
		return auction.DefaultListings(DemoEventID, DemoEventName, at)
	}

	perEvent := make([][]domain.Listing, len(cfg.CatalogEventIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range cfg.CatalogEventIDs {
		i, id := i, id
		g.Go(func() error {
			ls, err := catalog.Listings(gctx, id)
			if err != nil {
				return errors.Wrapf(err, "load catalog event %s", id)
			}
			perEvent[i] = ls
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []domain.Listing
	for _, ls := range perEvent {
		out = append(out, ls...)
	}
	return out, nil
}

// Registry builds one engine per listing over a shared store.
func Registry(ctx context.Context, listings []domain.Listing, store auction.Store, clk clock.Clock, opts ...auction.Option) (*auction.Registry, error) {
	reg := auction.NewRegistry()
	for _, l := range listings {
		e, err := auction.NewEngine(ctx, l, store, clk, opts...)
		if err != nil {
			return nil, err
		}
		if err := reg.Add(e); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
