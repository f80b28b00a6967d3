// Package reader defines the boundary to the listing provider.
package reader

import (
	"context"
	"fmt"

	"tickerflow/models"
)

// ListingFetcher returns the current venue listings of one asset.
type ListingFetcher interface {
	FetchListings(ctx context.Context, assetID string) (*models.Listings, error)
}

// FetchError is returned for any transport or decoding failure. The
// collector treats it as fatal.
type FetchError struct {
	Op         string
	AssetID    string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s for %s: status %d: %v", e.Op, e.AssetID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s for %s: %v", e.Op, e.AssetID, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
