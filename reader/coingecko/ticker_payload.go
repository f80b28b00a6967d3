package coingecko

import (
	"errors"
	"fmt"

	"tickerflow/models"
)

// tickersPayload is the body of GET /coins/{id}/tickers. Only the fields the
// collector persists are declared.
type tickersPayload struct {
	Name    string           `json:"name"`
	Tickers *[]tickerPayload `json:"tickers"`
}

type tickerPayload struct {
	Base                   string         `json:"base"`
	Target                 *string        `json:"target"`
	Market                 *marketPayload `json:"market"`
	Volume                 *float64       `json:"volume"`
	BidAskSpreadPercentage *float64       `json:"bid_ask_spread_percentage"`
	IsAnomaly              bool           `json:"is_anomaly"`
	IsStale                bool           `json:"is_stale"`
}

type marketPayload struct {
	Name       string `json:"name"`
	Identifier string `json:"identifier"`
}

var errMissingTickers = errors.New("response has no tickers array")

// toListings converts the payload, rejecting tickers that lack the fields
// every series row needs. A null spread maps to models.MissingSpread.
func (p *tickersPayload) toListings(assetID string) (*models.Listings, error) {
	if p.Tickers == nil {
		return nil, errMissingTickers
	}

	records := make([]models.ListingRecord, 0, len(*p.Tickers))
	for i, t := range *p.Tickers {
		if t.Market == nil {
			return nil, fmt.Errorf("ticker %d: missing market", i)
		}
		if t.Target == nil {
			return nil, fmt.Errorf("ticker %d: missing target", i)
		}
		if t.Volume == nil {
			return nil, fmt.Errorf("ticker %d: missing volume", i)
		}

		spread := models.MissingSpread
		if t.BidAskSpreadPercentage != nil {
			spread = *t.BidAskSpreadPercentage
		}

		records = append(records, models.ListingRecord{
			VenueName:     t.Market.Name,
			CounterAsset:  *t.Target,
			Volume:        *t.Volume,
			SpreadPercent: spread,
			IsAnomaly:     t.IsAnomaly,
			IsStale:       t.IsStale,
		})
	}

	return &models.Listings{
		AssetID:   assetID,
		AssetName: p.Name,
		Records:   records,
	}, nil
}
