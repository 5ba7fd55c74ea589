// Package collector fetches normalized market snapshots from the upstream
// intelligence service (the scrape-and-score side of the pipeline).
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/voxmill/marketwatch/internal/models"
)

// ErrCollection marks upstream data-acquisition failures. The runner aborts the
// cycle on any error wrapping it; previous state stays authoritative.
var ErrCollection = errors.New("collector: upstream unavailable")

// Client provides access to the intelligence service snapshot API.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	maxRetries     int
	retryDelayBase time.Duration
}

// snapshotPayload is the wire format served by the intelligence service.
type snapshotPayload struct {
	CapturedAt time.Time         `json:"captured_at"`
	Properties []propertyPayload `json:"properties"`
}

type propertyPayload struct {
	ListingID    string   `json:"listing_id"`
	Address      string   `json:"address"`
	Price        float64  `json:"price"`
	PricePerSqft float64  `json:"price_per_sqft"`
	Beds         int      `json:"beds"`
	Baths        int      `json:"baths"`
	PropertyType string   `json:"property_type"`
	DealScore    *float64 `json:"deal_score,omitempty"`
	DaysOnMarket int      `json:"days_on_market"`
	Source       string   `json:"source"`
}

// NewClient creates a snapshot API client.
func NewClient(baseURL string, timeout time.Duration, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		baseURL:        baseURL,
		httpClient:     &http.Client{Timeout: timeout},
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}
}

// FetchSnapshot retrieves the current observation for one monitored market and
// maps it into an immutable MarketSnapshot. exceptionalScore is the deal-score
// bar used for the snapshot's hot-deal aggregate.
func (c *Client) FetchSnapshot(ctx context.Context, entity models.Entity, exceptionalScore float64) (*models.MarketSnapshot, error) {
	u, err := url.Parse(c.baseURL + "/v1/snapshots")
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base URL: %v", ErrCollection, err)
	}
	q := u.Query()
	q.Set("vertical", entity.Vertical)
	q.Set("area", entity.Area)
	q.Set("city", entity.City)
	u.RawQuery = q.Encode()

	resp, err := c.doRequest(ctx, u.String())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrCollection, resp.StatusCode)
	}

	var payload snapshotPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: failed to decode snapshot: %v", ErrCollection, err)
	}

	capturedAt := payload.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}

	properties := make([]models.PropertyRecord, 0, len(payload.Properties))
	for _, p := range payload.Properties {
		id := p.ListingID
		if id == "" {
			id = p.Address
		}
		properties = append(properties, models.PropertyRecord{
			ID:             id,
			Address:        p.Address,
			Price:          p.Price,
			PricePerSqft:   p.PricePerSqft,
			Beds:           p.Beds,
			Baths:          p.Baths,
			PropertyType:   p.PropertyType,
			DealScore:      p.DealScore,
			ListingAgeDays: p.DaysOnMarket,
			Source:         p.Source,
		})
	}

	return models.NewMarketSnapshot(entity, capturedAt, properties, exceptionalScore), nil
}

// doRequest performs the HTTP request with linear-backoff retry on transport
// errors and 5xx responses.
func (c *Client) doRequest(ctx context.Context, urlStr string) (*http.Response, error) {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCollection, err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrCollection, ctx.Err())
			case <-time.After(c.retryDelayBase * time.Duration(i+1)):
			}
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrCollection, ctx.Err())
			case <-time.After(c.retryDelayBase * time.Duration(i+1)):
			}
			continue
		}

		return resp, nil
	}
	return nil, fmt.Errorf("%w: max retries exceeded: %v", ErrCollection, lastErr)
}
