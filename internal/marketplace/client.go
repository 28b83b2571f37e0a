package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	consulapi "github.com/hashicorp/consul/api"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gpufleet/lifecycle-controller/internal/config"
	consul_client "github.com/gpufleet/lifecycle-controller/internal/consul"
	"github.com/gpufleet/lifecycle-controller/internal/models"
)

// Source is the offer marketplace query API consumed by the controller.
// Queries must be idempotent and side-effect-free.
type Source interface {
	Query(ctx context.Context, region, tier string, priceCeiling decimal.Decimal) ([]models.Offer, error)
}

// LeaseState represents the marketplace-side state of a leased offer.
type LeaseState string

const (
	LeasePending LeaseState = "pending"
	LeaseBooting LeaseState = "booting"
	LeaseReady   LeaseState = "ready"
	LeaseFailed  LeaseState = "failed"
)

// Lease is the marketplace's record of one claimed offer being turned into a
// live instance.
type Lease struct {
	ID       uuid.UUID  `json:"id"`
	OfferID  uuid.UUID  `json:"offer_id"`
	State    LeaseState `json:"state"`
	Progress int        `json:"progress"`
	Message  string     `json:"message,omitempty"`
	Endpoint string     `json:"endpoint,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// Client is an HTTP client for the GPU marketplace service, discovered via
// Consul. It serves both offer queries and the lease operations candidate
// probes use to claim and release offers.
type Client struct {
	httpClient       *http.Client
	logger           *zap.Logger
	consulClient     *consulapi.Client
	targetService    string
	lastKnownAddress string
	mu               sync.RWMutex // protects lastKnownAddress
}

// NewClient creates a new marketplace client.
func NewClient(cfg *config.Config, consulClient *consulapi.Client, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.OfferQueryTimeout,
		},
		logger:        logger,
		consulClient:  consulClient,
		targetService: cfg.MarketplaceServiceName,
	}
}

// getServiceAddress discovers the marketplace service using Consul and
// returns a base URL, caching the last known address to reduce lookups.
func (c *Client) getServiceAddress() (string, error) {
	c.mu.RLock()
	if c.lastKnownAddress != "" {
		addr := c.lastKnownAddress
		c.mu.RUnlock()
		return addr, nil
	}
	c.mu.RUnlock()

	c.logger.Info("Discovering marketplace service via Consul", zap.String("service_name", c.targetService))
	serviceEntries, err := consul_client.DiscoverService(c.consulClient, c.targetService, c.logger)
	if err != nil {
		return "", fmt.Errorf("failed to discover %s service: %w", c.targetService, err)
	}

	// Simple load balancing: pick a random healthy instance
	selected := serviceEntries[rand.Intn(len(serviceEntries))]
	address := selected.Service.Address
	if address == "" {
		address = selected.Node.Address
	}
	serviceURL := fmt.Sprintf("http://%s:%d", address, selected.Service.Port)

	c.mu.Lock()
	c.lastKnownAddress = serviceURL
	c.mu.Unlock()

	c.logger.Info("Discovered marketplace service instance", zap.String("url", serviceURL))
	return serviceURL, nil
}

// invalidateAddress drops the cached address so the next call re-discovers.
func (c *Client) invalidateAddress() {
	c.mu.Lock()
	c.lastKnownAddress = ""
	c.mu.Unlock()
}

// Query fetches priced GPU offers matching the filters, ordered by the
// marketplace's own ranking. A zero priceCeiling means no ceiling.
func (c *Client) Query(ctx context.Context, region, tier string, priceCeiling decimal.Decimal) ([]models.Offer, error) {
	base, err := c.getServiceAddress()
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	if region != "" {
		q.Set("region", region)
	}
	if tier != "" {
		q.Set("tier", tier)
	}
	if priceCeiling.IsPositive() {
		q.Set("max_price", priceCeiling.String())
	}
	reqURL := fmt.Sprintf("%s/api/v1/offers?%s", base, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build offer query request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.invalidateAddress()
		return nil, fmt.Errorf("offer query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("offer query returned status %d", resp.StatusCode)
	}

	var offers []models.Offer
	if err := json.NewDecoder(resp.Body).Decode(&offers); err != nil {
		return nil, fmt.Errorf("failed to decode offer list: %w", err)
	}

	c.logger.Debug("Fetched offers from marketplace",
		zap.String("region", region),
		zap.String("tier", tier),
		zap.Int("count", len(offers)),
	)
	return offers, nil
}

// LeaseOffer claims an offer and begins provisioning it marketplace-side.
func (c *Client) LeaseOffer(ctx context.Context, offerID uuid.UUID) (*Lease, error) {
	base, err := c.getServiceAddress()
	if err != nil {
		return nil, err
	}
	reqURL := fmt.Sprintf("%s/api/v1/offers/%s/lease", base, offerID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build lease request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.invalidateAddress()
		return nil, fmt.Errorf("lease request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("lease request for offer %s returned status %d", offerID, resp.StatusCode)
	}

	var lease Lease
	if err := json.NewDecoder(resp.Body).Decode(&lease); err != nil {
		return nil, fmt.Errorf("failed to decode lease: %w", err)
	}
	return &lease, nil
}

// LeaseStatus polls the current state of a lease.
func (c *Client) LeaseStatus(ctx context.Context, leaseID uuid.UUID) (*Lease, error) {
	base, err := c.getServiceAddress()
	if err != nil {
		return nil, err
	}
	reqURL := fmt.Sprintf("%s/api/v1/leases/%s", base, leaseID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build lease status request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.invalidateAddress()
		return nil, fmt.Errorf("lease status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lease status for %s returned status %d", leaseID, resp.StatusCode)
	}

	var lease Lease
	if err := json.NewDecoder(resp.Body).Decode(&lease); err != nil {
		return nil, fmt.Errorf("failed to decode lease status: %w", err)
	}
	return &lease, nil
}

// LeaseStatusByOffer looks up the active lease for an offer.
func (c *Client) LeaseStatusByOffer(ctx context.Context, offerID uuid.UUID) (*Lease, error) {
	base, err := c.getServiceAddress()
	if err != nil {
		return nil, err
	}
	reqURL := fmt.Sprintf("%s/api/v1/offers/%s/lease", base, offerID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build lease lookup request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.invalidateAddress()
		return nil, fmt.Errorf("lease lookup request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lease lookup for offer %s returned status %d", offerID, resp.StatusCode)
	}

	var lease Lease
	if err := json.NewDecoder(resp.Body).Decode(&lease); err != nil {
		return nil, fmt.Errorf("failed to decode lease: %w", err)
	}
	return &lease, nil
}

// ReleaseLease releases a lease and any remote resources behind it.
func (c *Client) ReleaseLease(ctx context.Context, leaseID uuid.UUID) error {
	base, err := c.getServiceAddress()
	if err != nil {
		return err
	}
	reqURL := fmt.Sprintf("%s/api/v1/leases/%s", base, leaseID)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build lease release request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.invalidateAddress()
		return fmt.Errorf("lease release request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("lease release for %s returned status %d", leaseID, resp.StatusCode)
	}
	return nil
}

// waitBudget is a small helper to keep poll loops readable.
func waitBudget(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
