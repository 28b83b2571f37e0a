package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Offer is a priced, located GPU rental candidate returned by the marketplace
// offer service. Offers are immutable once produced; the race controller never
// mutates them, it only tracks its own attempt state in a Candidate.
type Offer struct {
	ID           uuid.UUID       `json:"id"`
	GPUModel     string          `json:"gpu_model"`
	VRAM         uint64          `json:"vram_mb"` // VRAM in Megabytes
	Region       string          `json:"region"`
	Tier         string          `json:"tier,omitempty"`
	PricePerHour decimal.Decimal `json:"price_per_hour"`
	// Reliability is the marketplace's historical success score for this
	// provider, in [0,1]. Used only as a tie-breaker after price.
	Reliability float64 `json:"reliability_score"`
}

// Instance is a committed GPU compute unit produced by a winning candidate.
type Instance struct {
	ID           uuid.UUID       `json:"id"`
	OfferID      uuid.UUID       `json:"offer_id"`
	GPUModel     string          `json:"gpu_model"`
	Region       string          `json:"region"`
	Tier         string          `json:"tier,omitempty"`
	PricePerHour decimal.Decimal `json:"price_per_hour"`
	// Endpoint is the reachable address of the instance (host:port).
	Endpoint  string    `json:"endpoint,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewInstance materializes an Instance from the offer that produced it.
func NewInstance(offer Offer, endpoint string) *Instance {
	return &Instance{
		ID:           uuid.New(),
		OfferID:      offer.ID,
		GPUModel:     offer.GPUModel,
		Region:       offer.Region,
		Tier:         offer.Tier,
		PricePerHour: offer.PricePerHour,
		Endpoint:     endpoint,
		CreatedAt:    time.Now().UTC(),
	}
}
