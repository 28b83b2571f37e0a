package standby

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"

	"github.com/google/uuid"
	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"

	"github.com/gpufleet/lifecycle-controller/internal/config"
	consul_client "github.com/gpufleet/lifecycle-controller/internal/consul"
	"github.com/gpufleet/lifecycle-controller/internal/models"
)

// Agent is the HTTP implementation of Provider, Syncer and TrafficSwitch.
// Unit creation and traffic switching go through the standby provisioner
// service (discovered via Consul); data movement talks directly to the
// workspace agent running on each unit and instance endpoint.
type Agent struct {
	apiClient      *http.Client // control-plane calls, bounded by RequestTimeout
	transferClient *http.Client // workspace transfers, no client-side timeout

	logger           *zap.Logger
	consulClient     *consulapi.Client
	targetService    string
	lastKnownAddress string
	mu               sync.RWMutex // protects lastKnownAddress
}

// NewAgent creates the HTTP standby agent.
func NewAgent(cfg *config.Config, consulClient *consulapi.Client, logger *zap.Logger) *Agent {
	return &Agent{
		apiClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		transferClient: &http.Client{},
		logger:         logger,
		consulClient:   consulClient,
		targetService:  cfg.StandbyProvisionerServiceName,
	}
}

// getServiceAddress discovers the provisioner service using Consul and
// returns a base URL, caching the last known address to reduce lookups.
func (a *Agent) getServiceAddress() (string, error) {
	a.mu.RLock()
	if a.lastKnownAddress != "" {
		addr := a.lastKnownAddress
		a.mu.RUnlock()
		return addr, nil
	}
	a.mu.RUnlock()

	a.logger.Info("Discovering standby provisioner via Consul", zap.String("service_name", a.targetService))
	serviceEntries, err := consul_client.DiscoverService(a.consulClient, a.targetService, a.logger)
	if err != nil {
		return "", fmt.Errorf("failed to discover %s service: %w", a.targetService, err)
	}

	selected := serviceEntries[rand.Intn(len(serviceEntries))]
	address := selected.Service.Address
	if address == "" {
		address = selected.Node.Address
	}
	serviceURL := fmt.Sprintf("http://%s:%d", address, selected.Service.Port)

	a.mu.Lock()
	a.lastKnownAddress = serviceURL
	a.mu.Unlock()

	a.logger.Info("Discovered standby provisioner instance", zap.String("url", serviceURL))
	return serviceURL, nil
}

func (a *Agent) invalidateAddress() {
	a.mu.Lock()
	a.lastKnownAddress = ""
	a.mu.Unlock()
}

// postJSON posts a JSON body and decodes the JSON response into out (when out
// is non-nil). The cached provisioner address is invalidated on transport
// errors so the next call re-discovers.
func (a *Agent) postJSON(ctx context.Context, client *http.Client, reqURL string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		a.invalidateAddress()
		return fmt.Errorf("request to %s failed: %w", reqURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("request to %s returned status %d", reqURL, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", reqURL, err)
	}
	return nil
}

// CreateUnit asks the provisioner for a new always-on compute unit.
func (a *Agent) CreateUnit(ctx context.Context, region, machineType string) (uuid.UUID, string, error) {
	base, err := a.getServiceAddress()
	if err != nil {
		return uuid.Nil, "", err
	}

	var created struct {
		ID       uuid.UUID `json:"id"`
		Endpoint string    `json:"endpoint"`
	}
	reqBody := map[string]string{
		"region":       region,
		"machine_type": machineType,
	}
	if err := a.postJSON(ctx, a.apiClient, base+"/api/v1/units", reqBody, &created); err != nil {
		return uuid.Nil, "", fmt.Errorf("creating standby unit: %w", err)
	}

	a.logger.Info("Standby unit created by provisioner",
		zap.String("unit_id", created.ID.String()),
		zap.String("region", region),
		zap.String("machine_type", machineType),
	)
	return created.ID, created.Endpoint, nil
}

// DestroyUnit releases a compute unit back to the provisioner.
func (a *Agent) DestroyUnit(ctx context.Context, unitID uuid.UUID) error {
	base, err := a.getServiceAddress()
	if err != nil {
		return err
	}
	reqURL := fmt.Sprintf("%s/api/v1/units/%s", base, unitID)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build destroy request: %w", err)
	}

	resp, err := a.apiClient.Do(req)
	if err != nil {
		a.invalidateAddress()
		return fmt.Errorf("destroy request for unit %s failed: %w", unitID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("destroy request for unit %s returned status %d", unitID, resp.StatusCode)
	}
	return nil
}

// Stage tells the unit's workspace agent to pull a copy of the instance's
// workspace into its staging area. The serving copy is untouched until
// Promote.
func (a *Agent) Stage(ctx context.Context, inst *models.Instance, unit *models.StandbyUnit) (string, error) {
	var staged struct {
		StagingRef string `json:"staging_ref"`
	}
	reqBody := map[string]string{
		"source_endpoint": inst.Endpoint,
	}
	reqURL := fmt.Sprintf("http://%s/sync/stage", unit.Endpoint)
	if err := a.postJSON(ctx, a.transferClient, reqURL, reqBody, &staged); err != nil {
		return "", fmt.Errorf("staging workspace on unit %s: %w", unit.ID, err)
	}
	return staged.StagingRef, nil
}

// Promote swaps the staged copy into the unit's serving copy.
func (a *Agent) Promote(ctx context.Context, unit *models.StandbyUnit, stagingRef string) error {
	reqBody := map[string]string{
		"staging_ref": stagingRef,
	}
	reqURL := fmt.Sprintf("http://%s/sync/promote", unit.Endpoint)
	if err := a.postJSON(ctx, a.apiClient, reqURL, reqBody, nil); err != nil {
		return fmt.Errorf("promoting staged copy on unit %s: %w", unit.ID, err)
	}
	return nil
}

// Export streams the unit's serving copy as a tar archive. The caller owns
// the returned reader.
func (a *Agent) Export(ctx context.Context, unit *models.StandbyUnit) (io.ReadCloser, int64, error) {
	reqURL := fmt.Sprintf("http://%s/workspace/export", unit.Endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build export request: %w", err)
	}

	resp, err := a.transferClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("export request for unit %s failed: %w", unit.ID, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("export request for unit %s returned status %d", unit.ID, resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}

// Push tells the unit's workspace agent to copy its serving copy onto the
// target instance's workspace.
func (a *Agent) Push(ctx context.Context, unit *models.StandbyUnit, target *models.Instance) error {
	reqBody := map[string]string{
		"target_endpoint": target.Endpoint,
	}
	reqURL := fmt.Sprintf("http://%s/sync/push", unit.Endpoint)
	if err := a.postJSON(ctx, a.transferClient, reqURL, reqBody, nil); err != nil {
		return fmt.Errorf("pushing workspace from unit %s to instance %s: %w", unit.ID, target.ID, err)
	}
	return nil
}

// ServeFromStandby points the serving path at the standby unit.
func (a *Agent) ServeFromStandby(ctx context.Context, unit *models.StandbyUnit) error {
	base, err := a.getServiceAddress()
	if err != nil {
		return err
	}
	reqBody := map[string]string{
		"serve_from": "standby",
		"unit_id":    unit.ID.String(),
		"endpoint":   unit.Endpoint,
	}
	if err := a.postJSON(ctx, a.apiClient, base+"/api/v1/traffic", reqBody, nil); err != nil {
		return fmt.Errorf("switching traffic to standby %s: %w", unit.ID, err)
	}
	return nil
}

// ServeFromInstance points the serving path back at a GPU instance.
func (a *Agent) ServeFromInstance(ctx context.Context, inst *models.Instance) error {
	base, err := a.getServiceAddress()
	if err != nil {
		return err
	}
	reqBody := map[string]string{
		"serve_from":  "instance",
		"instance_id": inst.ID.String(),
		"endpoint":    inst.Endpoint,
	}
	if err := a.postJSON(ctx, a.apiClient, base+"/api/v1/traffic", reqBody, nil); err != nil {
		return fmt.Errorf("switching traffic to instance %s: %w", inst.ID, err)
	}
	return nil
}

var _ Provider = (*Agent)(nil)
var _ Syncer = (*Agent)(nil)
var _ TrafficSwitch = (*Agent)(nil)
