package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/devherd/herd/pkg/events"
	"github.com/devherd/herd/pkg/log"
	"github.com/devherd/herd/pkg/storage"
	"github.com/devherd/herd/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultTokenTTL is how long an issued credential stays valid.
const DefaultTokenTTL = 24 * time.Hour

// Metadata carries the informational device descriptors sent at registration.
type Metadata struct {
	Name         string            `json:"deviceName"`
	Manufacturer string            `json:"manufacturer,omitempty"`
	Model        string            `json:"model,omitempty"`
	OSVersion    string            `json:"osVersion,omitempty"`
	AppVersion   string            `json:"appVersion,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// Registry tracks known devices, their credentials and presence state.
type Registry struct {
	store    storage.Store
	tokens   *TokenManager
	broker   *events.Broker
	tokenTTL time.Duration
	logger   zerolog.Logger
}

// New creates a device registry backed by the given store
func New(store storage.Store, broker *events.Broker, tokenTTL time.Duration) *Registry {
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	return &Registry{
		store:    store,
		tokens:   NewTokenManager(),
		broker:   broker,
		tokenTTL: tokenTTL,
		logger:   log.WithComponent("registry"),
	}
}

// Register creates or updates a device and issues a fresh credential.
// Registration is idempotent on deviceID: re-registering updates metadata and
// reissues the credential rather than erroring.
func (r *Registry) Register(deviceID string, meta Metadata) (*Credential, error) {
	now := time.Now()

	device, err := r.store.GetDevice(deviceID)
	if err != nil {
		// Only an absent device means "first registration". Any other read
		// failure must surface: rebuilding the row here would wipe the
		// presence flag and the in-flight task reference.
		if !errors.Is(err, types.ErrNotFound) {
			return nil, fmt.Errorf("failed to load device: %w", err)
		}
		device = &types.Device{
			ID:         deviceID,
			CreatedAt:  now,
			LastSeenAt: now,
		}
		r.logger.Info().Str("device_id", deviceID).Msg("new device registered")
		if r.broker != nil {
			r.broker.Publish(&events.Event{
				Type:     events.EventDeviceRegistered,
				Message:  "device registered",
				Metadata: map[string]string{"device_id": deviceID},
			})
		}
	}

	device.Name = meta.Name
	device.Manufacturer = meta.Manufacturer
	device.Model = meta.Model
	device.OSVersion = meta.OSVersion
	device.AppVersion = meta.AppVersion
	if meta.Labels != nil {
		device.Labels = meta.Labels
	}
	device.UpdatedAt = now

	if err := r.store.UpdateDevice(device); err != nil {
		return nil, fmt.Errorf("failed to persist device: %w", err)
	}

	return r.tokens.Issue(deviceID, r.tokenTTL)
}

// Authenticate reissues a credential for a known device (idempotent login).
// Unknown devices fail with ErrNotFound.
func (r *Registry) Authenticate(deviceID string) (*Credential, error) {
	if _, err := r.store.GetDevice(deviceID); err != nil {
		return nil, err
	}
	return r.tokens.Issue(deviceID, r.tokenTTL)
}

// ValidateToken resolves a bearer token to its device id
func (r *Registry) ValidateToken(token string) (string, error) {
	return r.tokens.Validate(token)
}

// TokenOwner resolves a token to its device regardless of expiry
func (r *Registry) TokenOwner(token string) (string, bool) {
	return r.tokens.Owner(token)
}

// Touch updates the device's lastSeenAt timestamp
func (r *Registry) Touch(deviceID string) error {
	device, err := r.store.GetDevice(deviceID)
	if err != nil {
		return err
	}
	device.LastSeenAt = time.Now()
	return r.store.UpdateDevice(device)
}

// SetOnline flips the device's presence flag and stamps lastSeenAt on the
// way online. Publishing happens only on actual transitions.
func (r *Registry) SetOnline(deviceID string, online bool) error {
	device, err := r.store.GetDevice(deviceID)
	if err != nil {
		return err
	}

	changed := device.Online != online
	device.Online = online
	if online {
		device.LastSeenAt = time.Now()
	}
	device.UpdatedAt = time.Now()

	if err := r.store.UpdateDevice(device); err != nil {
		return err
	}

	if changed && r.broker != nil {
		evType := events.EventDeviceOnline
		if !online {
			evType = events.EventDeviceOffline
		}
		r.broker.Publish(&events.Event{
			Type:     evType,
			Metadata: map[string]string{"device_id": deviceID},
		})
	}
	return nil
}

// GetDevice returns a device by id
func (r *Registry) GetDevice(deviceID string) (*types.Device, error) {
	return r.store.GetDevice(deviceID)
}

// ListDevices returns all registered devices
func (r *Registry) ListDevices() ([]*types.Device, error) {
	return r.store.ListDevices()
}
