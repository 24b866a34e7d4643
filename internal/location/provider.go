// Package location pushes synthetic location fixes into a mock-location
// backend under a named test provider.
package location

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Provider names understood by every backend.
const (
	NetworkProvider = "network"
	GPSProvider     = "gps"
)

const maxRegisterRetries = 3

var ErrMockProviderUnavailable = errors.New("mock location provider unavailable")

// Requirements describe the capabilities a test provider is registered with.
type Requirements struct {
	RequiresNetwork   bool `json:"requiresNetwork"`
	RequiresSatellite bool `json:"requiresSatellite"`
	RequiresCell      bool `json:"requiresCell"`
	HasMonetaryCost   bool `json:"hasMonetaryCost"`
	SupportsAltitude  bool `json:"supportsAltitude"`
	SupportsSpeed     bool `json:"supportsSpeed"`
	SupportsBearing   bool `json:"supportsBearing"`
	PowerUsage        int  `json:"powerUsage"`
	Accuracy          int  `json:"accuracy"`
}

// DefaultRequirements matches what the playback engine registers with.
var DefaultRequirements = Requirements{
	SupportsSpeed:   true,
	SupportsBearing: true,
	PowerUsage:      1,
	Accuracy:        2,
}

// Fix is a single synthetic location reading.
type Fix struct {
	Provider                  string    `json:"provider"`
	Latitude                  float64   `json:"lat"`
	Longitude                 float64   `json:"lon"`
	Altitude                  float64   `json:"altitude"`
	Speed                     float64   `json:"speed"`   // m/s
	Bearing                   float64   `json:"bearing"` // degrees
	Accuracy                  float64   `json:"accuracy"`
	BearingAccuracyDegrees    float64   `json:"bearingAccuracyDegrees"`
	VerticalAccuracyMeters    float64   `json:"verticalAccuracyMeters"`
	SpeedAccuracyMetersPerSec float64   `json:"speedAccuracyMetersPerSecond"`
	Time                      time.Time `json:"time"`
	ElapsedRealtimeNanos      int64     `json:"elapsedRealtimeNanos"`
}

// Backend is the mock-location subsystem a Pusher writes into. Registrations
// are global per provider name within a backend.
type Backend interface {
	AddTestProvider(ctx context.Context, name string, req Requirements) error
	SetTestProviderEnabled(ctx context.Context, name string, enabled bool) error
	SetTestProviderLocation(ctx context.Context, name string, fix Fix) error
	RemoveTestProvider(ctx context.Context, name string) error
}

// Pusher owns one registered test provider.
type Pusher struct {
	backend  Backend
	name     string
	clock    func() time.Time
	bootTime time.Time
}

// Register removes any stale provider of the same name and adds it again,
// trying up to three times. When every attempt fails the returned error wraps
// ErrMockProviderUnavailable and no fixes may be pushed.
func Register(ctx context.Context, backend Backend, name string) (*Pusher, error) {
	p := &Pusher{backend: backend, name: name, clock: time.Now, bootTime: time.Now()}
	var lastErr error
	for attempt := 0; attempt < maxRegisterRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.Shutdown()
		if err := backend.AddTestProvider(ctx, name, DefaultRequirements); err != nil {
			lastErr = err
			log.Printf("add test provider %q (attempt %d/%d): %v", name, attempt+1, maxRegisterRetries, err)
			continue
		}
		if err := backend.SetTestProviderEnabled(ctx, name, true); err != nil {
			lastErr = err
			log.Printf("enable test provider %q (attempt %d/%d): %v", name, attempt+1, maxRegisterRetries, err)
			continue
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: not allowed to mock provider %q after %d attempts: %v", ErrMockProviderUnavailable, name, maxRegisterRetries, lastErr)
}

func (p *Pusher) Name() string { return p.name }

// PushLocation hands a fix with fixed synthetic quality attributes to the
// backend as the provider's current reading.
func (p *Pusher) PushLocation(ctx context.Context, lat, lon float64) error {
	now := p.clock()
	fix := Fix{
		Provider:                  p.name,
		Latitude:                  lat,
		Longitude:                 lon,
		Altitude:                  3.0,
		Speed:                     0.01,
		Bearing:                   1,
		Accuracy:                  3,
		BearingAccuracyDegrees:    0.1,
		VerticalAccuracyMeters:    0.1,
		SpeedAccuracyMetersPerSec: 0.01,
		Time:                      now,
		ElapsedRealtimeNanos:      now.Sub(p.bootTime).Nanoseconds(),
	}
	if err := p.backend.SetTestProviderLocation(ctx, p.name, fix); err != nil {
		return fmt.Errorf("push location to %q: %w", p.name, err)
	}
	return nil
}

// Shutdown removes the provider. Errors are dropped; the provider may already
// be gone and teardown must never block stopping playback.
func (p *Pusher) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = p.backend.RemoveTestProvider(ctx, p.name)
}
