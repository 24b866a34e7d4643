package location

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"sync"

	"go.bug.st/serial"
)

const knotsPerMps = 1.94384

// NMEABackend writes every fix as a GPRMC + GPGGA sentence pair to a serial
// port, so any NMEA 0183 consumer on the other end sees a moving GPS.
type NMEABackend struct {
	open func() (io.WriteCloser, error)

	mu   sync.Mutex
	port io.WriteCloser
	reg  *registry
}

// NMEAConfig holds configuration for the serial NMEA output.
type NMEAConfig struct {
	PortPath string
	BaudRate int
}

func NewNMEABackend(cfg NMEAConfig) *NMEABackend {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600 // Standard NMEA default
	}
	return newNMEABackend(func() (io.WriteCloser, error) {
		mode := &serial.Mode{
			BaudRate: cfg.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(cfg.PortPath, mode)
		if err != nil {
			return nil, fmt.Errorf("nmea: failed to open %s: %w", cfg.PortPath, err)
		}
		log.Printf("[nmea] writing to %s at %d baud", cfg.PortPath, cfg.BaudRate)
		return port, nil
	})
}

func newNMEABackend(open func() (io.WriteCloser, error)) *NMEABackend {
	return &NMEABackend{open: open, reg: newRegistry()}
}

// AddTestProvider opens the port on first use.
func (b *NMEABackend) AddTestProvider(_ context.Context, name string, _ Requirements) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		port, err := b.open()
		if err != nil {
			return err
		}
		b.port = port
	}
	return b.reg.add(name)
}

func (b *NMEABackend) SetTestProviderEnabled(_ context.Context, name string, enabled bool) error {
	return b.reg.setEnabled(name, enabled)
}

func (b *NMEABackend) SetTestProviderLocation(_ context.Context, name string, fix Fix) error {
	if err := b.reg.checkEnabled(name); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		return fmt.Errorf("nmea: port closed")
	}
	_, err := io.WriteString(b.port, formatRMC(fix)+formatGGA(fix))
	return err
}

func (b *NMEABackend) RemoveTestProvider(_ context.Context, name string) error {
	return b.reg.remove(name)
}

// Close releases the serial port.
func (b *NMEABackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		return nil
	}
	err := b.port.Close()
	b.port = nil
	return err
}

func formatRMC(f Fix) string {
	t := f.Time.UTC()
	lat, ns := nmeaCoord(f.Latitude, 2, "N", "S")
	lon, ew := nmeaCoord(f.Longitude, 3, "E", "W")
	body := fmt.Sprintf("GPRMC,%s,A,%s,%s,%s,%s,%.2f,%.1f,%s,0.0,E",
		t.Format("150405.00"), lat, ns, lon, ew,
		f.Speed*knotsPerMps, f.Bearing, t.Format("020106"))
	return sentence(body)
}

func formatGGA(f Fix) string {
	t := f.Time.UTC()
	lat, ns := nmeaCoord(f.Latitude, 2, "N", "S")
	lon, ew := nmeaCoord(f.Longitude, 3, "E", "W")
	// quality 1 (GPS fix), 8 satellites, HDOP derived from accuracy
	body := fmt.Sprintf("GPGGA,%s,%s,%s,%s,%s,1,08,%.1f,%.1f,M,0.0,M,,",
		t.Format("150405.00"), lat, ns, lon, ew, f.Accuracy/5, f.Altitude)
	return sentence(body)
}

// nmeaCoord formats decimal degrees as (d)ddmm.mmmm with a hemisphere letter.
func nmeaCoord(deg float64, degDigits int, pos, neg string) (string, string) {
	hemi := pos
	if deg < 0 {
		hemi = neg
		deg = -deg
	}
	whole := math.Floor(deg)
	minutes := (deg - whole) * 60
	// rounding can push minutes to 60.0000
	if math.Round(minutes*10000)/10000 >= 60 {
		whole++
		minutes = 0
	}
	return fmt.Sprintf("%0*d%07.4f", degDigits, int(whole), minutes), hemi
}

func sentence(body string) string {
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	return fmt.Sprintf("$%s*%02X\r\n", body, sum)
}
