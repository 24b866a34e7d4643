package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBackend publishes provider events on <prefix>.provider.<name> and fixes
// on <prefix>.location.<name> as JSON.
type NATSBackend struct {
	nc          *nats.Conn
	pub         natsPublisher
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
	reg         *registry
}

// natsPublisher is the part of nats.Conn the backend publishes through.
type natsPublisher interface {
	IsConnected() bool
	Publish(subject string, data []byte) error
}

// PublisherMetrics receives publish outcomes; nil disables reporting.
type PublisherMetrics interface {
	PublishedInc()
	PublishErrInc()
	PublishObserve(d time.Duration)
	SetConnected(connected bool)
}

func NewNATSBackend(url, prefix string, logSubjects bool, m PublisherMetrics) (*NATSBackend, error) {
	nc, err := nats.Connect(url,
		nats.Name("geoforge"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.SetConnected(false)
			}
			log.Printf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.SetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.SetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.SetConnected(true)
	}
	b := newNATSBackend(nc, prefix, logSubjects, m)
	b.nc = nc
	return b, nil
}

func newNATSBackend(pub natsPublisher, prefix string, logSubjects bool, m PublisherMetrics) *NATSBackend {
	if prefix == "" {
		prefix = "geoforge"
	}
	return &NATSBackend{pub: pub, prefix: prefix, logSubjects: logSubjects, metrics: m, reg: newRegistry()}
}

// Conn exposes the connection so command subscribers can share it.
func (b *NATSBackend) Conn() *nats.Conn { return b.nc }

func (b *NATSBackend) Close() {
	if b.nc != nil {
		_ = b.nc.Drain()
		b.nc.Close()
	}
}

func (b *NATSBackend) AddTestProvider(_ context.Context, name string, req Requirements) error {
	if !b.pub.IsConnected() {
		return errors.New("nats not connected")
	}
	if err := b.reg.add(name); err != nil {
		return err
	}
	if err := b.publish(b.subject("provider", name), providerEvent{Provider: name, Event: "added", Requirements: &req}); err != nil {
		_ = b.reg.remove(name)
		return err
	}
	return nil
}

func (b *NATSBackend) SetTestProviderEnabled(_ context.Context, name string, enabled bool) error {
	if err := b.reg.setEnabled(name, enabled); err != nil {
		return err
	}
	event := "disabled"
	if enabled {
		event = "enabled"
	}
	return b.publish(b.subject("provider", name), providerEvent{Provider: name, Event: event})
}

func (b *NATSBackend) SetTestProviderLocation(_ context.Context, name string, fix Fix) error {
	if err := b.reg.checkEnabled(name); err != nil {
		return err
	}
	return b.publish(b.subject("location", name), fix)
}

func (b *NATSBackend) RemoveTestProvider(_ context.Context, name string) error {
	if err := b.reg.remove(name); err != nil {
		return err
	}
	return b.publish(b.subject("provider", name), providerEvent{Provider: name, Event: "removed"})
}

func (b *NATSBackend) subject(kind, name string) string {
	return fmt.Sprintf("%s.%s.%s", b.prefix, kind, subjectToken(name))
}

func (b *NATSBackend) publish(subject string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if b.logSubjects {
		log.Printf("nats publish subject=%s", subject)
	}
	start := time.Now()
	err = b.pub.Publish(subject, payload)
	if b.metrics != nil {
		b.metrics.PublishObserve(time.Since(start))
		if err != nil {
			b.metrics.PublishErrInc()
		} else {
			b.metrics.PublishedInc()
		}
	}
	return err
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
