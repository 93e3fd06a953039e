// Package ports manages host port reservations for instances.
//
// The allocator keeps one process-wide reservation table. A port is handed
// out only if no live instance holds it and a bind probe on the host
// succeeds.
package ports

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/artpar/shipyard/internal/core/domain"
	"github.com/artpar/shipyard/internal/core/proxy"
)

// Request asks for a host port. A zero Port, or Any, accepts any free port
// in the allocator's range; otherwise the exact port is required.
type Request struct {
	HostIP   string
	Port     int
	Protocol string
	Any      bool
}

// RequestFor builds a request from a port binding.
func RequestFor(b domain.PortBinding) Request {
	return Request{HostIP: b.HostIP, Port: b.HostPort, Protocol: b.Protocol, Any: b.Any}
}

// Prober checks whether a port can be bound on the host.
type Prober func(hostIP string, port int, protocol string) error

// Config holds allocator configuration.
type Config struct {
	HostIP string
	Range  proxy.PortRange
}

// Allocator is the process-wide port reservation table.
type Allocator struct {
	cfg    Config
	probe  Prober
	logger *slog.Logger

	mu   sync.Mutex
	held map[string]domain.PortReservation
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithProber overrides the bind probe.
func WithProber(p Prober) Option {
	return func(a *Allocator) {
		a.probe = p
	}
}

// NewAllocator creates an allocator for the configured range.
func NewAllocator(cfg Config, logger *slog.Logger, opts ...Option) (*Allocator, error) {
	if cfg.Range == (proxy.PortRange{}) {
		cfg.Range = proxy.DefaultPortRange()
	}
	if err := cfg.Range.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Allocator{
		cfg:    cfg,
		probe:  BindProbe,
		logger: logger.With("component", "ports"),
		held:   make(map[string]domain.PortReservation),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Reserve reserves a host port. A preferred port that is held or cannot be
// bound fails with domain.ErrNoPortAvailable; another port is chosen only
// when the request accepts any port.
func (a *Allocator) Reserve(ctx context.Context, req Request) (domain.PortReservation, error) {
	if err := ctx.Err(); err != nil {
		return domain.PortReservation{}, err
	}
	if req.Protocol == "" {
		req.Protocol = domain.ProtocolTCP
	}
	if req.HostIP == "" {
		req.HostIP = a.cfg.HostIP
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Any || req.Port == 0 {
		return a.reserveAnyLocked(ctx, req)
	}

	res := domain.PortReservation{HostIP: req.HostIP, Port: req.Port, Protocol: req.Protocol}
	if holder, ok := a.conflictLocked(res); ok {
		return domain.PortReservation{}, domain.NewPortError(res.HostIP, res.Port, res.Protocol,
			"already reserved as "+holder.Key())
	}
	if err := a.probe(res.HostIP, res.Port, res.Protocol); err != nil {
		return domain.PortReservation{}, domain.NewPortError(res.HostIP, res.Port, res.Protocol, err.Error())
	}

	a.held[res.Key()] = res
	a.logger.Debug("port reserved", "reservation", res.Key())
	return res, nil
}

func (a *Allocator) reserveAnyLocked(ctx context.Context, req Request) (domain.PortReservation, error) {
	used := make(map[int]bool, len(a.held))
	for _, h := range a.held {
		if h.Protocol == req.Protocol && a.cfg.Range.Contains(h.Port) {
			used[h.Port] = true
		}
	}

	for attempts := 0; attempts < a.cfg.Range.Size(); attempts++ {
		if err := ctx.Err(); err != nil {
			return domain.PortReservation{}, err
		}
		port, err := proxy.AllocatePort(used, a.cfg.Range)
		if err != nil {
			break
		}
		used[port] = true

		res := domain.PortReservation{HostIP: req.HostIP, Port: port, Protocol: req.Protocol}
		if _, ok := a.conflictLocked(res); ok {
			continue
		}
		if err := a.probe(res.HostIP, res.Port, res.Protocol); err != nil {
			continue
		}
		a.held[res.Key()] = res
		a.logger.Debug("port reserved", "reservation", res.Key())
		return res, nil
	}

	return domain.PortReservation{}, domain.NewPortError(req.HostIP, 0, req.Protocol,
		fmt.Sprintf("range %d-%d exhausted", a.cfg.Range.Start, a.cfg.Range.End))
}

// conflictLocked returns a held reservation that overlaps res. A wildcard
// host IP overlaps every address.
func (a *Allocator) conflictLocked(res domain.PortReservation) (domain.PortReservation, bool) {
	for _, h := range a.held {
		if h.Port != res.Port || h.Protocol != res.Protocol {
			continue
		}
		if h.HostIP == res.HostIP || isWildcard(h.HostIP) || isWildcard(res.HostIP) {
			return h, true
		}
	}
	return domain.PortReservation{}, false
}

func isWildcard(ip string) bool {
	return ip == "" || ip == "0.0.0.0" || ip == "::"
}

// Release frees a reservation. Releasing an unknown reservation is a no-op.
func (a *Allocator) Release(res domain.PortReservation) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.held[res.Key()]; ok {
		delete(a.held, res.Key())
		a.logger.Debug("port released", "reservation", res.Key())
	}
}

// Adopt marks a reservation as held without probing. Used for ports already
// bound by containers this process manages.
func (a *Allocator) Adopt(res domain.PortReservation) {
	if res.Protocol == "" {
		res.Protocol = domain.ProtocolTCP
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.held[res.Key()] = res
}

// Held reports whether exactly this reservation is held.
func (a *Allocator) Held(res domain.PortReservation) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.held[res.Key()]
	return ok
}

// Reserved returns every held reservation ordered by key.
func (a *Allocator) Reserved() []domain.PortReservation {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]domain.PortReservation, 0, len(a.held))
	for _, res := range a.held {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key() < out[j].Key()
	})
	return out
}

// BindProbe binds host:port and immediately closes the listener.
func BindProbe(hostIP string, port int, protocol string) error {
	addr := net.JoinHostPort(hostIP, strconv.Itoa(port))
	if protocol == domain.ProtocolUDP {
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return l.Close()
}
