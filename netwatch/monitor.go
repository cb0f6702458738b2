// Package netwatch discovers local network interfaces and watches for
// address changes.
//
// A Monitor polls the host's interfaces and reports added and removed
// addresses, so callers can feed migration targets to the orchestration
// layer when a NIC comes up or an address disappears. The monitor only
// observes; it never decides to migrate.
package netwatch

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// DefaultPollInterval is how often the monitor re-reads the interface list.
const DefaultPollInterval = 5 * time.Second

// eventBuffer bounds the event channel; slow consumers drop events rather
// than block the poll loop.
const eventBuffer = 10

// Event describes one observed change of the local address set.
type Event struct {
	Added     []net.Addr
	Removed   []net.Addr
	Timestamp time.Time
}

// ChangeCallback is invoked for every address change event.
type ChangeCallback func(event Event)

// InterfaceAddr pairs an interface name with one of its unicast addresses.
type InterfaceAddr struct {
	Interface string
	IP        net.IP
}

// Config configures a Monitor.
type Config struct {
	// PollInterval is the polling cadence. Zero means the default.
	PollInterval time.Duration

	// Clock drives the poll ticker. Nil means the real clock.
	Clock clock.Clock
}

// Monitor watches the local address set for changes.
type Monitor struct {
	interval time.Duration
	clock    clock.Clock

	addrsMu sync.Mutex
	addrs   map[string]net.Addr

	callbacksMu sync.Mutex
	callbacks   []ChangeCallback

	events chan Event

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	stopOnce sync.Once

	// listAddrs is swapped out in tests.
	listAddrs func() ([]net.Addr, error)
}

// NewMonitor creates a monitor; call Start to begin polling.
func NewMonitor(cfg Config) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	return &Monitor{
		interval:  cfg.PollInterval,
		clock:     cfg.Clock,
		addrs:     make(map[string]net.Addr),
		events:    make(chan Event, eventBuffer),
		stopCh:    make(chan struct{}),
		listAddrs: systemAddrs,
	}
}

// Start begins polling. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	addrs, err := m.listAddrs()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Monitor.Start",
			"error":    err,
		}).Warn("Failed to read initial address set")
	}
	m.addrsMu.Lock()
	for _, addr := range addrs {
		m.addrs[addr.String()] = addr
	}
	m.addrsMu.Unlock()

	go m.pollLoop(ctx)

	logrus.WithFields(logrus.Fields{
		"function":      "Monitor.Start",
		"poll_interval": m.interval,
		"initial_addrs": len(addrs),
	}).Info("Network monitor started")

	return nil
}

// Stop halts polling. Safe to call multiple times.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.mu.Unlock()

	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	return nil
}

// Events returns the address change event channel.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// OnChange registers a callback invoked for every change event.
func (m *Monitor) OnChange(callback ChangeCallback) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// Poll forces one poll cycle outside the ticker cadence.
func (m *Monitor) Poll() error {
	return m.checkOnce()
}

// CurrentAddresses returns a snapshot of the last observed address set.
func (m *Monitor) CurrentAddresses() []net.Addr {
	m.addrsMu.Lock()
	defer m.addrsMu.Unlock()

	out := make([]net.Addr, 0, len(m.addrs))
	for _, addr := range m.addrs {
		out = append(out, addr)
	}
	return out
}

func (m *Monitor) pollLoop(ctx context.Context) {
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.checkOnce(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Monitor.pollLoop",
					"error":    err,
				}).Debug("Address poll failed")
			}
		}
	}
}

func (m *Monitor) checkOnce() error {
	current, err := m.listAddrs()
	if err != nil {
		return err
	}

	currentMap := make(map[string]net.Addr, len(current))
	for _, addr := range current {
		currentMap[addr.String()] = addr
	}

	m.addrsMu.Lock()
	var added, removed []net.Addr
	for key, addr := range currentMap {
		if _, ok := m.addrs[key]; !ok {
			added = append(added, addr)
		}
	}
	for key, addr := range m.addrs {
		if _, ok := currentMap[key]; !ok {
			removed = append(removed, addr)
		}
	}
	if len(added) > 0 || len(removed) > 0 {
		m.addrs = currentMap
	}
	m.addrsMu.Unlock()

	if len(added) == 0 && len(removed) == 0 {
		return nil
	}

	event := Event{Added: added, Removed: removed, Timestamp: m.clock.Now()}

	logrus.WithFields(logrus.Fields{
		"function": "Monitor.checkOnce",
		"added":    len(added),
		"removed":  len(removed),
	}).Info("Local address set changed")

	select {
	case m.events <- event:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Monitor.checkOnce",
		}).Warn("Event channel full, dropping address change event")
	}

	m.callbacksMu.Lock()
	callbacks := make([]ChangeCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.callbacksMu.Unlock()

	for _, callback := range callbacks {
		go callback(event)
	}

	return nil
}

// Interfaces lists the usable IPv4 unicast addresses per interface,
// skipping loopback and down interfaces. Candidates for migration targets.
func Interfaces() ([]InterfaceAddr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []InterfaceAddr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil {
				continue
			}
			out = append(out, InterfaceAddr{Interface: iface.Name, IP: ip})
			break
		}
	}
	return out, nil
}

// systemAddrs returns every address of every up, non-loopback interface.
func systemAddrs() ([]net.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var addrs []net.Addr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		ifAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		addrs = append(addrs, ifAddrs...)
	}
	return addrs, nil
}
