package network

import (
	"context"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/ferry/interfaces"
	"github.com/samber/lo"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/sirupsen/logrus"
)

// DefaultPollInterval is how often the Monitor samples interfaces.
const DefaultPollInterval = 5 * time.Second

// InterfaceLister returns the host's network interfaces.
type InterfaceLister func(ctx context.Context) ([]psnet.InterfaceStat, error)

var (
	wifiPrefixes     = []string{"wl", "wifi", "wi-fi", "ath", "ra"}
	ethernetPrefixes = []string{"eth", "en", "eno", "enp", "ens", "enx", "em", "ethernet"}
	cellularPrefixes = []string{"wwan", "ppp", "rmnet", "ccmni", "pdp_ip", "usb", "cellular"}
)

// MonitorOptions configures interface classification.
type MonitorOptions struct {
	PollInterval time.Duration
	// MeteredInterfaces names interfaces to treat as metered in addition
	// to cellular ones.
	MeteredInterfaces []string
}

// Monitor polls the host's interfaces through gopsutil and emits an Event
// whenever the classification changes.
type Monitor struct {
	opts   MonitorOptions
	log    logrus.FieldLogger
	lister InterfaceLister

	mu   sync.Mutex
	last *Event

	timeProvider interfaces.TimeProvider
}

// NewMonitor creates a monitor reading the host's interfaces.
func NewMonitor(opts MonitorOptions, log logrus.FieldLogger) *Monitor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Monitor{
		opts:         opts,
		log:          log,
		lister:       hostInterfaces,
		timeProvider: interfaces.DefaultTimeProvider{},
	}
}

func hostInterfaces(ctx context.Context) ([]psnet.InterfaceStat, error) {
	return psnet.InterfacesWithContext(ctx)
}

// SetLister replaces the interface source.
func (m *Monitor) SetLister(l InterfaceLister) {
	m.lister = l
}

// SetTimeProvider replaces the clock used to stamp events.
func (m *Monitor) SetTimeProvider(tp interfaces.TimeProvider) {
	m.timeProvider = interfaces.OrDefault(tp)
}

// Poll samples the interfaces once. It reports whether the classification
// differs from the previous poll; the first poll always counts as a change.
func (m *Monitor) Poll(ctx context.Context) (Event, bool, error) {
	ifaces, err := m.lister(ctx)
	if err != nil {
		return Event{}, false, err
	}
	ev := Classify(ifaces, m.opts.MeteredInterfaces)
	ev.At = m.timeProvider.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	changed := m.last == nil || !m.last.sameState(ev)
	m.last = &ev
	return ev, changed, nil
}

// Run polls every PollInterval and calls handle on every change until ctx
// is done.
func (m *Monitor) Run(ctx context.Context, handle func(Event)) error {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		ev, changed, err := m.Poll(ctx)
		if err != nil {
			m.log.WithFields(logrus.Fields{
				"function": "Run",
				"error":    err.Error(),
			}).Warn("Failed to list network interfaces")
		} else if changed {
			m.log.WithFields(logrus.Fields{
				"function":  "Run",
				"available": ev.Available,
				"type":      ev.Type.String(),
				"metered":   ev.Metered,
				"interface": ev.Interface,
			}).Debug("Connectivity classification changed")
			handle(ev)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Classify picks the best usable interface and describes the connection it
// provides. Ethernet is preferred over WiFi, WiFi over unknown interfaces
// and those over cellular.
func Classify(ifaces []psnet.InterfaceStat, metered []string) Event {
	usable := lo.Filter(ifaces, func(i psnet.InterfaceStat, _ int) bool {
		return isUsable(i)
	})
	if len(usable) == 0 {
		return Event{Type: ConnectionNone}
	}

	best := lo.MinBy(usable, func(a, b psnet.InterfaceStat) bool {
		return rank(typeOf(a.Name)) < rank(typeOf(b.Name))
	})
	t := typeOf(best.Name)
	return Event{
		Available: true,
		Type:      t,
		Metered:   t == ConnectionCellular || lo.Contains(metered, best.Name),
		Interface: best.Name,
	}
}

func rank(t ConnectionType) int {
	switch t {
	case ConnectionEthernet:
		return 0
	case ConnectionWiFi:
		return 1
	case ConnectionOther:
		return 2
	default:
		return 3
	}
}

func isUsable(i psnet.InterfaceStat) bool {
	if !lo.Contains(i.Flags, "up") || lo.Contains(i.Flags, "loopback") {
		return false
	}
	return lo.SomeBy(i.Addrs, func(a psnet.InterfaceAddr) bool {
		prefix, err := netip.ParsePrefix(a.Addr)
		var addr netip.Addr
		if err == nil {
			addr = prefix.Addr()
		} else if addr, err = netip.ParseAddr(a.Addr); err != nil {
			return false
		}
		return addr.IsGlobalUnicast()
	})
}

func typeOf(name string) ConnectionType {
	n := strings.ToLower(name)
	hasPrefix := func(p string) bool { return strings.HasPrefix(n, p) }
	switch {
	case lo.SomeBy(cellularPrefixes, hasPrefix):
		return ConnectionCellular
	case lo.SomeBy(wifiPrefixes, hasPrefix):
		return ConnectionWiFi
	case lo.SomeBy(ethernetPrefixes, hasPrefix):
		return ConnectionEthernet
	default:
		return ConnectionOther
	}
}
