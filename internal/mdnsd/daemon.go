// ABOUTME: Discovery daemon backed by hashicorp/mdns
// ABOUTME: Handles both advertisement (register/unregister) and browsing
package mdnsd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/Resonate-Protocol/mdns-watch/pkg/discovery"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/mdns"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultQueryTimeout = time.Second
	DefaultMissedPolls  = 3

	// maxQueryFailures consecutive failed queries end a browse stream with an error.
	maxQueryFailures = 3
)

// Config holds daemon configuration
type Config struct {
	// Interface restricts multicast to one interface by name. Empty means all.
	Interface string

	PollInterval time.Duration
	QueryTimeout time.Duration

	// MissedPolls is how many consecutive polls an instance may be absent
	// from before it is reported as removed.
	MissedPolls int

	DisableIPv6 bool

	// ProbeConflicts queries the network before registering and refuses
	// names another host already answers for.
	ProbeConflicts bool

	Logger log.Logger
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.MissedPolls <= 0 {
		c.MissedPolls = DefaultMissedPolls
	}
	if c.Logger == nil {
		c.Logger = log.NewNopLogger()
	}
}

// Daemon implements discovery.Daemon over hashicorp/mdns.
type Daemon struct {
	config Config
	iface  *net.Interface
	logger log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	servers map[string]*mdns.Server
	closed  bool

	// query is mdns.QueryContext; replaced in tests.
	query func(ctx context.Context, params *mdns.QueryParam) error
}

var _ discovery.Daemon = (*Daemon)(nil)

// probeMulticast checks that the mDNS group can be joined.
var probeMulticast = func(iface *net.Interface) error {
	conn, err := net.ListenMulticastUDP("udp4", iface, &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353})
	if err != nil {
		return err
	}
	return conn.Close()
}

// NewDaemon opens the multicast transport. It fails with a DaemonUnavailable
// error when the interface is unknown or the mDNS group cannot be joined.
func NewDaemon(config Config) (*Daemon, error) {
	config.applyDefaults()

	var iface *net.Interface
	if config.Interface != "" {
		var err error
		iface, err = net.InterfaceByName(config.Interface)
		if err != nil {
			return nil, discovery.DaemonUnavailable(fmt.Sprintf("interface %q", config.Interface), err)
		}
	}

	if err := probeMulticast(iface); err != nil {
		return nil, discovery.DaemonUnavailable("cannot open multicast transport", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		config:  config,
		iface:   iface,
		logger:  log.With(config.Logger, "component", "mdnsd"),
		ctx:     ctx,
		cancel:  cancel,
		servers: make(map[string]*mdns.Server),
		query:   mdns.QueryContext,
	}, nil
}

// Register advertises desc via an mdns responder.
func (d *Daemon) Register(ctx context.Context, desc discovery.Descriptor) (string, error) {
	if err := desc.Validate(); err != nil {
		return "", err
	}
	st, err := discovery.ParseServiceType(desc.ServiceType)
	if err != nil {
		return "", discovery.InvalidDescriptor("malformed service type", err)
	}
	identity := desc.Identity()

	if err := d.checkClaim(identity); err != nil {
		return "", err
	}

	if d.config.ProbeConflicts {
		entries, err := d.queryOnce(ctx, st)
		if err != nil {
			return "", discovery.RegistrationFailed("conflict probe failed", err)
		}
		for _, e := range entries {
			if strings.EqualFold(e.Name, identity) {
				return "", discovery.RegistrationFailed(fmt.Sprintf("name %s already claimed by %s", identity, e.Host), nil)
			}
		}
	}

	ips := make([]net.IP, 0, len(desc.Addresses))
	for _, a := range desc.Addresses {
		ips = append(ips, net.IP(a.AsSlice()))
	}
	if len(ips) == 0 {
		ips, err = getLocalIPs(d.iface)
		if err != nil {
			return "", discovery.RegistrationFailed("failed to get local IPs", err)
		}
	}

	host := desc.Host
	if host != "" && !strings.HasSuffix(host, ".") {
		host += "."
	}

	service, err := mdns.NewMDNSService(
		desc.Instance,
		st.Service(),
		st.Domain+".",
		host,
		int(desc.Port),
		ips,
		desc.EffectiveAttributes().TXT(),
	)
	if err != nil {
		return "", discovery.RegistrationFailed("failed to create service", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service, Iface: d.iface})
	if err != nil {
		return "", discovery.RegistrationFailed("failed to create mdns server", err)
	}

	d.mu.Lock()
	if _, taken := d.servers[identity]; taken || d.closed {
		d.mu.Unlock()
		_ = server.Shutdown()
		if taken {
			return "", discovery.RegistrationFailed(fmt.Sprintf("name %s already claimed", identity), nil)
		}
		return "", discovery.DaemonUnavailable("daemon closed", nil)
	}
	d.servers[identity] = server
	d.mu.Unlock()

	level.Info(d.logger).Log("msg", "advertising mDNS service", "identity", identity, "port", desc.Port, "ips", fmt.Sprint(ips))
	return identity, nil
}

func (d *Daemon) checkClaim(identity string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return discovery.DaemonUnavailable("daemon closed", nil)
	}
	if _, taken := d.servers[identity]; taken {
		return discovery.RegistrationFailed(fmt.Sprintf("name %s already claimed", identity), nil)
	}
	return nil
}

// Unregister shuts the responder for identity down.
func (d *Daemon) Unregister(ctx context.Context, identity string) <-chan error {
	out := make(chan error, 1)

	d.mu.Lock()
	server, ok := d.servers[identity]
	delete(d.servers, identity)
	d.mu.Unlock()

	if !ok {
		out <- discovery.UnregistrationFailed(fmt.Sprintf("%s is not registered", identity), nil)
		close(out)
		return out
	}

	go func() {
		defer close(out)
		if err := server.Shutdown(); err != nil {
			out <- discovery.UnregistrationFailed("failed to shut down responder", err)
			return
		}
		level.Info(d.logger).Log("msg", "stopped advertising", "identity", identity)
		out <- nil
	}()
	return out
}

// Close stops every browse stream and responder.
func (d *Daemon) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	servers := d.servers
	d.servers = make(map[string]*mdns.Server)
	d.mu.Unlock()

	d.cancel()

	var errs []error
	for identity, server := range servers {
		if err := server.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", identity, err))
		}
	}
	return errors.Join(errs...)
}

// getLocalIPs returns IPv4 addresses of up, non-loopback interfaces.
func getLocalIPs(only *net.Interface) ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if only != nil && iface.Index != only.Index {
			continue
		}
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	if len(ips) == 0 {
		return nil, fmt.Errorf("no usable IPv4 address")
	}
	return ips, nil
}
