// Package tun opens and configures the TUN interface that carries tunneled IP packets.
package tun

import (
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/songgao/water"
)

// DefaultMTU leaves room for the datagram header, IP and UDP inside a 1500-byte path.
const DefaultMTU = 1400

var (
	ErrInvalidAddr   = errors.New("tun: address must be in CIDR notation")
	ErrInvalidMTU    = errors.New("tun: mtu out of range")
	ErrInvalidRoute  = errors.New("tun: route must be in CIDR notation")
	ErrInvalidBypass = errors.New("tun: bypass host must be an IP address")
	ErrNoRoute       = errors.New("tun: no route to bypass host")
)

// Config describes the interface to create.
type Config struct {
	Name   string   `yaml:"name"`
	Addr   string   `yaml:"addr"`
	MTU    int      `yaml:"mtu"`
	Routes []string `yaml:"routes"`
	// Bypass lists hosts, normally the tunnel server, that keep the route they had before
	// the interface came up. Without it a route covering the server would loop the
	// tunnel's own datagrams back into the interface.
	Bypass []string `yaml:"bypass"`
}

// Validate checks addresses and sizes without touching the system.
func (c Config) Validate() error {
	if _, _, err := net.ParseCIDR(c.Addr); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidAddr, c.Addr)
	}
	if c.MTU != 0 && (c.MTU < 576 || c.MTU > 65535) {
		return fmt.Errorf("%w: %d", ErrInvalidMTU, c.MTU)
	}
	for _, r := range c.Routes {
		if _, _, err := net.ParseCIDR(r); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidRoute, r)
		}
	}
	for _, h := range c.Bypass {
		if net.ParseIP(h) == nil {
			return fmt.Errorf("%w: %q", ErrInvalidBypass, h)
		}
	}
	return nil
}

// EffectiveMTU returns the configured MTU or DefaultMTU.
func (c Config) EffectiveMTU() int {
	if c.MTU <= 0 {
		return DefaultMTU
	}
	return c.MTU
}

// Route is one routing table entry. Via is empty for routes that only name a device.
type Route struct {
	Dst string
	Via string
	Dev string
}

func (r Route) String() string {
	if r.Via == "" {
		return r.Dst + " dev " + r.Dev
	}
	return r.Dst + " via " + r.Via + " dev " + r.Dev
}

func hostCIDR(ip net.IP) string {
	if ip.To4() != nil {
		return ip.String() + "/32"
	}
	return ip.String() + "/128"
}

// planRoutes lists the routes Open installs, in order: a host route for every bypass
// host through whatever currently carries it, then the configured routes through iface.
// lookup reports the current route to a host.
func planRoutes(iface string, cfg Config, lookup func(net.IP) (Route, error)) ([]Route, error) {
	plan := make([]Route, 0, len(cfg.Bypass)+len(cfg.Routes))
	for _, h := range cfg.Bypass {
		ip := net.ParseIP(h)
		if ip == nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidBypass, h)
		}
		cur, err := lookup(ip)
		if err != nil {
			return nil, fmt.Errorf("tun: look up route to %s: %w", ip, err)
		}
		if cur.Dev == "" || cur.Dev == iface {
			return nil, fmt.Errorf("%w: %s", ErrNoRoute, ip)
		}
		plan = append(plan, Route{Dst: hostCIDR(ip), Via: cur.Via, Dev: cur.Dev})
	}
	for _, r := range cfg.Routes {
		plan = append(plan, Route{Dst: r, Dev: iface})
	}
	return plan, nil
}

// parseIPRouteGet reads the output of "ip route get <host>", for example
// "203.0.113.7 via 192.168.1.1 dev eth0 src 192.168.1.20 uid 0".
func parseIPRouteGet(out string) (Route, error) {
	var r Route
	fields := strings.Fields(out)
	for i := 0; i+1 < len(fields); i++ {
		switch fields[i] {
		case "via":
			if r.Via == "" {
				r.Via = fields[i+1]
			}
		case "dev":
			if r.Dev == "" {
				r.Dev = fields[i+1]
			}
		}
	}
	if r.Dev == "" {
		return Route{}, fmt.Errorf("%w: %q", ErrNoRoute, strings.TrimSpace(out))
	}
	return r, nil
}

// parseRouteGet reads the output of BSD "route -n get <host>".
func parseRouteGet(out string) (Route, error) {
	var r Route
	for _, line := range strings.Split(out, "\n") {
		key, val, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch key {
		case "gateway":
			r.Via = val
		case "interface":
			r.Dev = val
		}
	}
	if r.Dev == "" {
		return Route{}, fmt.Errorf("%w: %q", ErrNoRoute, strings.TrimSpace(out))
	}
	return r, nil
}

type Option func(*Device)

// WithLogger sets the logger the device reports through. It defaults to the standard
// logrus logger.
func WithLogger(log *logrus.Entry) Option {
	return func(d *Device) { d.log = log }
}

// Device is a configured TUN interface.
type Device struct {
	ifce   *water.Interface
	cfg    Config
	log    *logrus.Entry
	routes []Route

	closeOnce sync.Once
}

func newDevice(cfg Config, opts ...Option) *Device {
	d := &Device{cfg: cfg, log: logrus.NewEntry(logrus.StandardLogger())}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.WithField("component", "tun")
	return d
}

// Open creates the interface, assigns its address and MTU, brings it up and installs
// routes, bypass host routes first. It needs CAP_NET_ADMIN (or root).
func Open(cfg Config, opts ...Option) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := newDevice(cfg, opts...)
	ifce, err := water.New(waterConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("tun: create interface: %w", err)
	}
	d.ifce = ifce
	d.log = d.log.WithField("iface", ifce.Name())

	// bypass hosts are looked up before the tunnel routes change the answer
	plan, err := planRoutes(ifce.Name(), cfg, d.lookupRoute)
	if err != nil {
		_ = ifce.Close()
		return nil, err
	}
	if err := d.configure(); err != nil {
		_ = ifce.Close()
		return nil, fmt.Errorf("tun: configure %s: %w", ifce.Name(), err)
	}
	for _, r := range plan {
		if err := d.addRoute(r); err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("tun: add route %s: %w", r, err)
		}
		d.routes = append(d.routes, r)
	}
	d.log.WithFields(logrus.Fields{
		"addr":   cfg.Addr,
		"mtu":    cfg.EffectiveMTU(),
		"routes": len(d.routes),
		"bypass": cfg.Bypass,
	}).Info("TUN interface up")
	return d, nil
}

func (d *Device) Name() string { return d.ifce.Name() }

func (d *Device) MTU() int { return d.cfg.EffectiveMTU() }

// Read reads one IP packet.
func (d *Device) Read(b []byte) (int, error) { return d.ifce.Read(b) }

// Write writes one IP packet.
func (d *Device) Write(b []byte) (int, error) { return d.ifce.Write(b) }

// Close removes installed routes, newest first, and closes the interface.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		for i := len(d.routes) - 1; i >= 0; i-- {
			r := d.routes[i]
			if rerr := d.delRoute(r); rerr != nil {
				d.log.WithError(rerr).WithField("route", r.String()).Warn("Failed to remove route")
			}
		}
		err = d.ifce.Close()
	})
	return err
}

func (d *Device) run(name string, args ...string) error {
	_, err := d.output(name, args...)
	return err
}

func (d *Device) output(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	d.log.Debugf("exec: %s %s", name, strings.Join(args, " "))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s %s: %v: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
