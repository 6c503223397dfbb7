//go:build !linux && !windows

package tun

import (
	"net"
	"strconv"

	"github.com/songgao/water"
)

func waterConfig(cfg Config) water.Config {
	return water.Config{DeviceType: water.TUN}
}

func (d *Device) configure() error {
	return d.run("ifconfig", d.ifce.Name(), "inet", d.cfg.Addr, "mtu", strconv.Itoa(d.cfg.EffectiveMTU()), "up")
}

func (d *Device) lookupRoute(ip net.IP) (Route, error) {
	out, err := d.output("route", "-n", "get", ip.String())
	if err != nil {
		return Route{}, err
	}
	return parseRouteGet(out)
}

func routeArgs(op string, r Route) []string {
	if r.Via != "" {
		return []string{"-n", op, "-net", r.Dst, r.Via}
	}
	return []string{"-n", op, "-net", r.Dst, "-interface", r.Dev}
}

func (d *Device) addRoute(r Route) error { return d.run("route", routeArgs("add", r)...) }

func (d *Device) delRoute(r Route) error { return d.run("route", routeArgs("delete", r)...) }
