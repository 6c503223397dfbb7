//go:build linux

package tun

import (
	"fmt"
	"net"

	"github.com/docker/libcontainer/netlink"
	"github.com/milosgajdos/tenus"
	"github.com/songgao/water"
)

func waterConfig(cfg Config) water.Config {
	return water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: cfg.Name,
		},
	}
}

func (d *Device) configure() error {
	ip, ipNet, err := net.ParseCIDR(d.cfg.Addr)
	if err != nil {
		return err
	}
	link, err := tenus.NewLinkFrom(d.ifce.Name())
	if err != nil {
		return err
	}
	if err := link.SetLinkMTU(d.cfg.EffectiveMTU()); err != nil {
		return err
	}
	if err := link.SetLinkIp(ip, ipNet); err != nil {
		return err
	}
	return link.SetLinkUp()
}

func (d *Device) lookupRoute(ip net.IP) (Route, error) {
	out, err := d.output("ip", "route", "get", ip.String())
	if err != nil {
		return Route{}, err
	}
	return parseIPRouteGet(out)
}

func (d *Device) addRoute(r Route) error {
	cmd := "ip route add " + r.String()
	d.log.Debug(cmd)
	if err := netlink.AddRoute(r.Dst, "", r.Via, r.Dev); err != nil {
		return fmt.Errorf("%s: %v", cmd, err)
	}
	return nil
}

func (d *Device) delRoute(r Route) error {
	args := []string{"route", "del", r.Dst}
	if r.Via != "" {
		args = append(args, "via", r.Via)
	}
	return d.run("ip", append(args, "dev", r.Dev)...)
}
