//go:build windows

package tun

import (
	"errors"
	"net"

	"github.com/songgao/water"
)

var errUnsupported = errors.New("tun: interface configuration is not supported on windows")

func waterConfig(cfg Config) water.Config {
	return water.Config{DeviceType: water.TUN}
}

func (d *Device) configure() error { return errUnsupported }

func (d *Device) lookupRoute(ip net.IP) (Route, error) { return Route{}, errUnsupported }

func (d *Device) addRoute(r Route) error { return errUnsupported }

func (d *Device) delRoute(r Route) error { return errUnsupported }
