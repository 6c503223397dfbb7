package tun

import (
	"errors"
	"net"
	"os/exec"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"server", Config{Addr: "10.8.0.1/24"}, nil},
		{"client with routes", Config{Addr: "10.8.0.2/24", MTU: 1400, Routes: []string{"0.0.0.0/1", "128.0.0.0/1"}}, nil},
		{"ipv6", Config{Addr: "fd00::2/64"}, nil},
		{"missing prefix", Config{Addr: "10.8.0.1"}, ErrInvalidAddr},
		{"empty", Config{}, ErrInvalidAddr},
		{"mtu too small", Config{Addr: "10.8.0.1/24", MTU: 100}, ErrInvalidMTU},
		{"mtu too large", Config{Addr: "10.8.0.1/24", MTU: 70000}, ErrInvalidMTU},
		{"bad route", Config{Addr: "10.8.0.1/24", Routes: []string{"default"}}, ErrInvalidRoute},
		{"bypass", Config{Addr: "10.8.0.2/24", Routes: []string{"0.0.0.0/1"}, Bypass: []string{"203.0.113.7"}}, nil},
		{"bypass hostname", Config{Addr: "10.8.0.2/24", Bypass: []string{"vpn.example.net"}}, ErrInvalidBypass},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestEffectiveMTU(t *testing.T) {
	assert.Equal(t, DefaultMTU, Config{}.EffectiveMTU())
	assert.Equal(t, 1280, Config{MTU: 1280}.EffectiveMTU())
}

func TestPlanRoutesBypassesServerFirst(t *testing.T) {
	cfg := Config{
		Addr:   "10.8.0.2/24",
		Routes: []string{"0.0.0.0/1", "128.0.0.0/1"},
		Bypass: []string{"203.0.113.7", "2001:db8::7"},
	}
	var looked []string
	lookup := func(ip net.IP) (Route, error) {
		looked = append(looked, ip.String())
		if ip.To4() == nil {
			return Route{Dev: "eth0"}, nil
		}
		return Route{Via: "192.168.1.1", Dev: "eth0"}, nil
	}

	plan, err := planRoutes("cw0", cfg, lookup)
	require.NoError(t, err)
	assert.Equal(t, []Route{
		{Dst: "203.0.113.7/32", Via: "192.168.1.1", Dev: "eth0"},
		{Dst: "2001:db8::7/128", Dev: "eth0"},
		{Dst: "0.0.0.0/1", Dev: "cw0"},
		{Dst: "128.0.0.0/1", Dev: "cw0"},
	}, plan)
	assert.Equal(t, []string{"203.0.113.7", "2001:db8::7"}, looked)
	assert.Equal(t, "203.0.113.7/32 via 192.168.1.1 dev eth0", plan[0].String())
}

func TestPlanRoutesWithoutBypass(t *testing.T) {
	plan, err := planRoutes("cw0", Config{Routes: []string{"192.168.10.0/24"}}, func(net.IP) (Route, error) {
		t.Fatal("nothing to look up")
		return Route{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []Route{{Dst: "192.168.10.0/24", Dev: "cw0"}}, plan)
}

func TestPlanRoutesRejectsUnroutableBypass(t *testing.T) {
	cfg := Config{Routes: []string{"0.0.0.0/1"}, Bypass: []string{"203.0.113.7"}}

	_, err := planRoutes("cw0", cfg, func(net.IP) (Route, error) { return Route{Dev: "cw0"}, nil })
	assert.ErrorIs(t, err, ErrNoRoute, "a bypass through the tunnel itself is a loop")

	down := errors.New("network is unreachable")
	_, err = planRoutes("cw0", cfg, func(net.IP) (Route, error) { return Route{}, down })
	assert.ErrorIs(t, err, down)
}

func TestParseIPRouteGet(t *testing.T) {
	r, err := parseIPRouteGet("203.0.113.7 via 192.168.1.1 dev eth0 src 192.168.1.20 uid 0 \n    cache \n")
	require.NoError(t, err)
	assert.Equal(t, Route{Via: "192.168.1.1", Dev: "eth0"}, r)

	r, err = parseIPRouteGet("192.168.1.5 dev wlan0 src 192.168.1.20 uid 1000 \n    cache \n")
	require.NoError(t, err)
	assert.Equal(t, Route{Dev: "wlan0"}, r)

	_, err = parseIPRouteGet("RTNETLINK answers: Network is unreachable")
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestParseRouteGet(t *testing.T) {
	out := `   route to: 203.0.113.7
destination: default
       mask: default
    gateway: 192.168.1.1
  interface: en0
      flags: <UP,GATEWAY,DONE,STATIC,PRCLONING>
`
	r, err := parseRouteGet(out)
	require.NoError(t, err)
	assert.Equal(t, Route{Via: "192.168.1.1", Dev: "en0"}, r)

	_, err = parseRouteGet("route: writing to routing socket: not in table")
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestCommandsLogThroughDeviceLogger(t *testing.T) {
	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("no true binary")
	}
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	d := newDevice(Config{}, WithLogger(logrus.NewEntry(logger).WithField("key", "3f2a")))

	require.NoError(t, d.run("true"))
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "exec: true ", entry.Message)
	assert.Equal(t, "3f2a", entry.Data["key"])
	assert.Equal(t, "tun", entry.Data["component"])

	require.Error(t, d.run("false"))
}
