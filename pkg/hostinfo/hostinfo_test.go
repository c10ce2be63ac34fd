package hostinfo

import (
	"context"
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCollect(t *testing.T) {
	info := NewCollector(5 * time.Second).Collect(context.Background())

	require.NotEmpty(t, info.Hostname)
	require.Equal(t, MachineName(info.Hostname), info.MachineName)
	require.Equal(t, runtime.GOOS, info.OS)
	require.WithinDuration(t, time.Now(), info.CollectedAt, time.Minute)
	require.NotEmpty(t, info.OSInfo())
}

func TestMachineName(t *testing.T) {
	require.Equal(t, "DC01", MachineName("dc01.corp.local"))
	require.Equal(t, "WS-7", MachineName(" ws-7 "))
}

func TestParseOSRelease(t *testing.T) {
	data := "NAME=\"Ubuntu\"\nPRETTY_NAME=\"Ubuntu 24.04 LTS\"\nID=ubuntu\n"
	require.Equal(t, "Ubuntu 24.04 LTS", parseOSRelease(data))
	require.Empty(t, parseOSRelease("ID=alpine\n"))
}

func TestParseResolvConf(t *testing.T) {
	require.Equal(t, "corp.local", parseResolvConf("# generated\nnameserver 10.0.0.1\nsearch corp.local lab.local\n"))
	require.Empty(t, parseResolvConf("nameserver 10.0.0.1\n"))
}

func TestFirstUsableIP(t *testing.T) {
	mk := func(s string) net.Addr {
		ip, ipNet, err := net.ParseCIDR(s)
		require.NoError(t, err)
		ipNet.IP = ip
		return ipNet
	}
	addrs := []net.Addr{mk("127.0.0.1/8"), mk("fe80::1/64"), mk("2001:db8::5/64"), mk("10.1.2.3/24")}
	require.Equal(t, "10.1.2.3", firstUsableIP(addrs))
	require.Equal(t, "2001:db8::5", firstUsableIP(addrs[:3]))
	require.Empty(t, firstUsableIP(addrs[:2]))
}

func TestOSInfoFallsBackToGOOS(t *testing.T) {
	info := Info{OS: "linux", Arch: "amd64"}
	require.Equal(t, "linux amd64", info.OSInfo())
	info.OSName = "Debian GNU/Linux 12"
	info.Kernel = "6.1.0"
	require.Equal(t, "Debian GNU/Linux 12 6.1.0 amd64", info.OSInfo())
}
