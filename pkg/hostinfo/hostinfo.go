// Package hostinfo gathers the host metadata an agent reports when it
// registers: machine name, domain, address and operating system.
package hostinfo

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Info is a best-effort description of the host. Probes that fail leave
// their fields empty and record the failure in Errors.
type Info struct {
	Hostname    string            `json:"hostname"`
	MachineName string            `json:"machine_name"`
	Domain      string            `json:"domain,omitempty"`
	IPAddress   string            `json:"ip_address,omitempty"`
	OS          string            `json:"os"`
	Arch        string            `json:"arch"`
	OSName      string            `json:"os_name,omitempty"`
	Kernel      string            `json:"kernel,omitempty"`
	CollectedAt time.Time         `json:"collected_at"`
	Errors      map[string]string `json:"errors,omitempty"`
}

// OSInfo renders the operating system for the registration request.
func (i *Info) OSInfo() string {
	parts := make([]string, 0, 3)
	if i.OSName != "" {
		parts = append(parts, i.OSName)
	} else {
		parts = append(parts, i.OS)
	}
	if i.Kernel != "" {
		parts = append(parts, i.Kernel)
	}
	parts = append(parts, i.Arch)
	return strings.Join(parts, " ")
}

// Collector runs host probes in parallel under a shared timeout.
type Collector struct {
	timeout time.Duration
	mu      sync.Mutex
	errors  map[string]string
}

func NewCollector(timeout time.Duration) *Collector {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Collector{timeout: timeout}
}

func (c *Collector) Collect(ctx context.Context) *Info {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.mu.Lock()
	c.errors = make(map[string]string)
	c.mu.Unlock()

	info := &Info{
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		CollectedAt: time.Now().UTC(),
	}
	hostname, err := os.Hostname()
	if err != nil {
		c.recordError("hostname", err.Error())
	}
	info.Hostname = hostname
	info.MachineName = MachineName(hostname)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	probes := []struct {
		name string
		fn   func(context.Context) (func(*Info), error)
	}{
		{"os_info", probeOSName},
		{"kernel", probeKernel},
		{"domain", probeDomain},
		{"ip_address", probeIPAddress},
	}
	for _, probe := range probes {
		wg.Add(1)
		go func(name string, fn func(context.Context) (func(*Info), error)) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					c.recordError(name, fmt.Sprintf("panic: %v", r))
				}
			}()
			apply, err := fn(ctx)
			if err != nil {
				c.recordError(name, err.Error())
				return
			}
			mu.Lock()
			apply(info)
			mu.Unlock()
		}(probe.name, probe.fn)
	}
	wg.Wait()

	if info.Domain == "" {
		if _, domain, ok := strings.Cut(hostname, "."); ok {
			info.Domain = domain
		}
	}

	c.mu.Lock()
	if len(c.errors) > 0 {
		info.Errors = c.errors
	}
	c.mu.Unlock()
	return info
}

func (c *Collector) recordError(probe, err string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors[probe] = err
}

// MachineName returns the short, upper-cased host name, the form directory
// services use for computer accounts.
func MachineName(hostname string) string {
	short, _, _ := strings.Cut(strings.TrimSpace(hostname), ".")
	return strings.ToUpper(short)
}

func probeOSName(ctx context.Context) (func(*Info), error) {
	var name string
	switch runtime.GOOS {
	case "linux":
		data, err := os.ReadFile("/etc/os-release")
		if err != nil {
			return nil, err
		}
		name = parseOSRelease(string(data))
	case "darwin":
		out, err := execWithTimeout(ctx, "sw_vers", "-productVersion")
		if err != nil {
			return nil, err
		}
		name = "macOS " + strings.TrimSpace(string(out))
	case "windows":
		out, err := execWithTimeout(ctx, "powershell", "-Command",
			"(Get-CimInstance Win32_OperatingSystem).Caption")
		if err != nil {
			return nil, err
		}
		name = strings.TrimSpace(string(out))
	}
	return func(i *Info) { i.OSName = name }, nil
}

func probeKernel(ctx context.Context) (func(*Info), error) {
	if runtime.GOOS == "windows" {
		return func(*Info) {}, nil
	}
	out, err := execWithTimeout(ctx, "uname", "-r")
	if err != nil {
		return nil, err
	}
	kernel := strings.TrimSpace(string(out))
	return func(i *Info) { i.Kernel = kernel }, nil
}

func probeDomain(ctx context.Context) (func(*Info), error) {
	var domain string
	switch runtime.GOOS {
	case "windows":
		domain = os.Getenv("USERDNSDOMAIN")
	default:
		if data, err := os.ReadFile("/etc/resolv.conf"); err == nil {
			domain = parseResolvConf(string(data))
		}
		if domain == "" {
			if out, err := execWithTimeout(ctx, "hostname", "-d"); err == nil {
				domain = strings.TrimSpace(string(out))
			}
		}
	}
	domain = strings.ToLower(domain)
	return func(i *Info) { i.Domain = domain }, nil
}

func probeIPAddress(context.Context) (func(*Info), error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	ip := firstUsableIP(addrs)
	if ip == "" {
		return nil, fmt.Errorf("no non-loopback address")
	}
	return func(i *Info) { i.IPAddress = ip }, nil
}

func parseOSRelease(data string) string {
	for _, line := range strings.Split(data, "\n") {
		if value, ok := strings.CutPrefix(line, "PRETTY_NAME="); ok {
			return strings.Trim(value, "\"")
		}
	}
	return ""
}

// parseResolvConf returns the first search or domain entry.
func parseResolvConf(data string) string {
	for _, line := range strings.Split(data, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && (fields[0] == "search" || fields[0] == "domain") {
			return fields[1]
		}
	}
	return ""
}

// firstUsableIP prefers IPv4 over IPv6 and skips loopback and link-local
// addresses.
func firstUsableIP(addrs []net.Addr) string {
	var v6 string
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			continue
		}
		if ip.To4() != nil {
			return ip.String()
		}
		if v6 == "" {
			v6 = ip.String()
		}
	}
	return v6
}

func execWithTimeout(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.Output()
}
