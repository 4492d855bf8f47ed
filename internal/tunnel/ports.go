// Package tunnel lists listening TCP ports and exposes them through ngrok
// tunnels.
package tunnel

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

// execCommand is swapped in tests.
var execCommand = exec.CommandContext

// listCommand returns the platform's port enumeration command line, run via
// the platform shell.
func listCommand(goos string) (name string, args []string, err error) {
	switch goos {
	case "linux", "android":
		return "/bin/sh", []string{"-c",
			`ss -ntlpH | awk '{print $5}' | awk -F: '{print $NF}' | sort -n | uniq`}, nil
	case "darwin":
		return "/bin/sh", []string{"-c",
			`lsof -nP -iTCP -sTCP:LISTEN | awk 'NR>1 {print $9}' | awk -F ':' '{print $NF}' | sort -n | uniq`}, nil
	case "windows":
		return "powershell", []string{"-NoProfile", "-Command",
			`Get-NetTCPConnection -State Listen | Select-Object -ExpandProperty LocalPort | Sort-Object -Unique`}, nil
	default:
		return "", nil, fmt.Errorf("port listing is not supported on %s", goos)
	}
}

// ListPorts returns the listening TCP ports, ascending and deduplicated.
func ListPorts(ctx context.Context) ([]int, error) {
	name, args, err := listCommand(runtime.GOOS)
	if err != nil {
		return nil, fmt.Errorf("Failed to list active ports: %s", err)
	}
	out, err := execCommand(ctx, name, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("Failed to list active ports: %s", err)
	}
	return ParsePorts(string(out)), nil
}

// ParsePorts extracts valid port numbers from command output: one candidate
// per line, decimal, within [1, 65535], deduplicated, sorted ascending.
func ParsePorts(out string) []int {
	seen := make(map[int]bool)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		port, err := strconv.Atoi(line)
		if err != nil || port < 1 || port > 65535 {
			continue
		}
		seen[port] = true
	}
	ports := make([]int, 0, len(seen))
	for port := range seen {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}
