package netutil

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	MinPort = 1
	MaxPort = 65535
)

// ValidPort reports whether p is a usable TCP port.
func ValidPort(p int) bool {
	return p >= MinPort && p <= MaxPort
}

// ParsePort parses s as a TCP port in [1, 65535].
func ParsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", s, err)
	}
	if !ValidPort(p) {
		return 0, fmt.Errorf("port %d out of range [%d, %d]", p, MinPort, MaxPort)
	}
	return p, nil
}

// PortOrDefault returns p when valid, otherwise def.
func PortOrDefault(p, def int) int {
	if ValidPort(p) {
		return p
	}
	return def
}

// SelectBindAddr picks an available bind address based on preferred and fallback list.
func SelectBindAddr(preferred string, candidates []string, autoFallback bool) (string, error) {
	if preferred != "" {
		ok, err := IsAddrAvailable(preferred)
		if err != nil {
			return "", err
		}
		if ok {
			return preferred, nil
		}
		if !autoFallback {
			return "", fmt.Errorf("preferred bind address in use: %s", preferred)
		}
	}

	for _, addr := range candidates {
		ok, err := IsAddrAvailable(addr)
		if err != nil {
			return "", err
		}
		if ok {
			return addr, nil
		}
	}

	return "", errors.New("no available status API bind addresses")
}

// IsAddrAvailable returns true when an address can be listened on.
func IsAddrAvailable(addr string) (bool, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false, nil
	}
	if closeErr := ln.Close(); closeErr != nil {
		return false, closeErr
	}
	return true, nil
}
