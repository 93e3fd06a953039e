// Package proxy provides pure types and functions for the domain reverse proxy.
// This package has no I/O dependencies and is tested with values in/out.
package proxy

import (
	"fmt"
	"net"
	"strconv"
)

// RouteTarget is the upstream a domain is routed to.
type RouteTarget struct {
	Domain     string `json:"domain"`
	InstanceID string `json:"instance_id"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
}

// LocalTarget returns a loopback target for a host port.
func LocalTarget(domainName, instanceID string, port int) RouteTarget {
	return RouteTarget{Domain: domainName, InstanceID: instanceID, Host: "127.0.0.1", Port: port}
}

// CanRoute returns true if the target has a usable address.
func (t RouteTarget) CanRoute() bool {
	return t.Host != "" && t.Port > 0 && t.Port <= 65535
}

// Address returns host:port.
func (t RouteTarget) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// URL returns the upstream base URL.
func (t RouteTarget) URL() string {
	return fmt.Sprintf("http://%s", t.Address())
}
