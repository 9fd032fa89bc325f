// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package base

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// EndpointOptions configures how adapter endpoints are vetted before dialing
type EndpointOptions struct {
	// AllowPrivateIPs permits loopback and internal targets, needed for
	// in-cluster sources and tests.
	AllowPrivateIPs bool
	// AllowedSchemes defaults to http/https; the stream adapter passes ws/wss.
	AllowedSchemes []string
	// AllowedHosts, when non-empty, restricts hosts to these names or any
	// subdomain of them.
	AllowedHosts []string
}

// HTTPEndpoint returns the defaults used by the API adapter
func HTTPEndpoint() EndpointOptions {
	return EndpointOptions{AllowedSchemes: []string{"https", "http"}}
}

// StreamEndpoint returns the defaults used by the stream adapter
func StreamEndpoint() EndpointOptions {
	return EndpointOptions{AllowedSchemes: []string{"wss", "ws"}}
}

// reservedNets are ranges net.IP helpers do not already flag
var reservedNets = mustParseCIDRs(
	"0.0.0.0/8",
	"100.64.0.0/10",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

// ValidateEndpoint rejects adapter URLs that could be used for SSRF: bad
// schemes, hosts outside the allow-list and hosts resolving to internal IPs.
func ValidateEndpoint(rawURL string, opts EndpointOptions) (*url.URL, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("endpoint URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL: %w", err)
	}

	schemes := opts.AllowedSchemes
	if len(schemes) == 0 {
		schemes = HTTPEndpoint().AllowedSchemes
	}
	if !containsFold(schemes, u.Scheme) {
		return nil, fmt.Errorf("scheme %q is not allowed; permitted schemes: %v", u.Scheme, schemes)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("endpoint URL must contain a hostname")
	}

	if len(opts.AllowedHosts) > 0 && !hostAllowed(host, opts.AllowedHosts) {
		return nil, fmt.Errorf("host %q is not in the allowed list", host)
	}

	if opts.AllowPrivateIPs {
		return u, nil
	}

	ips := []net.IP{net.ParseIP(host)}
	if ips[0] == nil {
		ips, err = net.LookupIP(host)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve host %q: %w", host, err)
		}
	}
	for _, ip := range ips {
		if IsPrivateIP(ip) {
			return nil, fmt.Errorf("connection to private/internal IP %s is not allowed (host: %s)", ip, host)
		}
	}
	return u, nil
}

// IsPrivateIP reports loopback, link-local, RFC1918, CGNAT, test-net,
// multicast and reserved addresses.
func IsPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() || ip.IsUnspecified() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		for _, n := range reservedNets {
			if n.Contains(ip4) {
				return true
			}
		}
	}
	return false
}

func hostAllowed(host string, allowed []string) bool {
	for _, a := range allowed {
		a = strings.ToLower(a)
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

var (
	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	ansiPattern       = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)
)

var reservedWords = map[string]bool{
	"SELECT": true, "INSERT": true, "UPDATE": true, "DELETE": true, "DROP": true,
	"CREATE": true, "ALTER": true, "TABLE": true, "FROM": true, "WHERE": true,
	"AND": true, "OR": true, "NOT": true, "NULL": true, "JOIN": true, "UNION": true,
	"ORDER": true, "GROUP": true, "BY": true, "LIMIT": true, "INTO": true,
	"VALUES": true, "SET": true, "GRANT": true, "TRUNCATE": true, "EXEC": true,
}

// ValidateIdentifier checks that a table, column or topic name can be
// quoted into a statement without changing its structure.
func ValidateIdentifier(identifier string) error {
	if identifier == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if !identifierPattern.MatchString(identifier) {
		return fmt.Errorf("invalid identifier: %q", identifier)
	}
	if reservedWords[strings.ToUpper(identifier)] {
		return fmt.Errorf("identifier %q is a reserved word", identifier)
	}
	return nil
}

// ValidateResourcePath checks an API resource path: rooted, no traversal,
// no control characters.
func ValidateResourcePath(path string) error {
	if path == "" || !strings.HasPrefix(path, "/") {
		return fmt.Errorf("resource path must start with '/': %q", path)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("path traversal not allowed: %q", path)
	}
	if strings.ContainsAny(path, "\x00\r\n?#") {
		return fmt.Errorf("resource path contains forbidden characters: %q", path)
	}
	return nil
}

// SanitizeLogString escapes newlines and strips ANSI sequences so values
// echoed into logs cannot forge entries.
func SanitizeLogString(s string) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	s = ansiPattern.ReplaceAllString(s, "")
	const maxLogLength = 500
	if len(s) > maxLogLength {
		s = s[:maxLogLength] + "...[truncated]"
	}
	return s
}
