package tenancy

import (
	"net"
	"regexp"
	"strings"
)

// DirectoryAlias is the fixed alias of the administrative metadata
// database. It is never part of the dynamic registry and never subject to
// request routing.
const DirectoryAlias = "directory"

var aliasPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// AliasForDomain derives the registry alias for a tenant domain:
// lowercased with dots replaced by underscores, so "Clinic1.Example.com"
// becomes "clinic1_example_com".
func AliasForDomain(domain string) string {
	return strings.ReplaceAll(strings.ToLower(domain), ".", "_")
}

// ValidAlias reports whether alias is safe to use as a registry key.
func ValidAlias(alias string) bool {
	return alias != DirectoryAlias && aliasPattern.MatchString(alias)
}

// StripPort removes a trailing :port from a request host, tolerating hosts
// without one.
func StripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
