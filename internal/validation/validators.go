// Package validation checks the values that end up as iptables arguments.
package validation

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

var (
	// Linux interface names: at most 15 bytes; iptables accepts a trailing
	// "+" as a prefix wildcard.
	interfaceNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,15}\+?$`)

	// Chain and target names: iptables limits them to 28 characters.
	chainNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,28}$`)

	hostLabelRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

	// Characters that never belong in any iptables argument.
	dangerousChars = []string{";", "|", "&", "$", "`", "(", ")", "<", ">", "\\", "\"", "'", "\n", "\r", " ", "\t"}
)

// negated splits a leading "!" off v.
func negated(v string) (string, bool) {
	rest, ok := strings.CutPrefix(v, "!")
	return strings.TrimSpace(rest), ok
}

func checkDangerous(kind, v string) error {
	for _, char := range dangerousChars {
		if strings.Contains(v, char) {
			return fmt.Errorf("%s contains dangerous character %q", kind, char)
		}
	}
	return nil
}

// ValidateInterfaceName validates an interface match such as "eth0",
// "eth+" or "!wg0".
func ValidateInterfaceName(name string) error {
	name, _ = negated(name)
	if name == "" {
		return fmt.Errorf("interface name cannot be empty")
	}
	if err := checkDangerous("interface name", name); err != nil {
		return err
	}
	if len(strings.TrimSuffix(name, "+")) > 15 {
		return fmt.Errorf("interface name too long (max 15 characters): %s", name)
	}
	if !interfaceNameRegex.MatchString(name) {
		return fmt.Errorf("invalid interface name: %s (must be alphanumeric with -_. and an optional trailing +)", name)
	}
	return nil
}

// ValidateChainName validates a built-in or user-defined chain name.
func ValidateChainName(name string) error {
	if name == "" {
		return fmt.Errorf("chain name cannot be empty")
	}
	if err := checkDangerous("chain name", name); err != nil {
		return err
	}
	if len(name) > 28 {
		return fmt.Errorf("chain name too long (max 28 characters): %s", name)
	}
	if !chainNameRegex.MatchString(name) {
		return fmt.Errorf("invalid chain name: %s", name)
	}
	return nil
}

// ValidateAddress validates a source or destination match: an IP address,
// a CIDR range or a host name, optionally negated.
func ValidateAddress(s string) error {
	s, _ = negated(s)
	if s == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if err := checkDangerous("address", s); err != nil {
		return err
	}

	if strings.Contains(s, "/") {
		if _, _, err := net.ParseCIDR(s); err != nil {
			return fmt.Errorf("invalid CIDR: %w", err)
		}
		return nil
	}
	if net.ParseIP(s) != nil {
		return nil
	}
	if err := ValidateHostname(s); err != nil {
		return fmt.Errorf("invalid address %q: not an IP, CIDR or host name", s)
	}
	return nil
}

// ValidateHostname validates a DNS host name.
func ValidateHostname(s string) error {
	s = strings.TrimSuffix(s, ".")
	if s == "" || len(s) > 253 {
		return fmt.Errorf("invalid host name length: %q", s)
	}
	labels := strings.Split(s, ".")
	for _, l := range labels {
		if !hostLabelRegex.MatchString(l) {
			return fmt.Errorf("invalid host name label %q", l)
		}
	}
	// An all-numeric name would have parsed as an IP.
	last := labels[len(labels)-1]
	if strings.Trim(last, "0123456789") == "" {
		return fmt.Errorf("invalid host name %q: numeric top-level label", s)
	}
	return nil
}

// ValidatePortNumber validates a port number
func ValidatePortNumber(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port number: %d (must be 1-65535)", port)
	}
	return nil
}

// ValidatePortSpec validates a canonical port match: a port, an "N-M" range
// or a comma-separated list of those, optionally negated as a whole.
func ValidatePortSpec(spec string) error {
	body, _ := negated(spec)
	if body == "" {
		return fmt.Errorf("port cannot be empty")
	}
	for _, item := range strings.Split(body, ",") {
		lo, hi, isRange := strings.Cut(item, "-")
		first, err := portItem(lo)
		if err != nil {
			return err
		}
		if !isRange {
			continue
		}
		last, err := portItem(hi)
		if err != nil {
			return err
		}
		if first > last {
			return fmt.Errorf("invalid port range %q: start is after end", item)
		}
	}
	return nil
}

func portItem(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: not a number", s)
	}
	return n, ValidatePortNumber(n)
}
