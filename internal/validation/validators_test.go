package validation

import (
	"strings"
	"testing"
)

func TestValidateInterfaceName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		// Happy paths
		{"simple", "eth0", false},
		{"with dash", "eth-0", false},
		{"with underscore", "eth_0", false},
		{"with dot (vlan)", "eth0.100", false},
		{"max length", "eth0123456789ab", false},
		{"wildcard", "eth+", false},
		{"wildcard at max length", "eth0123456789ab+", false},
		{"negated", "!wg0", false},

		// Sad paths
		{"empty", "", true},
		{"only negation", "!", true},
		{"too long", "eth01234567890123", true},
		{"space", "eth 0", true},
		{"semicolon injection", "eth0;rm", true},
		{"pipe injection", "eth0|cat", true},
		{"dollar sign", "eth0$USER", true},
		{"backtick", "eth0`whoami`", true},
		{"wildcard in middle", "et+h0", true},
		{"newline", "eth0\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateInterfaceName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateInterfaceName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateChainName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"builtin", "INPUT", false},
		{"user defined", "web-allow_v2", false},
		{"max length", strings.Repeat("C", 28), false},

		{"empty", "", true},
		{"too long", strings.Repeat("C", 29), true},
		{"space", "MY CHAIN", true},
		{"injection", "INPUT;reboot", true},
		{"slash", "a/b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChainName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateChainName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"ipv4", "192.168.1.1", false},
		{"ipv4 cidr", "10.0.0.0/8", false},
		{"ipv6", "2001:db8::1", false},
		{"ipv6 cidr", "2001:db8::/32", false},
		{"negated cidr", "!192.168.0.0/16", false},
		{"host name", "db1.internal.example.com", false},
		{"single label", "gateway", false},

		{"empty", "", true},
		{"bad cidr", "10.0.0.0/33", true},
		{"bad ip", "300.1.1.1", true},
		{"dash", "-", true},
		{"injection", "10.0.0.1;id", true},
		{"space", "10.0.0.1 10.0.0.2", true},
		{"label too long", strings.Repeat("a", 64) + ".com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAddress(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePortNumber(t *testing.T) {
	for _, p := range []int{1, 22, 65535} {
		if err := ValidatePortNumber(p); err != nil {
			t.Errorf("ValidatePortNumber(%d) = %v", p, err)
		}
	}
	for _, p := range []int{0, -1, 65536} {
		if err := ValidatePortNumber(p); err == nil {
			t.Errorf("ValidatePortNumber(%d) = nil, want error", p)
		}
	}
}

func TestValidatePortSpec(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"single", "443", false},
		{"range", "1024-65535", false},
		{"list", "80,443,8000-8080", false},
		{"negated", "!22", false},
		{"negated list", "!80,443", false},

		{"empty", "", true},
		{"only negation", "!", true},
		{"out of range", "70000", true},
		{"zero", "0", true},
		{"range end out of range", "1-65536", true},
		{"reversed range", "9000-8000", true},
		{"service name", "http", true},
		{"injection", "http;reboot", true},
		{"empty list item", "80,,443", true},
		{"open range", "1024-", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePortSpec(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePortSpec(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
