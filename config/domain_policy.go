package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// DomainPolicyConfig is the environment-wide allow/deny list applied to every job.
type DomainPolicyConfig struct {
	Allow    []string `mapstructure:"allow" json:"allow"`
	Disallow []string `mapstructure:"disallow" json:"disallow"`
}

// Normalize cleans entries and removes duplicates.
func (c DomainPolicyConfig) Normalize() DomainPolicyConfig {
	return DomainPolicyConfig{
		Allow:    sanitizeDomainList(c.Allow),
		Disallow: sanitizeDomainList(c.Disallow),
	}
}

// Validate ensures configured policy entries do not conflict.
func (c DomainPolicyConfig) Validate() error {
	norm := c.Normalize()
	allow := make(map[string]struct{}, len(norm.Allow))
	for _, host := range norm.Allow {
		allow[host] = struct{}{}
	}
	for _, host := range norm.Disallow {
		if _, ok := allow[host]; ok {
			return fmt.Errorf("domain policy conflict: host %q present in both allow and disallow lists", host)
		}
	}
	return nil
}

func sanitizeDomainList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	for _, raw := range values {
		host := normalizeHost(raw)
		if host == "" {
			continue
		}
		seen[host] = struct{}{}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for host := range seen {
		out = append(out, host)
	}
	sort.Strings(out)
	return out
}

func normalizeHost(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		if u, err := url.Parse(value); err == nil && u.Host != "" {
			return strings.TrimPrefix(strings.ToLower(u.Host), "www.")
		}
	}
	return strings.TrimPrefix(value, "www.")
}
