package policy

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/mohammad-safakhou/taskforge/internal/core"
)

// DomainPolicy encapsulates host-level allow and block rules.
// A blocked host is never permitted. When the allow list is non-empty only hosts
// on it (or their subdomains) are permitted.
type DomainPolicy struct {
	allow map[string]struct{}
	block map[string]struct{}
}

// NewDomainPolicy builds a policy from raw host or URL lists.
func NewDomainPolicy(allow, block []string) DomainPolicy {
	return DomainPolicy{allow: listToSet(allow), block: listToSet(block)}
}

// ForJob merges the job's constraints into p. Job-level block entries always apply;
// job-level allow entries narrow the policy.
func (p DomainPolicy) ForJob(job core.JobSpec) DomainPolicy {
	out := DomainPolicy{allow: copySet(p.allow), block: copySet(p.block)}
	for host := range listToSet(job.Constraints.BlockDomains) {
		if out.block == nil {
			out.block = map[string]struct{}{}
		}
		out.block[host] = struct{}{}
	}
	if jobAllow := listToSet(job.Constraints.AllowDomains); len(jobAllow) > 0 {
		out.allow = jobAllow
	}
	return out
}

// Allowed returns the sorted allow list.
func (p DomainPolicy) Allowed() []string { return sortedKeys(p.allow) }

// Blocked returns the sorted block list.
func (p DomainPolicy) Blocked() []string { return sortedKeys(p.block) }

// Permits reports whether a URL or bare host passes the policy.
func (p DomainPolicy) Permits(raw string) bool {
	host := normalizeHost(raw)
	if host == "" {
		return false
	}
	if matchesAny(host, p.block) {
		return false
	}
	if len(p.allow) == 0 {
		return true
	}
	return matchesAny(host, p.allow)
}

// Conflicts lists hosts present in both the allow and block lists.
func (p DomainPolicy) Conflicts() []string {
	var out []string
	for host := range p.allow {
		if _, ok := p.block[host]; ok {
			out = append(out, host)
		}
	}
	sort.Strings(out)
	return out
}

// Evaluate produces the policy check recorded on a compiled plan.
// networkSkills lists the plan's skills that reach external services.
func Evaluate(p DomainPolicy, job core.JobSpec, networkSkills []string) core.PolicyCheck {
	merged := p.ForJob(job)
	privacy := job.Constraints.Privacy
	if privacy == "" {
		privacy = core.PrivacyPublic
	}
	check := core.PolicyCheck{
		AllowedDomains: merged.Allowed(),
		BlockedDomains: merged.Blocked(),
		Privacy:        privacy,
	}
	for _, host := range merged.Conflicts() {
		check.Violations = append(check.Violations, fmt.Sprintf("domain %s is both allowed and blocked", host))
	}
	if privacy == core.PrivacyConfidential && len(networkSkills) > 0 {
		skills := append([]string(nil), networkSkills...)
		sort.Strings(skills)
		check.Violations = append(check.Violations,
			fmt.Sprintf("confidential task uses external services: %s", strings.Join(skills, ", ")))
	}
	for _, seed := range job.Inputs.SeedURLs {
		if !merged.Permits(seed) {
			check.Violations = append(check.Violations, fmt.Sprintf("seed url %s is outside the domain policy", seed))
		}
	}
	return check
}

// Host returns the normalised host of a URL or bare host string.
func Host(raw string) string { return normalizeHost(raw) }

func matchesAny(host string, set map[string]struct{}) bool {
	for d := range set {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func listToSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		host := normalizeHost(item)
		if host == "" {
			continue
		}
		set[host] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

func copySet(in map[string]struct{}) map[string]struct{} {
	if in == nil {
		return nil
	}
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalizeHost(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return ""
	}
	if strings.Contains(value, "://") {
		if u, err := url.Parse(value); err == nil && u.Host != "" {
			value = u.Host
		}
	} else if i := strings.IndexByte(value, '/'); i >= 0 {
		value = value[:i]
	}
	if h, _, ok := strings.Cut(value, ":"); ok {
		value = h
	}
	value = strings.TrimPrefix(value, "www.")
	return value
}
