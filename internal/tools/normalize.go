package tools

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/microcosm-cc/bluemonday"

	"github.com/mohammad-safakhou/taskforge/internal/capability"
	"github.com/mohammad-safakhou/taskforge/internal/core"
)

var (
	strictPolicyOnce sync.Once
	strictPolicy     *bluemonday.Policy
)

func stripPolicy() *bluemonday.Policy {
	strictPolicyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return strictPolicy
}

var trackingQueryParams = map[string]struct{}{
	"utm_source": {}, "utm_medium": {}, "utm_campaign": {}, "utm_term": {}, "utm_content": {},
	"utm_id": {}, "gclid": {}, "dclid": {}, "fbclid": {}, "msclkid": {}, "igshid": {}, "ref": {},
}

// boilerplate markers; lines shorter than boilerplateMaxLen containing one are dropped.
var boilerplateMarkers = []string{
	"cookie", "subscribe", "sign in", "log in", "all rights reserved", "privacy policy",
	"terms of use", "advertisement", "share this", "©",
	"ログイン", "会員登録", "利用規約", "プライバシーポリシー", "広告", "無断転載",
}

const boilerplateMaxLen = 120

// CanonicalURL lowercases scheme and host, drops default ports, fragments and
// tracking parameters, cleans the path and sorts the remaining query.
func CanonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty url")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + strings.TrimPrefix(raw, "//")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", errors.New("url missing host")
	}
	if port := u.Port(); port != "" && !(u.Scheme == "http" && port == "80") && !(u.Scheme == "https" && port == "443") {
		host += ":" + port
	}
	u.Host = host
	u.User = nil

	p := path.Clean("/" + u.Path)
	if p != "/" && strings.HasSuffix(u.Path, "/") {
		p += "/"
	}
	u.Path = p
	u.RawPath = ""
	u.Fragment = ""

	q := u.Query()
	for key := range q {
		if _, drop := trackingQueryParams[strings.ToLower(key)]; drop || strings.HasPrefix(strings.ToLower(key), "utm_") {
			q.Del(key)
		}
	}
	for _, vals := range q {
		sort.Strings(vals)
	}
	u.RawQuery = q.Encode() // Encode sorts by key
	return u.String(), nil
}

// NormalizeTool implements normalize_dedupe.
type NormalizeTool struct {
	logger *log.Logger
}

func NewNormalizeTool(logger *log.Logger) *NormalizeTool {
	return &NormalizeTool{logger: discardLogger(logger, "[TOOLS] ")}
}

func (t *NormalizeTool) Name() string { return capability.SkillNormalizeDedupe }

func (t *NormalizeTool) Invoke(ctx context.Context, req Request) Result {
	env, ok := core.FindEnvelope(req.Inputs, core.ContractDocumentsRaw)
	if !ok {
		return Fail("normalize_dedupe: missing %s input", core.ContractDocumentsRaw)
	}
	docs, err := core.DecodeEnvelope[[]core.Document](env, core.ContractDocumentsRaw)
	if err != nil {
		return Fail("normalize_dedupe: %v", err)
	}

	minChars := paramInt(req.Params, "min_chars", 40)
	seen := make(map[string]int)
	var out []core.Document
	var failed, duplicates, thin int
	for _, d := range docs {
		if d.Failed() {
			failed++
			continue
		}
		clean := CleanText(d.Content)
		if len([]rune(clean)) < minChars {
			thin++
			continue
		}
		canonical, err := CanonicalURL(d.URL)
		if err != nil {
			canonical = strings.TrimSpace(d.URL)
		}
		title := CleanText(d.Title)
		key := canonical + "|" + normalizeTitle(title)
		if idx, dup := seen[key]; dup {
			duplicates++
			if len(clean) > len(out[idx].Content) {
				out[idx].Content = clean
			}
			continue
		}
		meta := make(map[string]string, len(d.Meta)+1)
		for k, v := range d.Meta {
			meta[k] = v
		}
		meta["canonical_url"] = canonical
		seen[key] = len(out)
		out = append(out, core.Document{
			URL:         canonical,
			Title:       title,
			Content:     clean,
			PublishedAt: d.PublishedAt,
			Author:      strings.TrimSpace(d.Author),
			Meta:        meta,
		})
	}
	t.logger.Printf("normalize_dedupe run=%s node=%s in=%d out=%d failed=%d duplicates=%d thin=%d",
		req.RunID, req.NodeID, len(docs), len(out), failed, duplicates, thin)
	if len(out) == 0 {
		return Fail("normalize_dedupe: no usable documents (in=%d failed=%d thin=%d)", len(docs), failed, thin)
	}
	return OK(core.ContractDocumentsClean, out,
		fmt.Sprintf("in=%d out=%d dropped_failed=%d duplicates=%d dropped_thin=%d", len(docs), len(out), failed, duplicates, thin))
}

// CleanText strips markup, drops boilerplate lines and collapses whitespace.
func CleanText(s string) string {
	s = html.UnescapeString(stripPolicy().Sanitize(s))
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" || isBoilerplate(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func isBoilerplate(line string) bool {
	if len(line) > boilerplateMaxLen {
		return false
	}
	lower := strings.ToLower(line)
	for _, m := range boilerplateMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func normalizeTitle(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
