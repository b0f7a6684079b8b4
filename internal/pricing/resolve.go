package pricing

import (
	"regexp"
	"sort"
	"strings"

	"golang.org/x/mod/semver"
)

// providerPrefixes are tried in order when the bare model ID has no exact
// catalog row.
var providerPrefixes = map[string][]string{
	"codex":  {"openai/", "azure/", "openrouter/openai/", "github_copilot/"},
	"claude": {"anthropic/", "openrouter/anthropic/", "vertex_ai/", "bedrock/"},
}

// providerAliases map short or renamed model IDs to their canonical catalog
// spelling; the canonical ID is then re-resolved exactly or via prefixes.
var providerAliases = map[string]map[string]string{
	"codex": {
		"codex-mini": "codex-mini-latest",
		"o4-mini":    "o4-mini-2025-04-16",
	},
	"claude": {
		"sonnet": "claude-sonnet-4-5",
		"opus":   "claude-opus-4-6",
		"haiku":  "claude-haiku-4-5",
	},
}

// resolve finds the catalog row for (providerID, modelID) using the order:
// exact, prefix, alias, version fallback. It returns the resolved catalog
// key and the strategy that produced it. A catalog row without unit costs
// does not resolve; an unpriced entry falls through to version fallback.
func resolve(prices map[string]Price, providerID, modelID string) (string, string, bool) {
	if prices[modelID].HasPrice() {
		return modelID, "exact", true
	}

	for _, prefix := range providerPrefixes[providerID] {
		if prices[prefix+modelID].HasPrice() {
			return prefix + modelID, "prefix", true
		}
	}

	if canonical, ok := providerAliases[providerID][modelID]; ok {
		if prices[canonical].HasPrice() {
			return canonical, "alias", true
		}
		for _, prefix := range providerPrefixes[providerID] {
			if prices[prefix+canonical].HasPrice() {
				return prefix + canonical, "alias", true
			}
		}
	}

	if key, ok := versionFallback(prices, providerID, modelID); ok {
		return key, "fallback", true
	}
	return "", "", false
}

var versionToken = regexp.MustCompile(`\d+(?:\.\d+)+|\d+`)

// modelSkeleton replaces the first numeric version token with a placeholder
// so differently versioned siblings compare equal.
func modelSkeleton(id string) (skeleton, version string, ok bool) {
	loc := versionToken.FindStringIndex(id)
	if loc == nil {
		return "", "", false
	}
	version = id[loc[0]:loc[1]]
	return id[:loc[0]] + "{v}" + id[loc[1]:], version, true
}

// stripProviderPrefix returns the unprefixed ID and the prefix it carried.
func stripProviderPrefix(providerID, id string) (string, string) {
	for _, prefix := range providerPrefixes[providerID] {
		if strings.HasPrefix(id, prefix) {
			return strings.TrimPrefix(id, prefix), prefix
		}
	}
	return id, ""
}

// canonicalVersion makes a dotted version token comparable with semver.
func canonicalVersion(v string) string {
	return "v" + v
}

type fallbackCandidate struct {
	key     string
	version string
	prefix  string
}

// versionFallback finds a priced sibling with a strictly older version.
// Preference order: closest-lower version, then an unprefixed entry over a
// prefixed one, then a same-prefix entry over a different-prefix one.
func versionFallback(prices map[string]Price, providerID, modelID string) (string, bool) {
	wantBase, wantPrefix := stripProviderPrefix(providerID, modelID)
	wantSkeleton, wantVersion, ok := modelSkeleton(wantBase)
	if !ok {
		return "", false
	}

	var cands []fallbackCandidate
	for key, price := range prices {
		if !price.HasPrice() {
			continue
		}
		base, prefix := stripProviderPrefix(providerID, key)
		skeleton, version, ok := modelSkeleton(base)
		if !ok || skeleton != wantSkeleton {
			continue
		}
		if semver.Compare(canonicalVersion(version), canonicalVersion(wantVersion)) >= 0 {
			continue
		}
		cands = append(cands, fallbackCandidate{key: key, version: version, prefix: prefix})
	}
	if len(cands) == 0 {
		return "", false
	}

	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if cmp := semver.Compare(canonicalVersion(a.version), canonicalVersion(b.version)); cmp != 0 {
			return cmp > 0 // closest-lower first
		}
		if (a.prefix == "") != (b.prefix == "") {
			return a.prefix == ""
		}
		if (a.prefix == wantPrefix) != (b.prefix == wantPrefix) {
			return a.prefix == wantPrefix
		}
		return a.key < b.key
	})
	return cands[0].key, true
}
