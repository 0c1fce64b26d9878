package config

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownSectionKeys lists the valid keys of every section. Provider
// sections share one key set.
var knownSectionKeys = map[string][]string{
	"logging":  {"log_level", "log_file", "log_format"},
	"network":  {"request_timeout", "user_agent"},
	"retry":    {"max_retries", "base_delay", "max_delay", "max_retry_after"},
	"auth":     {"refresh_margin", "min_lifetime", "credential_store", "token_dir", "callback_port"},
	"sync":     {"poll_interval", "concurrency", "principals", "resources"},
	"database": {"path"},
	"provider": {"client_id", "client_secret", "base_url", "auth_url", "token_url", "scopes"},
}

var knownProviders = []string{"coop", "esi"}

// knownSections is the sorted list of top-level sections for Levenshtein
// matching. Sorted for deterministic suggestions on equal distances.
var knownSections = func() []string {
	out := []string{"providers"}

	for k := range knownSectionKeys {
		if k != "provider" {
			out = append(out, k)
		}
	}

	sort.Strings(out)

	return out
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns an
// error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	// An unknown table is reported once, not once per key inside it.
	reported := make(map[string]bool)

	for _, key := range undecoded {
		if underReported(key, reported) {
			continue
		}

		scope, err := unknownKeyError(key)
		reported[scope.String()] = true
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func underReported(key toml.Key, reported map[string]bool) bool {
	for i := 1; i < len(key); i++ {
		if reported[key[:i].String()] {
			return true
		}
	}

	return false
}

// unknownKeyError describes key and returns the key prefix it covers: an
// unknown table covers everything beneath it.
func unknownKeyError(key toml.Key) (toml.Key, error) {
	switch {
	case len(key) == 1:
		return key, suggest(fmt.Sprintf("unknown config key %q", key.String()), key[0], knownSections)

	case key[0] == "providers" && !slices.Contains(knownProviders, key[1]):
		return key[:2], suggest(fmt.Sprintf("unknown provider [providers.%s]", key[1]), key[1], knownProviders)

	case key[0] == "providers" && len(key) > 2:
		return key, suggest(fmt.Sprintf("unknown key %q in [providers.%s]", key[2], key[1]),
			key[2], knownSectionKeys["provider"])

	default:
		if known, ok := knownSectionKeys[key[0]]; ok {
			return key, suggest(fmt.Sprintf("unknown key %q in [%s]", key[1], key[0]), key[1], known)
		}

		return key[:1], suggest(fmt.Sprintf("unknown config section [%s]", key[0]), key[0], knownSections)
	}
}

func suggest(msg, unknown string, known []string) error {
	if s := closestMatch(unknown, known); s != "" {
		return fmt.Errorf("%s, did you mean %q?", msg, s)
	}

	return errors.New(msg)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(strings.ToLower(unknown), k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings using two
// rolling rows.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
