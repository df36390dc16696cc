package main

import "github.com/cardrisk/monitor/domain/reload"

// requiredRulesetKeys parses the REQUIRED_RULESET_KEYS config entries into
// the (country, key) pairs the hot-reload coordinator must keep live. Each
// entry is either "COUNTRY:KEY" or a bare "KEY", which falls back to the
// registry's "global" partition.
func requiredRulesetKeys(raw []string) []reload.RulesetKey {
	keys := make([]reload.RulesetKey, 0, len(raw))
	for _, entry := range raw {
		if entry == "" {
			continue
		}
		country, key := "global", entry
		for i := 0; i < len(entry); i++ {
			if entry[i] == ':' {
				country, key = entry[:i], entry[i+1:]
				break
			}
		}
		keys = append(keys, reload.RulesetKey{Country: country, Key: key})
	}
	return keys
}
