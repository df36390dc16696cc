// Package reload implements the hot-reload coordinator (component
// 4.H): a poll loop that validates every required artifact is present
// and version-compatible before installing anything, then performs a
// coordinated atomic swap of the field registry and every dependent
// ruleset together.
package reload

import (
	"context"
	"fmt"

	"github.com/cardrisk/monitor/domain/loader"
	"github.com/cardrisk/monitor/domain/registry"
	"github.com/cardrisk/monitor/domain/rule"
	"github.com/cardrisk/monitor/domain/transaction"
	"github.com/cardrisk/monitor/pkg/logger"
)

// RulesetKey names one (country, key) pair this coordinator must keep live.
type RulesetKey struct {
	Country string
	Key     string
}

// ArtifactSource is the subset of domain/loader.Loader the coordinator
// needs. Narrowing to an interface here (mirroring the VelocityChecker
// seam in domain/evaluator) lets tests drive the coordinator with a
// fake source instead of a real S3-backed Loader.
type ArtifactSource interface {
	LoadFieldRegistryManifest(ctx context.Context) (*loader.Manifest, error)
	LoadBuiltin() (*transaction.FieldRegistry, loader.Manifest)
	LoadFieldRegistry(ctx context.Context, manifest *loader.Manifest) (*transaction.FieldRegistry, error)
	LoadManifest(ctx context.Context, country, key string) (*loader.Manifest, error)
	LoadCompiled(ctx context.Context, registry *transaction.FieldRegistry, key string, version int, manifest *loader.Manifest) (*rule.Ruleset, error)
}

// Coordinator owns the startup validation and recurring poll cycle
// described in spec §4.H.
type Coordinator struct {
	loader   ArtifactSource
	registry *registry.Registry
	required []RulesetKey
	log      *logger.Logger

	lastFieldRegistryVersion int
}

var _ ArtifactSource = (*loader.Loader)(nil)

// New builds a Coordinator. required lists every (country, key) whose
// manifest must resolve at startup — a missing or unreachable manifest
// for any of them is fatal, per spec §4.H.
func New(l ArtifactSource, reg *registry.Registry, required []RulesetKey, log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.NewDefault("reload")
	}
	return &Coordinator{loader: l, registry: reg, required: required, log: log}
}

// ValidateAndLoad runs the startup fail-fast path: every required
// ruleset manifest and the field-registry manifest must resolve and
// compile cleanly, or the service must refuse to start. No partial
// installs occur — either everything compiles against a consistent
// field registry, or Coordinator returns an error and installs
// nothing.
func (c *Coordinator) ValidateAndLoad(ctx context.Context) error {
	fieldRegistry, fieldManifest, err := c.resolveFieldRegistry(ctx)
	if err != nil {
		return fmt.Errorf("startup: field registry: %w", err)
	}

	compiled := make(map[RulesetKey]*rule.Ruleset, len(c.required))
	for _, rk := range c.required {
		manifest, err := c.loader.LoadManifest(ctx, rk.Country, rk.Key)
		if err != nil {
			return fmt.Errorf("startup: ruleset %s/%s: %w", rk.Country, rk.Key, err)
		}
		if manifest == nil {
			return fmt.Errorf("startup: ruleset %s/%s: manifest not found", rk.Country, rk.Key)
		}
		if manifest.FieldRegistryVersion != nil && *manifest.FieldRegistryVersion != fieldRegistry.Version {
			return fmt.Errorf("startup: ruleset %s/%s requires field registry v%d, live is v%d",
				rk.Country, rk.Key, *manifest.FieldRegistryVersion, fieldRegistry.Version)
		}

		rs, err := c.loader.LoadCompiled(ctx, fieldRegistry, rk.Key, manifest.Version, manifest)
		if err != nil {
			return fmt.Errorf("startup: ruleset %s/%s: %w", rk.Country, rk.Key, err)
		}
		compiled[rk] = rs
	}

	transaction.SetLive(fieldRegistry)
	c.lastFieldRegistryVersion = fieldManifest.Version
	for rk, rs := range compiled {
		c.registry.Put(rk.Country, rk.Key, rs)
	}
	return nil
}

func (c *Coordinator) resolveFieldRegistry(ctx context.Context) (*transaction.FieldRegistry, loader.Manifest, error) {
	manifest, err := c.loader.LoadFieldRegistryManifest(ctx)
	if err != nil {
		return nil, loader.Manifest{}, err
	}
	if manifest == nil {
		return nil, loader.Manifest{}, fmt.Errorf("field registry manifest not found")
	}
	reg, err := c.loader.LoadFieldRegistry(ctx, manifest)
	if err != nil {
		return nil, loader.Manifest{}, err
	}
	return reg, *manifest, nil
}

// pendingSwap is a ruleset that compiled cleanly against the candidate
// field registry and is ready to install once every other required
// ruleset has also compiled cleanly.
type pendingSwap struct {
	country string
	key     string
	ruleset *rule.Ruleset
}

// Cycle runs one recurring poll, implementing the coordinated,
// compatibility-gated reload of spec §4.H in order:
//  1. fetch the field-registry manifest; unavailable means skip this
//     cycle and keep current state;
//  2. if its version matches what's already live, skip — nothing changed;
//  3. enumerate every installed ruleset and check its manifest's
//     declared field_registry_version against the candidate registry
//     version; any mismatch aborts the whole cycle before anything is
//     touched (manifests with no declared version are permitted and
//     only warned about);
//  4. only once every ruleset has compiled cleanly against the
//     candidate registry does the coordinator install anything: the
//     field registry is swapped first, then every ruleset whose
//     version changed is hot-swapped.
//
// There is no partial installation: a failure at any point before the
// final install step leaves the previous coherent state untouched and
// returns an error for the caller to alert on; the next cycle retries
// from scratch.
func (c *Coordinator) Cycle(ctx context.Context) error {
	manifest, err := c.loader.LoadFieldRegistryManifest(ctx)
	if err != nil {
		c.log.WithError(err).Warn("reload cycle: field registry manifest unavailable, skipping cycle")
		return nil
	}
	if manifest == nil {
		c.log.Warn("reload cycle: no field registry manifest published, skipping cycle")
		return nil
	}
	if manifest.Version == c.lastFieldRegistryVersion {
		return nil
	}

	installed := c.registry.All()
	type candidate struct {
		country  string
		key      string
		manifest *loader.Manifest
		current  int
	}
	candidates := make([]candidate, 0, len(installed))

	// Step 3: enumerate every installed ruleset and gate on
	// compatibility before anything is compiled or touched.
	for _, entry := range installed {
		rulesetManifest, err := c.loader.LoadManifest(ctx, entry.Country, entry.Key)
		if err != nil {
			return fmt.Errorf("reload cycle: ruleset %s/%s manifest: %w", entry.Country, entry.Key, err)
		}
		if rulesetManifest == nil {
			continue
		}

		if rulesetManifest.FieldRegistryVersion == nil {
			c.log.WithField("country", entry.Country).WithField("key", entry.Key).
				Warn("reload cycle: ruleset manifest has no declared field registry version, skipping compatibility check")
		} else if *rulesetManifest.FieldRegistryVersion != manifest.Version {
			return fmt.Errorf("reload cycle: version-mismatch aborting reload: ruleset %s/%s declares field registry v%d, candidate registry is v%d — keeping current versions",
				entry.Country, entry.Key, *rulesetManifest.FieldRegistryVersion, manifest.Version)
		}

		candidates = append(candidates, candidate{country: entry.Country, key: entry.Key, manifest: rulesetManifest, current: entry.Ruleset.Version})
	}

	// Step 4: every ruleset is compatible — compile the candidate field
	// registry and every changed ruleset version against it.
	// Compilation happens before any live state changes so a compile
	// failure anywhere aborts the whole cycle with nothing installed,
	// per the "no partial installation" rule.
	fieldRegistry, err := c.loader.LoadFieldRegistry(ctx, manifest)
	if err != nil {
		return fmt.Errorf("reload cycle: load field registry v%d: %w", manifest.Version, err)
	}

	swaps := make([]pendingSwap, 0, len(candidates))
	for _, cand := range candidates {
		if cand.current == cand.manifest.Version {
			continue
		}
		rs, err := c.loader.LoadCompiled(ctx, fieldRegistry, cand.key, cand.manifest.Version, cand.manifest)
		if err != nil {
			return fmt.Errorf("reload cycle: compile ruleset %s/%s v%d: %w", cand.country, cand.key, cand.manifest.Version, err)
		}
		swaps = append(swaps, pendingSwap{country: cand.country, key: cand.key, ruleset: rs})
	}

	// Every candidate compiled cleanly: install atomically, field
	// registry first, then the dependent rulesets.
	transaction.SetLive(fieldRegistry)
	for _, s := range swaps {
		result := c.registry.Put(s.country, s.key, s.ruleset)
		if result.Status == registry.StatusSwapped {
			c.log.WithField("country", s.country).WithField("key", s.key).
				WithField("from_version", result.OldVersion).WithField("to_version", result.NewVersion).
				Info("ruleset hot-swapped")
		}
	}

	c.lastFieldRegistryVersion = manifest.Version
	return nil
}

// LastFieldRegistryVersion reports the field registry version
// installed at the most recent successful validation or cycle.
func (c *Coordinator) LastFieldRegistryVersion() int { return c.lastFieldRegistryVersion }
