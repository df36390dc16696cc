// Package loader implements the artifact loader (component 4.G): it
// fetches ruleset and field-registry manifests and compiled artifacts
// from an S3-compatible object store, and enforces the SHA-256
// checksum barrier before anything is allowed to install.
package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cardrisk/monitor/domain/rule"
	"github.com/cardrisk/monitor/domain/transaction"
	"github.com/cardrisk/monitor/infrastructure/cache"
	svcerrors "github.com/cardrisk/monitor/infrastructure/errors"
	"github.com/cardrisk/monitor/infrastructure/ratelimit"
	"github.com/cardrisk/monitor/infrastructure/resilience"
	"github.com/cardrisk/monitor/pkg/logger"
)

// Manifest is the artifact pointer fetched from
// {prefix}/{env}/{region}/{country}/{type}/manifest.json (or the
// registry manifest path).
type Manifest struct {
	Version              int    `json:"version"`
	Checksum             string `json:"checksum"`
	ArtifactURI          string `json:"artifact_uri"`
	FieldRegistryVersion *int   `json:"field_registry_version,omitempty"`
	CreatedAt            string `json:"created_at"`
	CreatedBy            string `json:"created_by"`
}

// rulesetArtifact is the JSON shape of {…}/v{version}/ruleset.json.
type rulesetArtifact struct {
	Key            string            `json:"key"`
	Version        int               `json:"version"`
	EvaluationType string            `json:"evaluation_type"`
	Rules          []ruleArtifact    `json:"rules"`
	CreatedAt      string            `json:"created_at"`
}

type conditionArtifact struct {
	Field  string `json:"field"`
	Op     string `json:"op"`
	Value  any    `json:"value,omitempty"`
	Values []any  `json:"values,omitempty"`
	Low    any    `json:"low,omitempty"`
	High   any    `json:"high,omitempty"`
}

type velocityArtifact struct {
	DimensionField string `json:"dimension_field"`
	WindowSeconds  int    `json:"window_seconds"`
	Threshold      int    `json:"threshold"`
	Action         string `json:"action"`
}

type ruleArtifact struct {
	ID         int                 `json:"id"`
	Name       string              `json:"name"`
	Action     string              `json:"action"`
	Priority   int                 `json:"priority"`
	Enabled    bool                `json:"enabled"`
	Conditions []conditionArtifact `json:"conditions"`
	Velocity   *velocityArtifact   `json:"velocity,omitempty"`
	Network    string              `json:"scope_network,omitempty"`
	BIN        string              `json:"scope_bin,omitempty"`
}

// fieldsArtifact is the JSON shape of registry/v{N}/fields.json.
type fieldsArtifact struct {
	Fields []fieldArtifact `json:"fields"`
}

type fieldArtifact struct {
	ID            int    `json:"id"`
	Key           string `json:"key"`
	DisplayName   string `json:"display_name"`
	DataType      string `json:"datatype"`
	PII           bool   `json:"pii"`
	IndexForScope bool   `json:"index_for_scope"`
}

// Loader fetches manifests and compiled artifacts from the object
// store and validates them before they are allowed to reach the
// registry. A Loader has no local state beyond its client and is safe
// for concurrent use by the hot-reload coordinator and operator-driven
// load endpoints simultaneously.
type Loader struct {
	client  *s3.Client
	bucket  string
	prefix  string
	env     string
	region  string
	log     *logger.Logger
	breaker *resilience.CircuitBreaker
	limiter *ratelimit.RateLimiter

	// artifacts caches version-addressed object bodies (compiled
	// rulesets, field registry snapshots) across reload cycles. These
	// keys are immutable once written, so a stale cache hit is never a
	// correctness problem — only manifests, which carry the version the
	// coordinator must see change, bypass this cache.
	artifacts *cache.Cache
}

// Config describes the bucket/prefix/region this Loader targets.
type Config struct {
	Bucket          string
	Prefix          string
	Env             string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string // non-empty for S3-compatible (e.g. MinIO) endpoints
}

// New builds a Loader from Config, constructing its own S3 client.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Loader, error) {
	if log == nil {
		log = logger.NewDefault("loader")
	}

	var optFns []func(*config.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	breaker := resilience.New(resilience.Config{
		MaxFailures: 5,
		Timeout:     15 * time.Second,
		HalfOpenMax: 2,
	})

	// The blob client is deliberately low-QPS (spec §5: "Blob client
	// uses a small pool, hot-reload is low QPS") — the limiter keeps a
	// burst of operator-driven loads from saturating it alongside the
	// poll cycle.
	limiter := ratelimit.New(ratelimit.RateLimitConfig{RequestsPerSecond: 20, Burst: 10})

	artifacts := cache.NewCache(cache.CacheConfig{DefaultTTL: 10 * time.Minute, MaxSize: 256, CleanupInterval: 5 * time.Minute})

	return &Loader{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, env: cfg.Env, region: cfg.Region, log: log, breaker: breaker, limiter: limiter, artifacts: artifacts}, nil
}

// get fetches key from the bucket behind a circuit breaker: a string of
// transport failures trips the breaker so a down object store fails
// fast instead of piling up blocked reload cycles. A rate limiter
// throttles ahead of the breaker so the low-QPS blob client is never
// driven by its caller faster than it's sized for.
func (l *Loader) get(ctx context.Context, key string) ([]byte, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var buf []byte
	err := l.breaker.Execute(ctx, func() error {
		out, err := l.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(l.bucket), Key: aws.String(key)})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		b := make([]byte, 0, 64*1024)
		chunk := make([]byte, 32*1024)
		for {
			n, readErr := out.Body.Read(chunk)
			if n > 0 {
				b = append(b, chunk[:n]...)
			}
			if readErr != nil {
				break
			}
		}
		buf = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (l *Loader) rulesetManifestKey(country, key string) string {
	// rulesets/{env}/{key}/manifest.json — country is not part of the
	// manifest path; each country's installed ruleset resolves to the
	// same artifact family, distinguished by the registry entry it is
	// installed under, not by storage layout.
	_ = country
	return fmt.Sprintf("%s/rulesets/%s/%s/manifest.json", l.prefix, l.env, key)
}

func (l *Loader) rulesetArtifactKey(key string, version int) string {
	return fmt.Sprintf("%s/rulesets/%s/%s/v%d/ruleset.json", l.prefix, l.env, key, version)
}

func (l *Loader) fieldRegistryManifestKey() string {
	return fmt.Sprintf("%s/fields/registry/manifest.json", l.prefix)
}

func (l *Loader) fieldRegistryArtifactKey(version int) string {
	return fmt.Sprintf("%s/fields/registry/v%d/fields.json", l.prefix, version)
}

// LoadManifest fetches a ruleset manifest. A not-found or transport
// error both return (nil, nil) with a warning logged — non-fatal on
// the hot-reload path; callers that require a manifest (startup
// validation) must treat a nil result as fatal themselves.
func (l *Loader) LoadManifest(ctx context.Context, country, key string) (*Manifest, error) {
	raw, err := l.get(ctx, l.rulesetManifestKey(country, key))
	if err != nil {
		l.log.WithField("key", key).WithError(err).Warn("ruleset manifest unavailable")
		return nil, nil
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		l.log.WithField("key", key).WithError(err).Error("malformed ruleset manifest")
		return nil, nil
	}
	return &m, nil
}

// LoadFieldRegistryManifest fetches the field-registry manifest.
func (l *Loader) LoadFieldRegistryManifest(ctx context.Context) (*Manifest, error) {
	raw, err := l.get(ctx, l.fieldRegistryManifestKey())
	if err != nil {
		l.log.WithError(err).Warn("field registry manifest unavailable")
		return nil, nil
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		l.log.WithError(err).Error("malformed field registry manifest")
		return nil, nil
	}
	return &m, nil
}

// checksumOK verifies bytes against a lowercase hex SHA-256 manifest
// checksum. A mismatch is a security/integrity barrier: the load must
// be rejected and the prior ruleset kept live, per spec §4.G.
func checksumOK(data []byte, want string) bool {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) == want
}

// LoadCompiled fetches, checksum-verifies, and compiles a ruleset
// artifact at a specific version against the live field registry.
// A checksum mismatch returns (nil, ChecksumMismatch) and must never
// install.
func (l *Loader) LoadCompiled(ctx context.Context, registry *transaction.FieldRegistry, key string, version int, manifest *Manifest) (*rule.Ruleset, error) {
	artifactKey := l.rulesetArtifactKey(key, version)

	var raw []byte
	if cached, ok := l.artifacts.Get(artifactKey); ok {
		raw = cached.([]byte)
	} else {
		fetched, err := l.get(ctx, artifactKey)
		if err != nil {
			return nil, svcerrors.StorageUnavailable("load_compiled", err)
		}
		raw = fetched
	}

	if manifest != nil && manifest.Checksum != "" && !checksumOK(raw, manifest.Checksum) {
		l.log.WithField("key", key).WithField("version", version).Error("ruleset artifact checksum mismatch")
		return nil, svcerrors.ChecksumMismatch(key, version)
	}
	l.artifacts.Set(artifactKey, raw, 0)

	var art rulesetArtifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return nil, svcerrors.Internal("malformed ruleset artifact", err)
	}

	rules := make([]rule.Rule, 0, len(art.Rules))
	for _, ra := range art.Rules {
		compiled, conds, err := compileRuleArtifact(registry, ra)
		if err != nil {
			return nil, err
		}
		velocity, err := velocityConfigFrom(registry, ra.Velocity)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule.Rule{
			ID:         ra.ID,
			Name:       ra.Name,
			Action:     rule.Action(ra.Action),
			Priority:   ra.Priority,
			Enabled:    ra.Enabled,
			Predicate:  compiled,
			Conditions: conds,
			Velocity:   velocity,
			ScopeKey:   rule.ScopeKey{Network: ra.Network, BIN: ra.BIN},
		})
	}

	var fieldRegVersion *int
	if manifest != nil {
		fieldRegVersion = manifest.FieldRegistryVersion
	}

	return rule.Compile(art.Key, art.Version, rule.EvaluationType(art.EvaluationType), fieldRegVersion, art.CreatedAt, rules), nil
}

func compileRuleArtifact(registry *transaction.FieldRegistry, ra ruleArtifact) (rule.Predicate, []rule.Predicate, error) {
	conditions := make([]rule.Condition, 0, len(ra.Conditions))
	for _, ca := range ra.Conditions {
		conditions = append(conditions, rule.Condition{
			Field:  ca.Field,
			Op:     transaction.Operator(ca.Op),
			Value:  ca.Value,
			Values: ca.Values,
			Low:    ca.Low,
			High:   ca.High,
		})
	}
	return rule.CompileAll(registry, conditions)
}

func velocityConfigFrom(registry *transaction.FieldRegistry, v *velocityArtifact) (*rule.VelocityConfig, error) {
	if v == nil {
		return nil, nil
	}
	field, ok := registry.ByKey(v.DimensionField)
	if !ok {
		return nil, svcerrors.UnknownField(v.DimensionField)
	}
	return &rule.VelocityConfig{
		DimensionFieldID: field.ID,
		WindowSeconds:    v.WindowSeconds,
		Threshold:        v.Threshold,
		Action:           rule.Action(v.Action),
	}, nil
}

// LoadLatest resolves a ruleset's manifest and loads its declared
// version in one step.
func (l *Loader) LoadLatest(ctx context.Context, registry *transaction.FieldRegistry, country, key string) (*rule.Ruleset, error) {
	manifest, err := l.LoadManifest(ctx, country, key)
	if err != nil || manifest == nil {
		return nil, err
	}
	return l.LoadCompiled(ctx, registry, key, manifest.Version, manifest)
}

// LoadFieldRegistry fetches and validates the field registry at the
// version declared by its manifest.
func (l *Loader) LoadFieldRegistry(ctx context.Context, manifest *Manifest) (*transaction.FieldRegistry, error) {
	artifactKey := l.fieldRegistryArtifactKey(manifest.Version)

	var raw []byte
	if cached, ok := l.artifacts.Get(artifactKey); ok {
		raw = cached.([]byte)
	} else {
		fetched, err := l.get(ctx, artifactKey)
		if err != nil {
			return nil, svcerrors.StorageUnavailable("load_field_registry", err)
		}
		raw = fetched
	}
	if manifest.Checksum != "" && !checksumOK(raw, manifest.Checksum) {
		return nil, svcerrors.ChecksumMismatch("field-registry", manifest.Version)
	}
	l.artifacts.Set(artifactKey, raw, 0)

	var art fieldsArtifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return nil, svcerrors.Internal("malformed field registry artifact", err)
	}

	fields := make([]transaction.FieldDef, 0, len(art.Fields))
	for _, f := range art.Fields {
		fields = append(fields, transaction.FieldDef{
			ID:            f.ID,
			Key:           f.Key,
			DisplayName:   f.DisplayName,
			DataType:      transaction.DataType(f.DataType),
			PII:           f.PII,
			IndexForScope: f.IndexForScope,
		})
	}
	return transaction.NewFieldRegistry(manifest.Version, fields), nil
}

// LoadBuiltin never fails and returns the 26-field bootstrap registry
// tagged created_by="builtin", version 1, per spec §4.G.
func (l *Loader) LoadBuiltin() (*transaction.FieldRegistry, Manifest) {
	reg := transaction.Builtin()
	return reg, Manifest{Version: reg.Version, CreatedBy: "builtin", Checksum: "", CreatedAt: ""}
}

// IsStorageAccessible probes the bucket with a HEAD request.
func (l *Loader) IsStorageAccessible(ctx context.Context) bool {
	_, err := l.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(l.bucket)})
	return err == nil
}

// VersionLabel renders a manifest version for log/metric labels.
func VersionLabel(v int) string { return strconv.Itoa(v) }
