// Package httpapi exposes the monitoring evaluation service's HTTP
// surface: the evaluation entry point (component 4.K), registry
// introspection, and operator-driven hot-swap/load endpoints.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/cardrisk/monitor/applications/evaluation"
	"github.com/cardrisk/monitor/domain/admission"
	"github.com/cardrisk/monitor/domain/evaluator"
	"github.com/cardrisk/monitor/domain/loader"
	"github.com/cardrisk/monitor/domain/registry"
	"github.com/cardrisk/monitor/domain/transaction"
	svcerrors "github.com/cardrisk/monitor/infrastructure/errors"
	"github.com/cardrisk/monitor/infrastructure/httputil"
	"github.com/cardrisk/monitor/infrastructure/metrics"
	"github.com/cardrisk/monitor/pkg/logger"
)

// Handler wires the evaluation engine, the registry, the artifact
// loader, and the admission controller into the HTTP surface described
// in spec §6.
type Handler struct {
	Engine         *evaluation.Engine
	Registry       *registry.Registry
	Loader         *loader.Loader
	Admission      *admission.Controller
	KeyPolicy      evaluation.RulesetKeyPolicy
	RequestTimeout time.Duration
	Metrics        *metrics.Metrics
	Log            *logger.Logger
}

// monitoringRequest is the minimal subset of Transaction JSON the
// entry point needs before it can run an evaluation: transaction_id,
// decision, country_code, and transaction_type drive routing, while
// the rest of the body is handed to the field registry as-is.
type monitoringRequest struct {
	TransactionID   string         `json:"transaction_id"`
	Decision        string         `json:"decision"`
	CountryCode     string         `json:"country_code"`
	TransactionType string         `json:"transaction_type"`
	Body            map[string]any `json:"-"`
}

// HandleMonitoring implements spec §4.K: normalize the decision,
// resolve a ruleset key and registry entry, evaluate (or degrade), and
// always answer 200. A panic during evaluation is recovered by
// Engine.Evaluate and answered as a DEGRADED decision, so an evaluation
// fault never reaches the recovery middleware mounted ahead of this
// handler, which answers any other panic with a 500 — see spec §5/§7
// (fail-open).
func (h *Handler) HandleMonitoring(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if !httputil.DecodeJSON(w, r, &raw) {
		return
	}

	req := parseMonitoringRequest(raw)

	decision, err := evaluator.NormalizeDecision(req.Decision)
	if err != nil {
		httputil.WriteErrorResponse(w, r, http.StatusBadRequest, string(svcerrors.ErrCodeInvalidRequest), err.Error(), nil)
		return
	}

	rulesetKey := h.KeyPolicy.Resolve(req.TransactionType)

	ctx := r.Context()
	if h.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	result, shed, _ := h.Admission.Run(ctx, req.TransactionID, decision, rulesetKey, func(ctx context.Context) (*evaluator.EvalDecision, error) {
		return h.Engine.Evaluate(ctx, req.TransactionID, decision, req.CountryCode, rulesetKey, req.Body), nil
	})

	if shed {
		w.Header().Set("X-Load-Shed", "true")
		if h.Metrics != nil {
			h.Metrics.RecordLoadShed()
		}
	}
	if h.Metrics != nil {
		h.Metrics.RecordEvaluation("monitor", "MONITORING", string(result.EngineMode), rulesetKey, time.Since(start))
	}

	httputil.WriteJSON(w, http.StatusOK, result)
}

func parseMonitoringRequest(raw map[string]any) monitoringRequest {
	req := monitoringRequest{Body: raw}
	if v, ok := raw["transaction_id"].(string); ok {
		req.TransactionID = v
	}
	if v, ok := raw["decision"].(string); ok {
		req.Decision = v
	}
	if v, ok := raw["country_code"].(string); ok {
		req.CountryCode = v
	}
	if v, ok := raw["transaction_type"].(string); ok {
		req.TransactionType = v
	}
	return req
}

// HandleHealth answers spec §6's health shape, probing blob
// accessibility directly rather than through the generic
// infrastructure health checker, since "storageAccessible" is a
// domain-specific field this endpoint's shape requires by name.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	accessible := h.Loader.IsStorageAccessible(r.Context())
	status := "UP"
	if !accessible {
		status = "DOWN"
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":            status,
		"storageAccessible": accessible,
	})
}

// HandleRegistryStatus answers spec §6's registry status summary.
func (h *Handler) HandleRegistryStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"totalRulesets":     h.Registry.Size(),
		"countries":         h.Registry.Countries(),
		"storageAccessible": h.Loader.IsStorageAccessible(r.Context()),
	})
}

// HandleRegistryCountry lists the ruleset keys installed for one
// country, per spec §6's `GET /v1/evaluate/rulesets/registry/{country}`.
func (h *Handler) HandleRegistryCountry(w http.ResponseWriter, r *http.Request) {
	country := r.PathValue("country")
	if country == "" {
		httputil.WriteErrorResponse(w, r, http.StatusBadRequest, string(svcerrors.ErrCodeInvalidRequest), "country is required", nil)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"country": country,
		"keys":    h.Registry.Keys(country),
	})
}

// loadRequest is the shared body shape for hotswap/load.
type loadRequest struct {
	Country string `json:"country"`
	Key     string `json:"key"`
	Version int    `json:"version"`
}

func (req loadRequest) validate() error {
	if req.Key == "" {
		return svcerrors.InvalidRequest("key is required")
	}
	if req.Version <= 0 {
		return svcerrors.InvalidRequest("version must be > 0")
	}
	return nil
}

func (req loadRequest) country() string {
	if req.Country != "" {
		return req.Country
	}
	return "global"
}

// HandleHotswap loads and installs one ruleset version, per spec §6's
// `POST /v1/evaluate/rulesets/hotswap`.
func (h *Handler) HandleHotswap(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		se := svcerrors.GetServiceError(err)
		httputil.WriteErrorResponse(w, r, se.HTTPStatus, string(se.Code), se.Message, nil)
		return
	}

	result, err := h.loadAndInstall(r.Context(), req)
	if err != nil {
		se := svcerrors.GetServiceError(err)
		if se == nil {
			se = svcerrors.Internal("hotswap failed", err)
		}
		httputil.WriteErrorResponse(w, r, se.HTTPStatus, string(se.Code), se.Message, nil)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"success":    result.Success,
		"status":     result.Status,
		"message":    result.Message,
		"oldVersion": result.OldVersion,
		"newVersion": result.NewVersion,
	})
}

// HandleLoad installs a ruleset version, per spec §6's
// `POST /v1/evaluate/rulesets/load`. It shares hotswap's semantics: the
// registry's Put is idempotent, so "load" and "hotswap" differ only in
// the name an operator reaches for.
func (h *Handler) HandleLoad(w http.ResponseWriter, r *http.Request) {
	h.HandleHotswap(w, r)
}

// HandleBulkLoad installs many rulesets in one call, per spec §6's
// `POST /v1/evaluate/rulesets/bulk-load`. Each entry is independent:
// one failure is reported per-entry and does not abort the batch.
func (h *Handler) HandleBulkLoad(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Rulesets []loadRequest `json:"rulesets"`
	}
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}

	type outcome struct {
		Key     string `json:"key"`
		Country string `json:"country"`
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	results := make([]outcome, 0, len(body.Rulesets))

	for _, req := range body.Rulesets {
		if err := req.validate(); err != nil {
			results = append(results, outcome{Key: req.Key, Country: req.country(), Success: false, Message: err.Error()})
			continue
		}
		r2, err := h.loadAndInstall(r.Context(), req)
		if err != nil {
			results = append(results, outcome{Key: req.Key, Country: req.country(), Success: false, Message: err.Error()})
			continue
		}
		results = append(results, outcome{Key: req.Key, Country: req.country(), Success: true, Message: r2.Message})
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *Handler) loadAndInstall(ctx context.Context, req loadRequest) (registry.HotSwapResult, error) {
	fieldRegistry := transaction.Live()
	country := req.country()

	manifest, err := h.Loader.LoadManifest(ctx, country, req.Key)
	if err != nil {
		return registry.HotSwapResult{}, err
	}
	if manifest == nil {
		return registry.HotSwapResult{}, svcerrors.StorageUnavailable("load_manifest", nil)
	}
	if manifest.Version != req.Version {
		manifest.Version = req.Version
	}

	rs, err := h.Loader.LoadCompiled(ctx, fieldRegistry, req.Key, req.Version, manifest)
	if err != nil {
		return registry.HotSwapResult{}, err
	}

	return h.Registry.Put(country, req.Key, rs), nil
}
