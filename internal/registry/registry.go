// Package registry maintains the connector catalog: which connectors exist,
// which lifecycle stage each is in, and which operations (with their
// JSON-Schema parameter specs) each exposes. The registry gates both
// marketplace visibility and execution.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/appscript-studio/engine/internal/errkind"
	"github.com/appscript-studio/engine/internal/store"
)

// Stage is the admin-controlled rollout status of a connector.
type Stage string

const (
	StagePlanning   Stage = "planning"
	StageBeta       Stage = "beta"
	StageStable     Stage = "stable"
	StageDeprecated Stage = "deprecated"
	StageSunset     Stage = "sunset"
)

var stageOrder = map[Stage]int{
	StagePlanning:   0,
	StageBeta:       1,
	StageStable:     2,
	StageDeprecated: 3,
	StageSunset:     4,
}

// ValidStage reports whether s is a known lifecycle stage.
func ValidStage(s Stage) bool {
	_, ok := stageOrder[s]
	return ok
}

// Operation describes one action or trigger of a connector.
type Operation struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"` // "action" or "trigger"
	DisplayName string          `json:"displayName,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"` // JSON-Schema
	// RequiresIdempotencyKey marks value-bearing operations whose parameter
	// schema must require a caller-supplied idempotency key.
	RequiresIdempotencyKey bool `json:"requiresIdempotencyKey,omitempty"`
	// SupportsCancel allows the in-flight HTTP call to be aborted on
	// execution cancellation. Default false: let the call complete to avoid
	// partial external side effects.
	SupportsCancel bool `json:"supportsCancel,omitempty"`
	// DedupTTL overrides the default dedup window for trigger operations.
	DedupTTL time.Duration `json:"dedupTTL,omitempty"`
}

// Descriptor is a registry record for one connector.
type Descriptor struct {
	Slug               string      `json:"slug"`
	DisplayName        string      `json:"displayName"`
	SemanticVersion    string      `json:"semanticVersion"`
	SchemaVersion      int         `json:"schemaVersion"`
	Stage              Stage       `json:"lifecycleStage"`
	BetaStartAt        *time.Time  `json:"betaStartAt,omitempty"`
	BetaEndAt          *time.Time  `json:"betaEndAt,omitempty"`
	DeprecationStartAt *time.Time  `json:"deprecationStartAt,omitempty"`
	SunsetAt           *time.Time  `json:"sunsetAt,omitempty"`
	Operations         []Operation `json:"operations"`
}

// Operation returns the named operation, or nil.
func (d *Descriptor) Operation(id string) *Operation {
	for i := range d.Operations {
		if d.Operations[i].ID == id {
			return &d.Operations[i]
		}
	}
	return nil
}

// RolloutPatch is the admin PATCH payload for a descriptor's rollout fields.
// Nil fields are left unchanged.
type RolloutPatch struct {
	SemanticVersion    *string    `json:"semanticVersion,omitempty"`
	Stage              *Stage     `json:"lifecycleStage,omitempty"`
	IsBeta             *bool      `json:"isBeta,omitempty"`
	BetaStartAt        *time.Time `json:"betaStartAt,omitempty"`
	BetaEndAt          *time.Time `json:"betaEndAt,omitempty"`
	DeprecationStartAt *time.Time `json:"deprecationStartAt,omitempty"`
	SunsetAt           *time.Time `json:"sunsetAt,omitempty"`
}

// Filter narrows List results.
type Filter struct {
	// Marketplace restricts results to what end users may see: planning
	// connectors and connectors past their sunset date are excluded.
	Marketplace bool
	Stage       Stage
}

// Registry is the in-memory catalog backed by the store.
type Registry struct {
	mu      sync.RWMutex
	store   *store.Store
	logger  *slog.Logger
	byScope map[string]*entry
}

type entry struct {
	desc    Descriptor
	schemas map[string]*jsonschema.Schema // operation id -> compiled params schema
	// priorStage remembers the stage before a beta override so clearing
	// isBeta can restore it.
	priorStage Stage
}

// New loads descriptors from the store and seeds any missing ones from the
// built-in catalog.
func New(ctx context.Context, st *store.Store, seed []Descriptor, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		store:   st,
		logger:  logger,
		byScope: make(map[string]*entry),
	}

	stored, err := st.ListDescriptors(ctx)
	if err != nil {
		return nil, err
	}
	for slug, blob := range stored {
		var d Descriptor
		if err := json.Unmarshal([]byte(blob), &d); err != nil {
			return nil, fmt.Errorf("registry: decode descriptor %s: %w", slug, err)
		}
		if err := r.install(d); err != nil {
			return nil, err
		}
	}

	for _, d := range seed {
		if _, ok := r.byScope[d.Slug]; ok {
			continue
		}
		if err := r.install(d); err != nil {
			return nil, err
		}
		if err := r.persist(ctx, d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// install compiles operation schemas and caches the descriptor. Caller must
// not hold the lock.
func (r *Registry) install(d Descriptor) error {
	if !ValidStage(d.Stage) {
		return fmt.Errorf("registry: connector %s: unknown stage %q", d.Slug, d.Stage)
	}
	e := &entry{desc: d, schemas: make(map[string]*jsonschema.Schema)}
	for _, op := range d.Operations {
		if len(op.Params) == 0 {
			continue
		}
		sch, err := compileSchema(d.Slug, op.ID, op.Params)
		if err != nil {
			return err
		}
		e.schemas[op.ID] = sch
	}

	r.mu.Lock()
	r.byScope[d.Slug] = e
	r.mu.Unlock()
	return nil
}

func compileSchema(slug, opID string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("registry: %s.%s: invalid params schema: %w", slug, opID, err)
	}
	c := jsonschema.NewCompiler()
	name := fmt.Sprintf("connector/%s/%s.json", slug, opID)
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("registry: %s.%s: add schema: %w", slug, opID, err)
	}
	sch, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("registry: %s.%s: compile schema: %w", slug, opID, err)
	}
	return sch, nil
}

func (r *Registry) persist(ctx context.Context, d Descriptor) error {
	blob, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("registry: encode descriptor %s: %w", d.Slug, err)
	}
	return r.store.PutDescriptor(ctx, d.Slug, string(blob))
}

// Get returns a copy of the descriptor for slug.
func (r *Registry) Get(slug string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byScope[slug]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "connector %q not found", slug)
	}
	d := e.desc
	return &d, nil
}

// List returns descriptors matching the filter, sorted by slug.
func (r *Registry) List(f Filter) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now().UTC()
	var out []Descriptor
	for _, e := range r.byScope {
		d := e.desc
		if f.Stage != "" && d.Stage != f.Stage {
			continue
		}
		if f.Marketplace {
			if d.Stage == StagePlanning {
				continue
			}
			if d.Stage == StageSunset && d.SunsetAt != nil && now.After(*d.SunsetAt) {
				continue
			}
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// ParamsSchema returns the compiled parameter schema for an operation, or nil
// when the operation declares no parameters.
func (r *Registry) ParamsSchema(slug, opID string) (*jsonschema.Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byScope[slug]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "connector %q not found", slug)
	}
	return e.schemas[opID], nil
}

// CheckExecutable decides whether an operation of the connector may run for
// an organization. Returns a warning flag for deprecated connectors (they
// still execute, but the caller should emit a warning event).
func (r *Registry) CheckExecutable(slug string, betaOptIn bool) (warnDeprecated bool, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byScope[slug]
	if !ok {
		return false, errkind.New(errkind.NotFound, "connector %q not found", slug)
	}
	switch e.desc.Stage {
	case StageSunset:
		return false, errkind.New(errkind.ConnectorSunset, "connector %q is sunset", slug)
	case StageBeta:
		if !betaOptIn {
			return false, errkind.New(errkind.BetaNotEnabled, "connector %q is in beta and the organization has not opted in", slug)
		}
	case StagePlanning:
		return false, errkind.New(errkind.NotFound, "connector %q is not yet available", slug)
	case StageDeprecated:
		return true, nil
	}
	return false, nil
}

// PatchRollout applies an admin rollout patch under the lifecycle invariants:
//   - isBeta=true forces the stage to beta, remembering the prior stage;
//   - isBeta=false while in beta falls back to the remembered stage (stable
//     when none was recorded);
//   - betaStartAt <= deprecationStartAt <= sunsetAt when present;
//   - a patch equal to current state is a no-op and returns changed=false.
//
// Explicit stage values in the patch are an admin override and are accepted
// even when they move backwards.
func (r *Registry) PatchRollout(ctx context.Context, slug string, p RolloutPatch) (*Descriptor, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byScope[slug]
	if !ok {
		return nil, false, errkind.New(errkind.NotFound, "connector %q not found", slug)
	}

	next := e.desc
	if p.SemanticVersion != nil {
		next.SemanticVersion = *p.SemanticVersion
	}
	if p.Stage != nil {
		if !ValidStage(*p.Stage) {
			return nil, false, errkind.New(errkind.BadInput, "unknown lifecycle stage %q", *p.Stage)
		}
		next.Stage = *p.Stage
	}
	if p.BetaStartAt != nil {
		next.BetaStartAt = p.BetaStartAt
	}
	if p.BetaEndAt != nil {
		next.BetaEndAt = p.BetaEndAt
	}
	if p.DeprecationStartAt != nil {
		next.DeprecationStartAt = p.DeprecationStartAt
	}
	if p.SunsetAt != nil {
		next.SunsetAt = p.SunsetAt
	}

	priorStage := e.priorStage
	if p.IsBeta != nil {
		if *p.IsBeta {
			if next.Stage != StageBeta {
				priorStage = next.Stage
			}
			next.Stage = StageBeta
		} else if next.Stage == StageBeta {
			if priorStage != "" && priorStage != StageBeta {
				next.Stage = priorStage
			} else {
				next.Stage = StageStable
			}
			priorStage = ""
		}
	}

	if err := validateRolloutDates(&next); err != nil {
		return nil, false, err
	}

	if descriptorsEqual(e.desc, next) {
		d := e.desc
		return &d, false, nil
	}

	e.desc = next
	e.priorStage = priorStage
	if err := r.persist(ctx, next); err != nil {
		return nil, false, err
	}
	if r.logger != nil {
		r.logger.Info("connector rollout updated",
			"slug", slug, "stage", next.Stage, "version", next.SemanticVersion)
	}
	d := next
	return &d, true, nil
}

func validateRolloutDates(d *Descriptor) error {
	if d.BetaStartAt != nil && d.BetaEndAt != nil && d.BetaEndAt.Before(*d.BetaStartAt) {
		return errkind.New(errkind.BadInput, "betaEndAt precedes betaStartAt")
	}
	if d.BetaStartAt != nil && d.DeprecationStartAt != nil && d.DeprecationStartAt.Before(*d.BetaStartAt) {
		return errkind.New(errkind.BadInput, "deprecationStartAt precedes betaStartAt")
	}
	if d.DeprecationStartAt != nil && d.SunsetAt != nil && d.SunsetAt.Before(*d.DeprecationStartAt) {
		return errkind.New(errkind.BadInput, "sunsetAt precedes deprecationStartAt")
	}
	return nil
}

func descriptorsEqual(a, b Descriptor) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

// ResolveType splits a workflow node type like "action.slack.post_message"
// into its kind, connector slug, and operation id. Control nodes return kind
// "control" with an empty slug.
func ResolveType(nodeType string) (kind, slug, opID string, err error) {
	parts := strings.SplitN(nodeType, ".", 3)
	if len(parts) >= 2 && parts[0] == "control" {
		return "control", "", strings.Join(parts[1:], "."), nil
	}
	if len(parts) != 3 || (parts[0] != "action" && parts[0] != "trigger") {
		return "", "", "", errkind.New(errkind.BadInput, "invalid node type %q", nodeType)
	}
	return parts[0], parts[1], parts[2], nil
}
