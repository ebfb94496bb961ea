package registry

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appscript-studio/engine/internal/errkind"
	"github.com/appscript-studio/engine/internal/store"
)

func testRegistry(t *testing.T, seed []Descriptor) (*Registry, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	r, err := New(context.Background(), st, seed, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return r, st
}

func TestNewSeedsCatalog(t *testing.T) {
	r, st := testRegistry(t, Catalog())

	d, err := r.Get("slack")
	require.NoError(t, err)
	assert.Equal(t, StageStable, d.Stage)
	require.NotNil(t, d.Operation("post_message"))
	assert.Equal(t, "action", d.Operation("post_message").Kind)

	// Seeded descriptors are persisted and survive a reload.
	r2, err := New(context.Background(), st, nil, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	d2, err := r2.Get("slack")
	require.NoError(t, err)
	assert.Equal(t, d.SemanticVersion, d2.SemanticVersion)
}

func TestStoredDescriptorWinsOverSeed(t *testing.T) {
	r, st := testRegistry(t, Catalog())

	stage := StageDeprecated
	_, changed, err := r.PatchRollout(context.Background(), "slack", RolloutPatch{Stage: &stage})
	require.NoError(t, err)
	assert.True(t, changed)

	// A restart with the same seed keeps the admin's stage.
	r2, err := New(context.Background(), st, Catalog(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	d, err := r2.Get("slack")
	require.NoError(t, err)
	assert.Equal(t, StageDeprecated, d.Stage)
}

func TestListFilters(t *testing.T) {
	past := time.Now().UTC().Add(-time.Hour)
	seed := []Descriptor{
		{Slug: "a", Stage: StageStable},
		{Slug: "b", Stage: StageBeta},
		{Slug: "c", Stage: StagePlanning},
		{Slug: "d", Stage: StageSunset, SunsetAt: &past},
	}
	r, _ := testRegistry(t, seed)

	all := r.List(Filter{})
	assert.Len(t, all, 4)
	// Sorted by slug.
	assert.Equal(t, "a", all[0].Slug)

	market := r.List(Filter{Marketplace: true})
	slugs := make([]string, 0, len(market))
	for _, d := range market {
		slugs = append(slugs, d.Slug)
	}
	assert.Equal(t, []string{"a", "b"}, slugs, "planning and past-sunset connectors are hidden")

	beta := r.List(Filter{Stage: StageBeta})
	require.Len(t, beta, 1)
	assert.Equal(t, "b", beta[0].Slug)
}

func TestCheckExecutable(t *testing.T) {
	seed := []Descriptor{
		{Slug: "stable", Stage: StageStable},
		{Slug: "beta", Stage: StageBeta},
		{Slug: "planning", Stage: StagePlanning},
		{Slug: "deprecated", Stage: StageDeprecated},
		{Slug: "sunset", Stage: StageSunset},
	}
	r, _ := testRegistry(t, seed)

	cases := []struct {
		slug     string
		optIn    bool
		wantWarn bool
		wantKind errkind.Kind
	}{
		{"stable", false, false, ""},
		{"beta", true, false, ""},
		{"beta", false, false, errkind.BetaNotEnabled},
		{"planning", false, false, errkind.NotFound},
		{"deprecated", false, true, ""},
		{"sunset", true, false, errkind.ConnectorSunset},
		{"missing", false, false, errkind.NotFound},
	}
	for _, tc := range cases {
		warn, err := r.CheckExecutable(tc.slug, tc.optIn)
		if tc.wantKind == "" {
			assert.NoError(t, err, tc.slug)
			assert.Equal(t, tc.wantWarn, warn, tc.slug)
		} else {
			assert.Equal(t, tc.wantKind, errkind.KindOf(err), tc.slug)
		}
	}
}

func TestPatchRolloutBetaForcing(t *testing.T) {
	r, _ := testRegistry(t, []Descriptor{{Slug: "x", Stage: StageDeprecated}})
	ctx := context.Background()

	on := true
	d, changed, err := r.PatchRollout(ctx, "x", RolloutPatch{IsBeta: &on})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StageBeta, d.Stage)

	// Clearing the override restores the remembered stage.
	off := false
	d, changed, err = r.PatchRollout(ctx, "x", RolloutPatch{IsBeta: &off})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StageDeprecated, d.Stage)

	// Clearing it again while not in beta is a no-op.
	d, changed, err = r.PatchRollout(ctx, "x", RolloutPatch{IsBeta: &off})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, StageDeprecated, d.Stage)
}

func TestPatchRolloutBetaFallbackToStable(t *testing.T) {
	// A connector seeded directly in beta has no remembered prior stage.
	r, _ := testRegistry(t, []Descriptor{{Slug: "x", Stage: StageBeta}})

	off := false
	d, changed, err := r.PatchRollout(context.Background(), "x", RolloutPatch{IsBeta: &off})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StageStable, d.Stage)
}

func TestPatchRolloutDateOrdering(t *testing.T) {
	r, _ := testRegistry(t, []Descriptor{{Slug: "x", Stage: StageStable}})
	ctx := context.Background()

	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	_, _, err := r.PatchRollout(ctx, "x", RolloutPatch{BetaStartAt: &t2, BetaEndAt: &t1})
	assert.Equal(t, errkind.BadInput, errkind.KindOf(err))

	_, _, err = r.PatchRollout(ctx, "x", RolloutPatch{DeprecationStartAt: &t2, SunsetAt: &t1})
	assert.Equal(t, errkind.BadInput, errkind.KindOf(err))

	// An invalid patch must not partially apply.
	d, err := r.Get("x")
	require.NoError(t, err)
	assert.Nil(t, d.DeprecationStartAt)

	_, changed, err := r.PatchRollout(ctx, "x", RolloutPatch{DeprecationStartAt: &t1, SunsetAt: &t2})
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestPatchRolloutIdempotent(t *testing.T) {
	r, _ := testRegistry(t, []Descriptor{{Slug: "x", Stage: StageStable, SemanticVersion: "1.0.0"}})
	ctx := context.Background()

	v := "1.1.0"
	_, changed, err := r.PatchRollout(ctx, "x", RolloutPatch{SemanticVersion: &v})
	require.NoError(t, err)
	assert.True(t, changed)

	// Replaying the identical patch reports no change.
	_, changed, err = r.PatchRollout(ctx, "x", RolloutPatch{SemanticVersion: &v})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestPatchRolloutUnknownConnector(t *testing.T) {
	r, _ := testRegistry(t, nil)
	v := "1.0.0"
	_, _, err := r.PatchRollout(context.Background(), "ghost", RolloutPatch{SemanticVersion: &v})
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))
}

func TestParamsSchemaValidation(t *testing.T) {
	r, _ := testRegistry(t, Catalog())

	sch, err := r.ParamsSchema("slack", "post_message")
	require.NoError(t, err)
	require.NotNil(t, sch)

	assert.NoError(t, sch.Validate(map[string]any{"channel": "C123", "text": "hi"}))
	assert.Error(t, sch.Validate(map[string]any{"text": "hi"}), "channel is required")

	// Idempotency-gated operations require the key.
	sch, err = r.ParamsSchema("stripe", "create_refund")
	require.NoError(t, err)
	require.NotNil(t, sch)
	assert.Error(t, sch.Validate(map[string]any{"paymentIntent": "pi_1"}))
	assert.NoError(t, sch.Validate(map[string]any{"paymentIntent": "pi_1", "idempotencyKey": "k1"}))
}

func TestResolveType(t *testing.T) {
	kind, slug, op, err := ResolveType("action.slack.post_message")
	require.NoError(t, err)
	assert.Equal(t, []string{"action", "slack", "post_message"}, []string{kind, slug, op})

	kind, slug, op, err = ResolveType("trigger.github.push")
	require.NoError(t, err)
	assert.Equal(t, []string{"trigger", "github", "push"}, []string{kind, slug, op})

	kind, slug, op, err = ResolveType("control.branch")
	require.NoError(t, err)
	assert.Equal(t, "control", kind)
	assert.Empty(t, slug)
	assert.Equal(t, "branch", op)

	for _, bad := range []string{"action.slack", "weird.slack.op", ""} {
		_, _, _, err := ResolveType(bad)
		assert.Error(t, err, bad)
	}
}

func TestCatalogDescriptorsCompile(t *testing.T) {
	for _, d := range Catalog() {
		assert.True(t, ValidStage(d.Stage), d.Slug)
		for _, op := range d.Operations {
			if op.RequiresIdempotencyKey {
				assert.NotEmpty(t, op.Params, "%s.%s must carry a schema", d.Slug, op.ID)
			}
		}
	}
	// New() already compiled every schema; reaching here means the catalog is
	// internally consistent.
	r, _ := testRegistry(t, Catalog())
	assert.NotEmpty(t, r.List(Filter{}))
}
