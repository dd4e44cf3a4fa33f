package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewkit/crewd/pkg/state"
)

func validEntry(name string) Entry {
	return Entry{
		Name:         name,
		Role:         "Does one thing well.",
		SystemPrompt: "You are " + name + ".",
	}
}

func TestRegistryRegister(t *testing.T) {
	t.Run("registers and looks up", func(t *testing.T) {
		r := NewRegistry(nil)
		require.NoError(t, r.Register(validEntry("Helper")))

		e, err := r.Lookup("Helper")
		require.NoError(t, err)
		assert.Equal(t, "Helper", e.Name)
		assert.True(t, r.Has("Helper"))
	})

	t.Run("rejects duplicates", func(t *testing.T) {
		r := NewRegistry(nil)
		require.NoError(t, r.Register(validEntry("Helper")))

		err := r.Register(validEntry("Helper"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDuplicateAgent)
	})

	t.Run("rejects missing fields", func(t *testing.T) {
		r := NewRegistry(nil)

		e := validEntry("Helper")
		e.Name = "  "
		assert.Error(t, r.Register(e))

		e = validEntry("Helper")
		e.Role = ""
		assert.Error(t, r.Register(e))

		e = validEntry("Helper")
		e.SystemPrompt = ""
		assert.Error(t, r.Register(e))
	})

	t.Run("rejects unknown output schema", func(t *testing.T) {
		r := NewRegistry(nil)
		e := validEntry("Helper")
		e.OutputSchema = "blueprint"
		assert.Error(t, r.Register(e))
	})

	t.Run("rejects tools combined with a schema", func(t *testing.T) {
		r := NewRegistry(nil)
		e := validEntry("Helper")
		e.OutputSchema = state.ArtifactPRD
		e.Tools = []string{"read_file"}
		assert.Error(t, r.Register(e))
	})
}

func TestRegistryLookupUnknown(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Lookup("Nobody")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestRegistryOrder(t *testing.T) {
	r := NewRegistry(nil)
	for _, name := range []string{"Zeta", "Alpha", "Mid"} {
		require.NoError(t, r.Register(validEntry(name)))
	}

	assert.Equal(t, []string{"Zeta", "Alpha", "Mid"}, r.Names())

	entries := r.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "Zeta", entries[0].Name)
	assert.Equal(t, "Mid", entries[2].Name)
}

func TestRouterContext(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, RegisterBuiltin(r))

	t.Run("empty without plugins", func(t *testing.T) {
		assert.Empty(t, r.RouterContext())
	})

	t.Run("lists plugin entries with keywords", func(t *testing.T) {
		plugin := validEntry("DataEngineer")
		plugin.Role = "Builds data pipelines."
		plugin.Keywords = []string{"etl", "pipeline"}
		plugin.Plugin = true
		require.NoError(t, r.Register(plugin))

		ctx := r.RouterContext()
		assert.Contains(t, ctx, "Additional plugin specialists:")
		assert.Contains(t, ctx, "- DataEngineer: Builds data pipelines.")
		assert.Contains(t, ctx, "(keywords: etl, pipeline)")
		assert.NotContains(t, ctx, Builder)
	})
}

func TestBuiltinRoster(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, RegisterBuiltin(r))

	expected := []string{
		ProductManager, Researcher, Analyst,
		Designer, Architect, Planner,
		Builder, Reviewer, Tester, Security,
		SRE, Writer, Marketer,
	}
	assert.Equal(t, expected, r.Names())

	builder, err := r.Lookup(Builder)
	require.NoError(t, err)
	assert.True(t, builder.SelfLoop)
	assert.Contains(t, builder.Tools, "run_tests")
	assert.Empty(t, builder.OutputSchema)

	artifactAgents := map[string]string{
		ProductManager: state.ArtifactPRD,
		Architect:      state.ArtifactTechPlan,
		Reviewer:       state.ArtifactCodeReview,
		Tester:         state.ArtifactTestPlan,
		Security:       state.ArtifactSecurityReview,
	}
	for name, artifactType := range artifactAgents {
		e, err := r.Lookup(name)
		require.NoError(t, err)
		assert.Equal(t, artifactType, e.OutputSchema, "agent %s", name)
		assert.Empty(t, e.Tools, "agent %s", name)
	}

	for _, e := range r.Entries() {
		assert.False(t, e.Plugin, "agent %s", e.Name)
		assert.NotEmpty(t, e.Keywords, "agent %s", e.Name)
	}
}
