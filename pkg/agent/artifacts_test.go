package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewkit/crewd/pkg/state"
)

func TestSchemaFor(t *testing.T) {
	for _, artifactType := range []string{
		state.ArtifactPRD,
		state.ArtifactTechPlan,
		state.ArtifactSecurityReview,
		state.ArtifactCodeReview,
		state.ArtifactTestPlan,
	} {
		s, ok := SchemaFor(artifactType)
		require.True(t, ok, "schema for %s", artifactType)
		assert.Equal(t, artifactType, s.Name)
	}

	_, ok := SchemaFor("blueprint")
	assert.False(t, ok)
}

func TestArtifactSchemasValidate(t *testing.T) {
	t.Run("accepts a complete prd", func(t *testing.T) {
		s, _ := SchemaFor(state.ArtifactPRD)
		payload := `{
			"title": "Task reminders",
			"problem": "Users forget follow-ups.",
			"goals": ["Remind users on time"],
			"requirements": [
				{"id": "R1", "description": "Schedule a reminder", "priority": "must"}
			],
			"success_metrics": ["90% of reminders delivered on time"]
		}`
		assert.NoError(t, s.Validate([]byte(payload)))
	})

	t.Run("rejects a prd without requirements", func(t *testing.T) {
		s, _ := SchemaFor(state.ArtifactPRD)
		payload := `{"title": "x", "problem": "y", "goals": ["z"]}`
		assert.Error(t, s.Validate([]byte(payload)))
	})

	t.Run("rejects an unknown requirement priority", func(t *testing.T) {
		s, _ := SchemaFor(state.ArtifactPRD)
		payload := `{
			"title": "x", "problem": "y", "goals": ["z"],
			"requirements": [{"id": "R1", "description": "d", "priority": "urgent"}]
		}`
		assert.Error(t, s.Validate([]byte(payload)))
	})

	t.Run("accepts a security review and rejects a stray field", func(t *testing.T) {
		s, _ := SchemaFor(state.ArtifactSecurityReview)
		ok := `{
			"summary": "One medium finding.",
			"findings": [
				{"severity": "medium", "title": "Weak session timeout", "description": "Sessions never expire.", "recommendation": "Expire after 30 minutes."}
			],
			"approved": false
		}`
		assert.NoError(t, s.Validate([]byte(ok)))

		stray := `{"summary": "s", "findings": [], "approved": true, "reviewer": "me"}`
		assert.Error(t, s.Validate([]byte(stray)))
	})

	t.Run("accepts a test plan", func(t *testing.T) {
		s, _ := SchemaFor(state.ArtifactTestPlan)
		payload := `{
			"summary": "Covers the reminder flow.",
			"cases": [
				{"id": "T1", "name": "Schedule", "steps": ["Create a reminder"], "expected": "Reminder fires"}
			],
			"coverage_goal": "All endpoints"
		}`
		assert.NoError(t, s.Validate([]byte(payload)))
	})
}
