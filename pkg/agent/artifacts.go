package agent

import (
	"encoding/json"

	"github.com/crewkit/crewd/pkg/llm"
	"github.com/crewkit/crewd/pkg/state"
)

// Closed record schemas for the artifact-emitting agents. The schema name
// doubles as the forced tool name on structured invocations, so each stays
// a single lowercase token.

const prdSchemaRaw = `{
	"type": "object",
	"properties": {
		"title": {"type": "string"},
		"problem": {"type": "string"},
		"goals": {"type": "array", "items": {"type": "string"}, "minItems": 1},
		"non_goals": {"type": "array", "items": {"type": "string"}},
		"requirements": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"properties": {
					"id": {"type": "string"},
					"description": {"type": "string"},
					"priority": {"type": "string", "enum": ["must", "should", "could"]}
				},
				"required": ["id", "description", "priority"],
				"additionalProperties": false
			}
		},
		"success_metrics": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["title", "problem", "goals", "requirements"],
	"additionalProperties": false
}`

const techPlanSchemaRaw = `{
	"type": "object",
	"properties": {
		"summary": {"type": "string"},
		"components": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"responsibility": {"type": "string"},
					"technology": {"type": "string"}
				},
				"required": ["name", "responsibility"],
				"additionalProperties": false
			}
		},
		"risks": {"type": "array", "items": {"type": "string"}},
		"milestones": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["summary", "components"],
	"additionalProperties": false
}`

const securityReviewSchemaRaw = `{
	"type": "object",
	"properties": {
		"summary": {"type": "string"},
		"findings": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"severity": {"type": "string", "enum": ["critical", "high", "medium", "low", "info"]},
					"title": {"type": "string"},
					"description": {"type": "string"},
					"recommendation": {"type": "string"}
				},
				"required": ["severity", "title", "description", "recommendation"],
				"additionalProperties": false
			}
		},
		"approved": {"type": "boolean"}
	},
	"required": ["summary", "findings", "approved"],
	"additionalProperties": false
}`

const codeReviewSchemaRaw = `{
	"type": "object",
	"properties": {
		"summary": {"type": "string"},
		"issues": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"severity": {"type": "string", "enum": ["blocker", "major", "minor", "nit"]},
					"file": {"type": "string"},
					"description": {"type": "string"},
					"suggestion": {"type": "string"}
				},
				"required": ["severity", "description"],
				"additionalProperties": false
			}
		},
		"approved": {"type": "boolean"}
	},
	"required": ["summary", "issues", "approved"],
	"additionalProperties": false
}`

const testPlanSchemaRaw = `{
	"type": "object",
	"properties": {
		"summary": {"type": "string"},
		"cases": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"properties": {
					"id": {"type": "string"},
					"name": {"type": "string"},
					"steps": {"type": "array", "items": {"type": "string"}, "minItems": 1},
					"expected": {"type": "string"}
				},
				"required": ["id", "name", "steps", "expected"],
				"additionalProperties": false
			}
		},
		"coverage_goal": {"type": "string"}
	},
	"required": ["summary", "cases"],
	"additionalProperties": false
}`

var artifactSchemas = map[string]*llm.Schema{
	state.ArtifactPRD:            llm.MustSchema("prd", json.RawMessage(prdSchemaRaw)),
	state.ArtifactTechPlan:       llm.MustSchema("tech_plan", json.RawMessage(techPlanSchemaRaw)),
	state.ArtifactSecurityReview: llm.MustSchema("security_review", json.RawMessage(securityReviewSchemaRaw)),
	state.ArtifactCodeReview:     llm.MustSchema("code_review", json.RawMessage(codeReviewSchemaRaw)),
	state.ArtifactTestPlan:       llm.MustSchema("test_plan", json.RawMessage(testPlanSchemaRaw)),
}

// SchemaFor returns the compiled payload schema for an artifact type.
func SchemaFor(artifactType string) (*llm.Schema, bool) {
	s, ok := artifactSchemas[artifactType]
	return s, ok
}
