package kestrel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// SkillIndex exposes a catalog of skills: markdown documents of domain
// guidance loadable on demand. The skills package provides the directory
// backed implementation.
type SkillIndex interface {
	// List returns the indexed front-matter of every skill.
	List() []SkillInfo
	// Load returns the full markdown body of the named skill.
	Load(name string) (string, error)
}

// SkillTool exposes a SkillIndex as the list_skills and get_skill tools.
type SkillTool struct {
	Index SkillIndex
}

func (t *SkillTool) Definitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "list_skills",
			Description: "List available skills with their one-line descriptions.",
			Source:      SourceNative,
			Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
		},
		{
			Name:        "get_skill",
			Description: "Load the full content of a skill by name.",
			Source:      SourceNative,
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"name": {"type": "string", "description": "Skill name from list_skills"}
				},
				"required": ["name"]
			}`),
		},
	}
}

func (t *SkillTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	switch name {
	case "list_skills":
		var b strings.Builder
		for _, s := range t.Index.List() {
			fmt.Fprintf(&b, "%s: %s\n", s.Name, s.Description)
		}
		return ToolResult{Success: true, Content: b.String()}, nil
	case "get_skill":
		var params struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return ToolResult{Success: false, Error: "invalid arguments: " + err.Error()}, nil
		}
		body, err := t.Index.Load(params.Name)
		if err != nil {
			return ToolResult{Success: false, Error: err.Error()}, nil
		}
		return ToolResult{Success: true, Content: body}, nil
	default:
		return ToolResult{Success: false, Error: "unknown tool " + name}, nil
	}
}
