package kestrel

import (
	"fmt"
	"strings"
	"time"
)

// PromptSection is a named custom markdown section. Sections render in
// slice order, which preserves caller insertion order.
type PromptSection struct {
	Title string
	Body  string
}

// PromptConfig is the typed input to BuildPrompt.
type PromptConfig struct {
	Name                  string
	Description           string
	Role                  string
	Instructions          []string
	ExpectedOutput        string
	Markdown              bool
	AddDatetime           bool
	AddWorkspaceInfo      bool
	Timezone              string // IANA name; "" = UTC
	AdditionalContext     string
	AdditionalInformation []string
	CustomSections        []PromptSection
}

// SkillInfo is the indexed front-matter of one skill, listed in the prompt.
type SkillInfo struct {
	Name        string
	Description string
}

// PromptEnv carries the environmental facts BuildPrompt may render. Clock
// defaults to time.Now when nil, keeping the assembler deterministic in tests.
type PromptEnv struct {
	WorkDir string
	Clock   func() time.Time
}

// BuildPrompt assembles the system message. It is a pure function of its
// inputs: identical inputs produce byte-identical output, except the
// datetime section which reads the clock.
//
// Section order is fixed: name, description, role, instructions,
// output format, tool usage guidelines, skills, expected output,
// workspace info, datetime, additional information, custom sections,
// additional context.
func BuildPrompt(cfg PromptConfig, toolNotes []string, skills []SkillInfo, env PromptEnv) string {
	var sections []string
	add := func(s string) {
		if s != "" {
			sections = append(sections, s)
		}
	}

	if cfg.Name != "" {
		add("# " + cfg.Name)
	}
	add(cfg.Description)
	if cfg.Role != "" {
		add("<your_role>\n" + cfg.Role + "\n</your_role>")
	}
	if len(cfg.Instructions) > 0 {
		add("<instructions>\n" + bulletList(cfg.Instructions) + "\n</instructions>")
	}
	if cfg.Markdown {
		add("<output_format>\nFormat your response in Markdown. Use headings, lists, and code blocks where they aid readability.\n</output_format>")
	}
	if len(toolNotes) > 0 {
		add("<tool_usage_guidelines>\n" + strings.Join(toolNotes, "\n\n") + "\n</tool_usage_guidelines>")
	}
	if len(skills) > 0 {
		var b strings.Builder
		b.WriteString("## Available Skills\n")
		for _, s := range skills {
			fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
		}
		b.WriteString("Call the get_skill tool with a skill name to load its full content before using it.")
		add(b.String())
	}
	if cfg.ExpectedOutput != "" {
		add("<expected_output>\n" + cfg.ExpectedOutput + "\n</expected_output>")
	}
	if cfg.AddWorkspaceInfo {
		add("<workspace_info>\nCurrent working directory: " + env.WorkDir + "\n</workspace_info>")
	}
	if cfg.AddDatetime {
		add("<current_datetime>\n" + formatDatetime(cfg.Timezone, env.Clock) + "\n</current_datetime>")
	}
	if len(cfg.AdditionalInformation) > 0 {
		add("<additional_information>\n" + bulletList(cfg.AdditionalInformation) + "\n</additional_information>")
	}
	for _, s := range cfg.CustomSections {
		add("## " + s.Title + "\n" + s.Body)
	}
	add(cfg.AdditionalContext)

	return strings.Join(sections, "\n\n")
}

func bulletList(items []string) string {
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(it)
	}
	return b.String()
}

func formatDatetime(tz string, clock func() time.Time) string {
	now := time.Now
	if clock != nil {
		now = clock
	}
	loc := time.UTC
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	return now().In(loc).Format("Monday, 2 January 2006 15:04:05 MST")
}
