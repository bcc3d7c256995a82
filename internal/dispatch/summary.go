package dispatch

import (
	"strings"
)

// Summary is the structured view of an agent reply used for Slack blocks.
type Summary struct {
	Summary        string
	WhatWasDone    string
	KeyInsights    string
	Classification string
}

// summaryFieldLimit bounds each extracted field; Slack rejects section text
// over 3000 characters.
const summaryFieldLimit = 2900

// ExtractSummary reads the "## Summary", "## What Was Done", "## Key
// Insights" and "## Classification" sections of text. Headings of any level
// and case match. Without a summary heading the first paragraph is used.
func ExtractSummary(text string) Summary {
	sections := map[string]*strings.Builder{}
	var current *strings.Builder
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			name := strings.ToLower(strings.TrimSpace(strings.TrimLeft(trimmed, "#")))
			name = strings.TrimSuffix(name, ":")
			current = &strings.Builder{}
			if _, seen := sections[name]; !seen {
				sections[name] = current
			}
			continue
		}
		if current != nil {
			current.WriteString(line)
			current.WriteByte('\n')
		}
	}
	get := func(names ...string) string {
		for _, n := range names {
			if b, ok := sections[n]; ok {
				if s := strings.TrimSpace(b.String()); s != "" {
					return Truncate(s, summaryFieldLimit)
				}
			}
		}
		return ""
	}

	s := Summary{
		Summary:        get("summary", "tl;dr"),
		WhatWasDone:    get("what was done", "what was changed", "changes"),
		KeyInsights:    get("key insights", "insights", "findings"),
		Classification: strings.ToUpper(get("classification")),
	}
	if s.Summary == "" {
		s.Summary = Truncate(firstParagraph(text), summaryFieldLimit)
	}
	return s
}

func firstParagraph(text string) string {
	for _, para := range strings.Split(strings.TrimSpace(text), "\n\n") {
		var lines []string
		for _, l := range strings.Split(para, "\n") {
			if t := strings.TrimSpace(l); t != "" && !strings.HasPrefix(t, "#") {
				lines = append(lines, t)
			}
		}
		if len(lines) > 0 {
			return strings.Join(lines, "\n")
		}
	}
	return ""
}
