// Copyright 2024-2026 Aiku AI

// Package discordfmt converts Discord markdown to Matrix HTML.
package discordfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

// ParsedMessage holds the result of converting Discord markdown to Matrix format.
type ParsedMessage struct {
	Body          string
	Format        event.Format
	FormattedBody string
}

var (
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	underlineRe  = regexp.MustCompile(`__(.+?)__`)
	italicStarRe = regexp.MustCompile(`\*([^*\s][^*]*?)\*`)
	italicRe     = regexp.MustCompile(`(^|[^\w_])_([^_]+?)_($|[^\w_])`)
	strikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	spoilerRe    = regexp.MustCompile(`\|\|(.+?)\|\|`)
	codeRe       = regexp.MustCompile("`([^`]+)`")
	codeBlockRe  = regexp.MustCompile("(?s)```(\\w+\\n)?(.*?)```")
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	emojiRe      = regexp.MustCompile(`&lt;a?:(\w+):\d+&gt;`)
	headingRe    = regexp.MustCompile(`(?m)^(#{1,3})\s+(.+)$`)
	ulRe         = regexp.MustCompile(`(?m)^[-*]\s+(.+)$`)
	olRe         = regexp.MustCompile(`(?m)^\d+\.\s+(.+)$`)
	blockquoteRe = regexp.MustCompile(`(?m)^>\s+(.+)$`)
)

type codeBlock struct {
	lang    string
	content string
}

func placeholder(i int) string {
	return "\x00CODEBLOCK" + strconv.Itoa(i) + "\x00"
}

// Parse converts a Discord markdown message to Matrix event content. Messages
// without markdown are returned as plain text.
func Parse(text string) *ParsedMessage {
	if text == "" {
		return &ParsedMessage{}
	}

	hasFormatting := boldRe.MatchString(text) ||
		underlineRe.MatchString(text) ||
		italicStarRe.MatchString(text) ||
		italicRe.MatchString(text) ||
		strikeRe.MatchString(text) ||
		spoilerRe.MatchString(text) ||
		codeRe.MatchString(text) ||
		codeBlockRe.MatchString(text) ||
		linkRe.MatchString(text) ||
		headingRe.MatchString(text) ||
		blockquoteRe.MatchString(text) ||
		ulRe.MatchString(text) ||
		olRe.MatchString(text)

	if !hasFormatting {
		return &ParsedMessage{Body: text}
	}

	// Code blocks are cut out first so their content is not formatted.
	var codeBlocks []codeBlock
	processed := codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		idx := len(codeBlocks)
		codeBlocks = append(codeBlocks, codeBlock{
			lang:    strings.TrimSpace(parts[1]),
			content: strings.TrimPrefix(parts[2], "\n"),
		})
		return placeholder(idx)
	})

	lines := strings.Split(processed, "\n")
	var result []string
	var listType string
	var listItems []string

	flushList := func() {
		if len(listItems) == 0 {
			return
		}
		result = append(result, "<"+listType+">"+strings.Join(listItems, "")+"</"+listType+">")
		listItems = nil
		listType = ""
	}

	for _, line := range lines {
		if m := blockquoteRe.FindStringSubmatch(line); len(m) >= 2 {
			flushList()
			result = append(result, "<blockquote>"+html.EscapeString(m[1])+"</blockquote>")
			continue
		}
		if m := headingRe.FindStringSubmatch(line); len(m) >= 3 {
			flushList()
			lvl := strconv.Itoa(len(m[1]))
			result = append(result, "<h"+lvl+">"+html.EscapeString(m[2])+"</h"+lvl+">")
			continue
		}
		if m := ulRe.FindStringSubmatch(line); len(m) >= 2 {
			if listType != "ul" {
				flushList()
				listType = "ul"
			}
			listItems = append(listItems, "<li>"+html.EscapeString(m[1])+"</li>")
			continue
		}
		if m := olRe.FindStringSubmatch(line); len(m) >= 2 {
			if listType != "ol" {
				flushList()
				listType = "ol"
			}
			listItems = append(listItems, "<li>"+html.EscapeString(m[1])+"</li>")
			continue
		}
		flushList()
		result = append(result, html.EscapeString(line))
	}
	flushList()

	formatted := strings.Join(result, "\n")

	// Inline formatting. Bold and underline go before their single
	// character counterparts.
	formatted = codeRe.ReplaceAllString(formatted, "<code>$1</code>")
	formatted = boldRe.ReplaceAllString(formatted, "<strong>$1</strong>")
	formatted = underlineRe.ReplaceAllString(formatted, "<u>$1</u>")
	formatted = italicStarRe.ReplaceAllString(formatted, "<em>$1</em>")
	formatted = italicRe.ReplaceAllString(formatted, "$1<em>$2</em>$3")
	formatted = strikeRe.ReplaceAllString(formatted, "<del>$1</del>")
	formatted = spoilerRe.ReplaceAllString(formatted, "<span data-mx-spoiler>$1</span>")
	formatted = emojiRe.ReplaceAllString(formatted, ":$1:")

	// Only http, https and mailto links are rendered.
	formatted = linkRe.ReplaceAllStringFunc(formatted, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		label, href := parts[1], parts[2]
		lower := strings.ToLower(strings.TrimSpace(href))
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "mailto:") {
			return `<a href="` + href + `">` + label + `</a>`
		}
		return label
	})

	formatted = strings.ReplaceAll(formatted, "\n", "<br/>")

	for i, cb := range codeBlocks {
		escaped := html.EscapeString(cb.content)
		replacement := `<pre><code>` + escaped + `</code></pre>`
		if cb.lang != "" {
			replacement = `<pre><code class="language-` + html.EscapeString(cb.lang) + `">` + escaped + `</code></pre>`
		}
		formatted = strings.Replace(formatted, placeholder(i), replacement, 1)
	}

	return &ParsedMessage{
		Body:          text,
		Format:        event.FormatHTML,
		FormattedBody: formatted,
	}
}
