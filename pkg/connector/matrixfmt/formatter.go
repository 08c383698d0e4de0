// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixfmt converts Matrix HTML to Discord markdown.
package matrixfmt

import (
	"html"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MaxLength is the longest message content Discord accepts.
const MaxLength = 2000

type rule struct {
	re   *regexp.Regexp
	repl string
}

// inlineRules run in order over the HTML. Code is rewritten first so the
// later rules see backticks instead of tags.
var inlineRules = []rule{
	{regexp.MustCompile(`(?s)<pre><code(?: class="language-([\w+-]+)")?>(.*?)</code></pre>`), "```$1\n$2\n```"},
	{regexp.MustCompile(`<code>(.*?)</code>`), "`$1`"},
	{regexp.MustCompile(`<(?:strong|b)>(.*?)</(?:strong|b)>`), "**$1**"},
	{regexp.MustCompile(`<(?:em|i)>(.*?)</(?:em|i)>`), "*$1*"},
	{regexp.MustCompile(`<u>(.*?)</u>`), "__${1}__"},
	{regexp.MustCompile(`<(?:del|s|strike)>(.*?)</(?:del|s|strike)>`), "~~$1~~"},
	{regexp.MustCompile(`<span data-mx-spoiler(?:="[^"]*")?>(.*?)</span>`), "||$1||"},
	{regexp.MustCompile(`<img[^>]*\bdata-mx-emoticon\b[^>]*\balt="([^"]*)"[^>]*/?>`), "$1"},
}

var (
	replyRe      = regexp.MustCompile(`(?s)<mx-reply>.*?</mx-reply>`)
	pillRe       = regexp.MustCompile(`<a href="https://matrix\.to/#/((?:@|%40)[^"/?]+)(?:\?[^"]*)?"[^>]*>(.*?)</a>`)
	linkRe       = regexp.MustCompile(`<a href="([^"]+)"[^>]*>(.*?)</a>`)
	brRe         = regexp.MustCompile(`<br\s*/?>`)
	blockquoteRe = regexp.MustCompile(`(?s)<blockquote>(.*?)</blockquote>`)
	headingRe    = regexp.MustCompile(`<h([1-6])>(.*?)</h[1-6]>`)
	ulRe         = regexp.MustCompile(`(?s)<ul>(.*?)</ul>`)
	olRe         = regexp.MustCompile(`(?s)<ol(?: start="(\d+)")?>(.*?)</ol>`)
	liRe         = regexp.MustCompile(`(?s)<li>(.*?)</li>`)
	pRe          = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	tagRe        = regexp.MustCompile(`<[^>]+>`)
)

// Converter turns Matrix HTML into Discord markdown.
type Converter struct {
	// Mention returns the Discord mention for a pilled Matrix user, such as
	// "<@123>" for a bridged Discord user. When nil or when it reports false,
	// the pill becomes its plain display text.
	Mention func(userID id.UserID) (string, bool)
}

// Parse converts Matrix message content to Discord markdown without mention
// mapping.
func Parse(content *event.MessageEventContent) string {
	return (&Converter{}).Parse(content)
}

// Parse converts Matrix message content to Discord markdown. Content without
// an HTML body is returned as its plain body.
func (c *Converter) Parse(content *event.MessageEventContent) string {
	if content == nil {
		return ""
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return content.Body
	}

	text := replyRe.ReplaceAllString(content.FormattedBody, "")
	text = pillRe.ReplaceAllStringFunc(text, c.convertPill)
	for _, r := range inlineRules {
		text = r.re.ReplaceAllString(text, r.repl)
	}
	text = linkRe.ReplaceAllStringFunc(text, convertLink)
	text = headingRe.ReplaceAllStringFunc(text, convertHeading)
	text = blockquoteRe.ReplaceAllStringFunc(text, convertBlockquote)
	text = ulRe.ReplaceAllStringFunc(text, convertUnorderedList)
	text = olRe.ReplaceAllStringFunc(text, convertOrderedList)

	text = pRe.ReplaceAllString(text, "$1\n\n")
	text = brRe.ReplaceAllString(text, "\n")
	text = tagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	return strings.TrimSpace(text)
}

func (c *Converter) convertPill(match string) string {
	parts := pillRe.FindStringSubmatch(match)
	label := tagRe.ReplaceAllString(parts[2], "")
	raw, err := url.PathUnescape(parts[1])
	if err != nil || c.Mention == nil {
		return label
	}
	if mention, ok := c.Mention(id.UserID(raw)); ok {
		return mention
	}
	return label
}

func convertLink(match string) string {
	parts := linkRe.FindStringSubmatch(match)
	href, label := parts[1], parts[2]
	if label == href || tagRe.ReplaceAllString(label, "") == href {
		return href
	}
	return "[" + label + "](" + href + ")"
}

// Discord only renders three heading levels.
func convertHeading(match string) string {
	parts := headingRe.FindStringSubmatch(match)
	level := min(int(parts[1][0]-'0'), 3)
	return strings.Repeat("#", level) + " " + parts[2]
}

func convertBlockquote(match string) string {
	parts := blockquoteRe.FindStringSubmatch(match)
	inner := brRe.ReplaceAllString(strings.TrimSpace(parts[1]), "\n")
	var quoted []string
	for line := range strings.SplitSeq(pRe.ReplaceAllString(inner, "$1\n"), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			quoted = append(quoted, "> "+line)
		}
	}
	return strings.Join(quoted, "\n") + "\n"
}

func convertUnorderedList(match string) string {
	var lines []string
	for _, item := range liRe.FindAllStringSubmatch(match, -1) {
		lines = append(lines, "- "+strings.TrimSpace(item[1]))
	}
	return strings.Join(lines, "\n") + "\n"
}

func convertOrderedList(match string) string {
	parts := olRe.FindStringSubmatch(match)
	start := 1
	if n, err := strconv.Atoi(parts[1]); err == nil {
		start = n
	}
	var lines []string
	for i, item := range liRe.FindAllStringSubmatch(parts[2], -1) {
		lines = append(lines, strconv.Itoa(start+i)+". "+strings.TrimSpace(item[1]))
	}
	return strings.Join(lines, "\n") + "\n"
}

// Truncate shortens text to at most MaxLength runes, marking the cut with an
// ellipsis.
func Truncate(text string) string {
	if utf8.RuneCountInString(text) <= MaxLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:MaxLength-1]) + "…"
}
