package extractor

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// htmlToText strips markup, keeping visible text only. Script and style
// bodies are dropped entirely.
func htmlToText(data []byte) string {
	tokenizer := html.NewTokenizer(bytes.NewReader(data))

	var sb strings.Builder
	skipDepth := 0
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return cleanText(sb.String())
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			if skippedTag(string(name)) {
				skipDepth++
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if skippedTag(string(name)) && skipDepth > 0 {
				skipDepth--
			}
		case html.TextToken:
			if skipDepth == 0 {
				sb.Write(tokenizer.Text())
				sb.WriteByte(' ')
			}
		}
	}
}

func skippedTag(name string) bool {
	switch name {
	case "script", "style", "noscript":
		return true
	}
	return false
}

// cleanText normalizes extracted text: valid UTF-8, no NUL bytes, runs of
// whitespace collapsed to single spaces with line breaks preserved.
func cleanText(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	s = strings.ReplaceAll(s, "\x00", "")

	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
