package scraper

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var blockTitleMarkers = []string{
	"access denied",
	"attention required",
	"are you a robot",
	"security check",
	"verify you are human",
	"captcha",
}

const challengeSelector = `form[action*="captcha"], #captcha-form, .g-recaptcha, iframe[src*="captcha"], #px-captcha`

// detectBlock returns a reason when the page is a bot challenge rather than
// content, and "" otherwise. JSON bodies are never treated as challenges.
func detectBlock(resp *PageResponse) string {
	if strings.Contains(resp.ContentType, "json") {
		return ""
	}
	trimmed := bytes.TrimSpace(resp.Body)
	if len(trimmed) == 0 || trimmed[0] == '{' || trimmed[0] == '[' {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(trimmed))
	if err != nil {
		return ""
	}

	title := strings.ToLower(strings.TrimSpace(doc.Find("title").First().Text()))
	for _, marker := range blockTitleMarkers {
		if strings.Contains(title, marker) {
			return "challenge page: " + title
		}
	}
	if doc.Find(challengeSelector).Length() > 0 {
		return "captcha challenge"
	}
	return ""
}
