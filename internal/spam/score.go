// Package spam scores email content for spam-filter risk.
//
// Scoring is a pure function of its inputs: no I/O, no clock, no randomness.
package spam

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

// MaxScore is the upper bound of a score
const MaxScore = 100

// Result is the outcome of scoring a message
type Result struct {
	Score  int      `json:"score"`
	Issues []string `json:"issues"`
}

// category is a list of trigger phrases sharing one weight
type category struct {
	name    string
	weight  int
	phrases []string
}

// Categories are evaluated in order; issue order follows this table.
var categories = []category{
	{
		name:   "urgency",
		weight: 2,
		phrases: []string{
			"urgent", "act now", "limited time", "expires", "hurry",
			"immediately", "last chance", "don't miss", "today only", "final notice",
		},
	},
	{
		name:   "money",
		weight: 3,
		phrases: []string{
			"free", "cash", "$$$", "earn money", "make money", "no cost",
			"lowest price", "save big", "winner", "prize", "credit card",
		},
	},
	{
		name:   "suspicious",
		weight: 4,
		phrases: []string{
			"click here", "buy now", "order now", "guarantee", "no obligation",
			"risk free", "this is not spam", "verify your account", "viagra", "wire transfer",
		},
	},
}

// Per-signal weights
const (
	weightCapsWord      = 3
	weightExclamation   = 2
	weightLinkDensity   = 5
	weightImageHeavy    = 3
	weightNoUnsubscribe = 3
	weightShortContent  = 2
	weightHiddenText    = 10
	weightDeceptiveLink = 5

	maxLinkDensity     = 0.10
	imageHeavyTextLen  = 200
	shortContentLength = 50
)

var (
	anchorRe   = regexp.MustCompile(`(?is)<a\s[^>]*?href\s*=\s*["']([^"']*)["'][^>]*>(.*?)</a>`)
	tagRe      = regexp.MustCompile(`(?s)<[^>]+>`)
	spaceRe    = regexp.MustCompile(`\s+`)
	linkTagRe  = regexp.MustCompile(`(?i)<a\s`)
	imageTagRe = regexp.MustCompile(`(?i)<img\s`)
)

// Score computes the spam risk of a message. The result score is clamped
// to [0, MaxScore].
func Score(subject, html, text string, hasUnsubscribeLink bool) Result {
	var (
		score  int
		issues []string
	)

	content := strings.ToLower(subject + " " + text)

	for _, cat := range categories {
		for _, phrase := range cat.phrases {
			n := strings.Count(content, phrase)
			if n == 0 {
				continue
			}
			score += n * cat.weight
			if n > 1 {
				issues = append(issues, fmt.Sprintf("Contains %q %d times (%s)", phrase, n, cat.name))
			}
		}
	}

	if caps := countCapsWords(subject); caps > 0 {
		score += caps * weightCapsWord
		issues = append(issues, fmt.Sprintf("Subject contains %d ALL CAPS word(s)", caps))
	}

	if marks := strings.Count(subject, "!"); marks > 1 {
		score += (marks - 1) * weightExclamation
		issues = append(issues, fmt.Sprintf("Subject contains %d exclamation marks", marks))
	}

	links := len(linkTagRe.FindAllStringIndex(html, -1))
	words := len(strings.Fields(text))
	if links > 0 && (words == 0 || float64(links)/float64(words) > maxLinkDensity) {
		score += weightLinkDensity
		issues = append(issues, fmt.Sprintf("High link density: %d links for %d words", links, words))
	}

	if imageTagRe.MatchString(html) && len(text) < imageHeavyTextLen {
		score += weightImageHeavy
		issues = append(issues, "Image-heavy email with little text content")
	}

	if !hasUnsubscribeLink {
		score += weightNoUnsubscribe
		issues = append(issues, "Missing unsubscribe link")
	}

	if len(text) < shortContentLength {
		score += weightShortContent
		issues = append(issues, "Very short text content")
	}

	if hasHiddenText(html) {
		score += weightHiddenText
		issues = append(issues, "Hidden text detected (display:none or font-size:0)")
	}

	if issue, ok := findDeceptiveLink(html); ok {
		score += weightDeceptiveLink
		issues = append(issues, issue)
	}

	return Result{Score: clamp(score), Issues: issues}
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// countCapsWords counts subject words longer than three characters that
// are entirely upper case and contain at least one letter.
func countCapsWords(subject string) int {
	count := 0
	for _, word := range strings.Fields(subject) {
		if len([]rune(word)) <= 3 {
			continue
		}
		if word != strings.ToUpper(word) {
			continue
		}
		if strings.IndexFunc(word, unicode.IsLetter) < 0 {
			continue
		}
		count++
	}
	return count
}

func hasHiddenText(html string) bool {
	compact := spaceRe.ReplaceAllString(strings.ToLower(html), "")
	return strings.Contains(compact, "display:none") || strings.Contains(compact, "font-size:0")
}

// findDeceptiveLink reports the first anchor whose text is a generic call to
// action or shows a URL pointing at a different host than its href.
func findDeceptiveLink(html string) (string, bool) {
	for _, m := range anchorRe.FindAllStringSubmatch(html, -1) {
		href := strings.TrimSpace(m[1])
		linkText := strings.TrimSpace(spaceRe.ReplaceAllString(tagRe.ReplaceAllString(m[2], " "), " "))
		lower := strings.ToLower(linkText)

		if strings.Contains(lower, "click here") || strings.Contains(lower, "click this") {
			return "Generic link text (\"click here\") detected", true
		}

		if !looksLikeURL(lower) {
			continue
		}
		shown := hostOf(linkText)
		actual := hostOf(href)
		if shown != "" && actual != "" && shown != actual {
			return fmt.Sprintf("Deceptive link: text shows %s but points to %s", shown, actual), true
		}
	}
	return "", false
}

func looksLikeURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "www.")
}

func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(strings.ToLower(raw), "www.") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
