package spam

import (
	"strings"
	"testing"
)

// longText is comfortably above every length threshold and free of triggers.
var longText = strings.Repeat("We are writing to share the quarterly product notes with our customers. ", 5)

func TestScoreCleanMessage(t *testing.T) {
	result := Score("Quarterly product notes", "<p>Hello</p>", longText, true)
	if result.Score != 0 {
		t.Errorf("expected score 0, got %d (issues: %v)", result.Score, result.Issues)
	}
	if len(result.Issues) != 0 {
		t.Errorf("expected no issues, got %v", result.Issues)
	}
}

func TestScoreTriggerWeights(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		want    int
	}{
		{"urgency", "urgent notes", 2},
		{"money", "cash notes", 3},
		{"suspicious", "buy now notes", 4},
		{"repeated money", "cash cash notes", 6},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := Score(tc.subject, "", longText, true)
			if result.Score != tc.want {
				t.Errorf("Score(%q) = %d, want %d (issues: %v)", tc.subject, result.Score, tc.want, result.Issues)
			}
		})
	}
}

func TestScoreRepeatedPhraseIssue(t *testing.T) {
	result := Score("cash", "", longText+" cash cash", true)
	if result.Score != 9 {
		t.Errorf("expected score 9, got %d", result.Score)
	}
	if len(result.Issues) != 1 || !strings.Contains(result.Issues[0], `"cash" 3 times`) {
		t.Errorf("unexpected issues: %v", result.Issues)
	}
}

func TestScoreCaseInsensitive(t *testing.T) {
	lower := Score("hurry", "", longText, true)
	upper := Score("HuRrY", "", longText, true)
	if lower.Score != upper.Score {
		t.Errorf("expected case-insensitive match: %d vs %d", lower.Score, upper.Score)
	}
}

func TestScoreCapsWords(t *testing.T) {
	// "NOTES" and "TODAY" count; "BIG" is too short; "2024" has no letters.
	result := Score("NOTES for TODAY BIG 2024", "", longText, true)
	if result.Score != 6 {
		t.Errorf("expected score 6, got %d (issues: %v)", result.Score, result.Issues)
	}
}

func TestScoreExclamationMarks(t *testing.T) {
	one := Score("Notes!", "", longText, true)
	if one.Score != 0 {
		t.Errorf("a single exclamation mark should be free, got %d", one.Score)
	}

	three := Score("Notes!!!", "", longText, true)
	if three.Score != 4 {
		t.Errorf("expected score 4 for three marks, got %d", three.Score)
	}
}

func TestScoreLinkDensity(t *testing.T) {
	html := strings.Repeat(`<a href="https://example.com/x">docs</a> `, 3)
	text := "short words only here, ten words in total right now"
	result := Score("Notes", html, text, true)
	// 3 links / 10 words = 0.3 > 0.1 -> +5
	if result.Score != 5 {
		t.Errorf("expected score 5, got %d (issues: %v)", result.Score, result.Issues)
	}
	if !strings.Contains(result.Issues[0], "3 links for 10 words") {
		t.Errorf("unexpected issue: %v", result.Issues)
	}
}

func TestScoreImageHeavy(t *testing.T) {
	text := strings.Repeat("word ", 20) // 100 chars, below 200 but above 50
	result := Score("Notes", `<img src="banner.png">`, text, true)
	if result.Score != 3 {
		t.Errorf("expected score 3, got %d (issues: %v)", result.Score, result.Issues)
	}
}

func TestScoreMissingUnsubscribe(t *testing.T) {
	result := Score("Notes", "", longText, false)
	if result.Score != 3 {
		t.Errorf("expected score 3, got %d", result.Score)
	}
}

func TestScoreShortContent(t *testing.T) {
	result := Score("Notes", "", "hi there", true)
	if result.Score != 2 {
		t.Errorf("expected score 2, got %d (issues: %v)", result.Score, result.Issues)
	}
}

func TestScoreHiddenText(t *testing.T) {
	tests := []string{
		`<div style="display: none">x</div>`,
		`<span style="FONT-SIZE:0">x</span>`,
	}
	for _, html := range tests {
		result := Score("Notes", html, longText, true)
		if result.Score != 10 {
			t.Errorf("Score(%q) = %d, want 10", html, result.Score)
		}
	}
}

func TestScoreDeceptiveLinks(t *testing.T) {
	tests := []struct {
		name string
		html string
		want int
	}{
		{
			name: "mismatched host",
			html: `<a href="https://evil.example.net/login">https://bank.example.com</a>`,
			want: 5,
		},
		{
			name: "matching host",
			html: `<a href="https://www.example.com/a">https://example.com</a>`,
			want: 0,
		},
		{
			name: "recorded once",
			html: `<a href="https://a.test/">https://b.test</a><a href="https://c.test/">https://d.test</a>`,
			want: 5,
		},
	}

	words := strings.Repeat("plenty of words here ", 10)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := Score("Notes", tc.html, longText+words, true)
			if result.Score != tc.want {
				t.Errorf("expected %d, got %d (issues: %v)", tc.want, result.Score, result.Issues)
			}
		})
	}
}

func TestScoreClickHereLinkText(t *testing.T) {
	html := `<a href="https://example.com">Click here</a>`
	result := Score("Notes", html, longText, true)
	// link density 1/60 stays below threshold; click-here anchor adds 5
	if result.Score != 5 {
		t.Errorf("expected 5, got %d (issues: %v)", result.Score, result.Issues)
	}
}

func TestScoreClamped(t *testing.T) {
	subject := strings.Repeat("FREE CASH NOW!!! ", 10)
	text := strings.Repeat("act now buy now guarantee winner prize ", 20)
	html := `<div style="display:none">hidden</div><img src="a.png">`
	result := Score(subject, html, text, false)
	if result.Score != MaxScore {
		t.Errorf("expected score clamped to %d, got %d", MaxScore, result.Score)
	}
}

func TestScoreMonotonicInTriggers(t *testing.T) {
	subject := "notes"
	prev := Score(subject, "", longText, true).Score
	for i := 0; i < 30; i++ {
		subject += " prize"
		cur := Score(subject, "", longText, true).Score
		if cur < prev {
			t.Fatalf("score decreased from %d to %d after adding a trigger", prev, cur)
		}
		prev = cur
	}
}

func TestScoreDeterministic(t *testing.T) {
	a := Score("URGENT offer!!", `<a href="https://x.test">click here</a>`, "cash", false)
	b := Score("URGENT offer!!", `<a href="https://x.test">click here</a>`, "cash", false)
	if a.Score != b.Score || strings.Join(a.Issues, "|") != strings.Join(b.Issues, "|") {
		t.Error("scoring is not deterministic")
	}
}

func TestExtractText(t *testing.T) {
	html := `<html><head><style>p{color:red}</style><script>alert(1)</script></head>
<body><p>Hello&nbsp;there</p><div>Tom &amp; Jerry</div></body></html>`
	got := ExtractText(html)
	want := "Hello there Tom & Jerry"
	if got != want {
		t.Errorf("ExtractText() = %q, want %q", got, want)
	}
}
