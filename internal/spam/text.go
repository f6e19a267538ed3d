package spam

import (
	"regexp"
	"strings"
)

var (
	scriptRe     = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe      = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	blockCloseRe = regexp.MustCompile(`(?i)</(p|div|h[1-6]|li|br|tr)>`)
	breakRe      = regexp.MustCompile(`(?i)<(br|hr)\s*/?>`)
)

var entityReplacer = strings.NewReplacer(
	"&nbsp;", " ",
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
)

// ExtractText derives a plain-text rendition of an HTML body. It is used
// for scoring when the caller does not supply a text part.
func ExtractText(html string) string {
	text := scriptRe.ReplaceAllString(html, "")
	text = styleRe.ReplaceAllString(text, "")
	text = blockCloseRe.ReplaceAllString(text, "\n")
	text = breakRe.ReplaceAllString(text, "\n")
	text = tagRe.ReplaceAllString(text, " ")
	text = entityReplacer.Replace(text)
	return strings.TrimSpace(spaceRe.ReplaceAllString(text, " "))
}
