package adapter

import (
	"regexp"
	"strings"
)

var thinkingTags = []string{
	"think", "thinking", "analysis", "reflection", "internal",
	"thought", "reasoning", "consider", "deepthink", "reflect",
}

var (
	thinkingPatterns = buildThinkingPatterns()
	lineEdges        = regexp.MustCompile(`(?m)^[ \t]+|[ \t]+$`)
	extraBlankLines  = regexp.MustCompile(`\n{3,}`)
)

func buildThinkingPatterns() []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(thinkingTags)+6)
	for _, tag := range thinkingTags {
		out = append(out, regexp.MustCompile(`(?is)<`+tag+`\s*>.*?</`+tag+`\s*>`))
	}
	out = append(out,
		// Markdown 标题，删到下一个 ** / ## 之前
		regexp.MustCompile(`\*\*思考过程\*\*(?:[^*]|\*[^*])*`),
		regexp.MustCompile(`##\s*思考(?:[^#]|#[^#])*`),
		regexp.MustCompile(`(?i)\*\*thinking[^*]*\*\*`),
		regexp.MustCompile(`(?s)<!--.*?-->`),
		regexp.MustCompile(`【思考】[^【]*`),
		regexp.MustCompile(`『思考』[^『]*`),
	)
	return out
}

// CleanThinking 去掉模型输出中的思考过程 (<think> 等标签、思考标题、HTML 注释)
// 并压缩多余空行
func CleanThinking(content string) string {
	if content == "" {
		return content
	}
	for _, re := range thinkingPatterns {
		content = re.ReplaceAllString(content, "")
	}
	content = lineEdges.ReplaceAllString(content, "")
	content = extraBlankLines.ReplaceAllString(content, "\n\n")
	return strings.TrimSpace(content)
}
