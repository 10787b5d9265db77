package llm

import (
	"fmt"
	"strings"
)

// maxKnowledgeCards 限制写入提示词的知识切片数量。
const maxKnowledgeCards = 5

// BuildPrompt 将上下文、知识切片与主体文本拼成用户提示词。
func BuildPrompt(req Request) string {
	var builder strings.Builder
	if ctx := strings.TrimSpace(req.Context); ctx != "" {
		builder.WriteString("Context: ")
		builder.WriteString(ctx)
		builder.WriteString("\n\n")
	}

	if len(req.Knowledge) > 0 {
		builder.WriteString("Knowledge:\n")
		for idx, card := range req.Knowledge {
			if idx >= maxKnowledgeCards {
				break
			}
			builder.WriteString(fmt.Sprintf("[%d] %s: %s\n",
				idx+1,
				strings.TrimSpace(card.Title),
				truncate(card.Content),
			))
		}
		builder.WriteString("\n")
	}

	builder.WriteString(strings.TrimSpace(req.Content))
	return builder.String()
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) > 200 {
		return string([]rune(text)[:200]) + "..."
	}
	return text
}
