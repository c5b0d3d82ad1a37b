package chat

import (
	"unicode/utf8"

	"github.com/497672776/zenow/pkg/types"
)

const (
	runesPerToken = 4
	// role framing added by the chat template per message
	framingTokens = 4
)

// EstimateTokens approximates the token count of one message:
// ceil(runes/4) plus four tokens of role framing.
func EstimateTokens(content string) int {
	n := utf8.RuneCountInString(content)
	return (n+runesPerToken-1)/runesPerToken + framingTokens
}

// HistoryBudget is the token allowance for past messages: half the context
// window minus the system prompt, floored at zero.
func HistoryBudget(contextSize, systemTokens int) int {
	b := contextSize/2 - systemTokens
	if b < 0 {
		return 0
	}
	return b
}

// SelectHistory keeps the longest suffix of msgs whose stored token counts fit
// in budget. Messages are never truncated; the result is chronological.
func SelectHistory(msgs []types.Message, budget int) (kept []types.Message, dropped int) {
	used := 0
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		if used+msgs[i].TokenCount > budget {
			break
		}
		used += msgs[i].TokenCount
		start = i
	}
	return msgs[start:], start
}
