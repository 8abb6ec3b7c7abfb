package service

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// MessageOverheadTokens covers role markers and separators per chat message.
const MessageOverheadTokens = 4

type tokenRatio struct {
	charsPerToken decimal.Decimal
	tokensPerCJK  decimal.Decimal
}

func ratio(charsPerToken, tokensPerCJK string) tokenRatio {
	return tokenRatio{
		charsPerToken: decimal.RequireFromString(charsPerToken),
		tokensPerCJK:  decimal.RequireFromString(tokensPerCJK),
	}
}

var (
	defaultRatio = ratio("4", "1")

	familyRatios = []struct {
		prefixes []string
		ratio    tokenRatio
	}{
		{prefixes: []string{"gpt", "chatgpt", "o1", "o3", "o4"}, ratio: ratio("4", "1")},
		{prefixes: []string{"claude"}, ratio: ratio("3.5", "1.2")},
		{prefixes: []string{"gemini"}, ratio: ratio("4", "0.8")},
		{prefixes: []string{"deepseek"}, ratio: ratio("3.2", "0.7")},
		{prefixes: []string{"qwen"}, ratio: ratio("3.3", "0.7")},
	}
)

func ratioFor(model string) tokenRatio {
	model = strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	for _, family := range familyRatios {
		for _, prefix := range family.prefixes {
			if strings.HasPrefix(model, prefix) {
				return family.ratio
			}
		}
	}
	return defaultRatio
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

// estimateTokens never returns 0 for non-empty text.
func estimateTokens(text, model string) int64 {
	if text == "" {
		return 0
	}
	var other, cjk int64
	for _, r := range text {
		if isCJK(r) {
			cjk++
			continue
		}
		other++
	}

	r := ratioFor(model)
	tokens := decimal.NewFromInt(other).Div(r.charsPerToken).Ceil().IntPart() +
		decimal.NewFromInt(cjk).Mul(r.tokensPerCJK).Ceil().IntPart()
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}
