package provider

import "strings"

// accumulator collects streamed text and token counts across a single
// provider invocation.
type accumulator struct {
	text         strings.Builder
	inputTokens  int
	outputTokens int
}

func (a *accumulator) appendText(s string) {
	if s != "" {
		a.text.WriteString(s)
	}
}

func (a *accumulator) setTokens(input, output int) {
	a.inputTokens = input
	a.outputTokens = output
}
