package blobmodel

// CountTokens is the single deterministic, pure (no network) token counting
// function used by the buffer (insertion sizing), the extraction pipeline
// (summary truncation) and the context assembler (budget accounting). It is
// a cheap bytes-per-token heuristic rather than a provider-specific BPE
// table: the invariant the core needs is that every call site agrees, not
// that the count matches any one model's real tokenizer.
func CountTokens(s string) int {
	if s == "" {
		return 0
	}
	// ~4 bytes per token for English/code-mixed text, rounded up, plus one
	// for the implicit boundary token — mirrors the gateway's own estimator.
	return len(s)/4 + 1
}

// CountMessagesTokens counts the tokens of a rendered chat blob in one pass,
// avoiding the intermediate string allocation CountTokens(RenderChat(msgs))
// would require for large histories.
func CountMessagesTokens(msgs []ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Role) + 2 + len(m.Content) + 1
	}
	if total == 0 {
		return 0
	}
	return total/4 + 1
}

// CountBlobTokens counts the tokens a Blob would occupy once rendered.
func CountBlobTokens(b Blob) int {
	if b.Type == TypeChat {
		return CountMessagesTokens(b.ChatPayload)
	}
	return CountTokens(b.Render())
}
