package extraction

const factExtractionSystemPrompt = `You extract durable facts about a user from a conversation or document.
Return JSON: {"facts": [{"topic": string, "sub_topic": string, "memo": string}]}.
Only include facts that would still be true days from now. Omit facts with no clear topic.`

const mergeVerdictSystemPrompt = `You decide how a new fact about a user should be merged with an existing
profile memo on the same topic. Return JSON: {"action": "append"|"replace"|"keep"|"delete", "memo": string}.
Use "append" when the new fact adds detail without contradicting the old one — memo should be the combined text.
Use "replace" when the new fact supersedes the old one outright — memo should be the new text.
Use "keep" when the new fact adds nothing — memo may be empty.
Use "delete" when the new fact directly contradicts and invalidates the old one — memo may be empty.`

const deleteConfirmSystemPrompt = `Confirm whether the following memo should be deleted because it has been
contradicted. Return JSON: {"confirmed": bool}.`

const eventSynthesisSystemPrompt = `Summarize what was learned about the user in this batch. Return JSON:
{"summary": string, "gists": [string]} where gists is one short, self-contained sentence per discrete
fact touched (added, updated, or deleted).`
