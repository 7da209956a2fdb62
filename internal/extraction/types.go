// Package extraction implements the C6 pipeline: compose -> fact
// extraction -> load -> merge planning -> apply -> event synthesis ->
// merge splits, turning a batch of raw blobs into profile mutations and an
// event gist.
package extraction

import "memoria/internal/bufferstore"

// Fact is a single candidate fact produced by stage 2.
type Fact struct {
	Topic    string `json:"topic"`
	SubTopic string `json:"sub_topic"`
	Memo     string `json:"memo"`
}

type factBatch struct {
	Facts []Fact `json:"facts"`
}

// mergeDecisionAction is the per-fact verdict stage 4 assigns.
type mergeDecisionAction string

const (
	actionAdd    mergeDecisionAction = "add"
	actionUpdate mergeDecisionAction = "update"
	actionDelete mergeDecisionAction = "delete"
	actionKeep   mergeDecisionAction = "keep"
)

const actionAppend mergeDecisionAction = "append"
const actionReplace mergeDecisionAction = "replace"

// mergeVerdict is the shape the stage-4 LLM call returns for one
// add-vs-update candidate.
type mergeVerdict struct {
	Action mergeDecisionAction `json:"action"`
	Memo   string              `json:"memo"`
}

type deleteConfirmation struct {
	Confirmed bool `json:"confirmed"`
}

type eventSynthesis struct {
	Summary string   `json:"summary"`
	Gists   []string `json:"gists"`
}

// plannedMutation is one row-level action stage 5 executes.
type plannedMutation struct {
	Action     mergeDecisionAction
	ProfileID  string // set for update/delete
	Topic      string
	SubTopic   string
	Content    string
	Delta      string // net-new content vs. the prior row, for event synthesis
}

// Result is Run's per-split (or, after stage 7, merged) output.
type Result = bufferstore.ExtractionResult
