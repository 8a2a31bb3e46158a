// Package events defines the closed event union streamed to batch
// subscribers, and the pipeline stage enum whose transitions produce
// progress events.
package events

import (
	"dropcrate/internal/model"
)

// Stage identifies one step of the per-item pipeline. Stages advance
// strictly in declaration order; conditional stages are skipped, never
// reordered.
type Stage string

const (
	StageMetadata    Stage = "metadata"
	StageClassify    Stage = "classify"
	StageDownload    Stage = "download"
	StageFingerprint Stage = "fingerprint"
	StageNormalize   Stage = "normalize"
	StageTranscode   Stage = "transcode"
	StageTag         Stage = "tag"
	StageFinalize    Stage = "finalize"
)

// Type tags an event variant.
type Type string

const (
	QueueStart     Type = "queue-start"
	ItemStart      Type = "item-start"
	ItemProgress   Type = "item-progress"
	ItemDone       Type = "item-done"
	ItemError      Type = "item-error"
	QueueDone      Type = "queue-done"
	QueueCancelled Type = "queue-cancelled"
)

// SchemaVersion is bumped when the wire shape of Event changes.
const SchemaVersion = 1

// Event is the single wire shape for all variants. Which fields are
// populated depends on Type; consumers switch on Type and must handle
// every variant.
type Event struct {
	V      int        `json:"v"`
	Type   Type       `json:"type"`
	JobID  string     `json:"jobId"`
	ItemID string     `json:"itemId,omitempty"`
	Stage  Stage      `json:"stage,omitempty"`
	Kind   model.ErrorKind `json:"kind,omitempty"`

	Message string         `json:"message,omitempty"`
	Hint    string         `json:"hint,omitempty"`
	Outputs *model.Outputs `json:"outputs,omitempty"`
	Items   []string       `json:"items,omitempty"` // queue-start only
}

func NewQueueStart(jobID string, itemIDs []string) Event {
	return Event{V: SchemaVersion, Type: QueueStart, JobID: jobID, Items: itemIDs}
}

func NewItemStart(jobID, itemID string) Event {
	return Event{V: SchemaVersion, Type: ItemStart, JobID: jobID, ItemID: itemID}
}

func NewItemProgress(jobID, itemID string, stage Stage, message string) Event {
	return Event{V: SchemaVersion, Type: ItemProgress, JobID: jobID, ItemID: itemID, Stage: stage, Message: message}
}

func NewItemDone(jobID, itemID string, outputs *model.Outputs, message string) Event {
	return Event{V: SchemaVersion, Type: ItemDone, JobID: jobID, ItemID: itemID, Outputs: outputs, Message: message}
}

func NewItemError(jobID, itemID string, kind model.ErrorKind, message, hint string) Event {
	return Event{V: SchemaVersion, Type: ItemError, JobID: jobID, ItemID: itemID, Kind: kind, Message: message, Hint: hint}
}

func NewQueueDone(jobID string) Event {
	return Event{V: SchemaVersion, Type: QueueDone, JobID: jobID}
}

func NewQueueCancelled(jobID string) Event {
	return Event{V: SchemaVersion, Type: QueueCancelled, JobID: jobID}
}

// TerminalForItem reports whether the event ends an item's lifecycle.
func (e Event) TerminalForItem() bool {
	return e.Type == ItemDone || e.Type == ItemError
}

// TerminalForQueue reports whether no further events may follow for the
// job.
func (e Event) TerminalForQueue() bool {
	return e.Type == QueueDone
}
