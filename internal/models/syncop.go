package models

import "time"

// OpType is the kind of write recorded in the sync queue.
type OpType string

const (
	OpUpload OpType = "upload"
	OpDelete OpType = "delete"
	OpMove   OpType = "move"
	OpRename OpType = "rename"
)

// OpStatus is the state of a queued operation.
//
//	pending -> syncing -> completed
//	syncing -> pending  (failed attempt, retries left)
//	syncing -> failed   (retry ceiling exceeded, terminal)
type OpStatus string

const (
	OpStatusPending   OpStatus = "pending"
	OpStatusSyncing   OpStatus = "syncing"
	OpStatusCompleted OpStatus = "completed"
	OpStatusFailed    OpStatus = "failed"
)

// OpPayload carries what is needed to replay an operation against the provider.
type OpPayload struct {
	Name         string `msgpack:"name,omitempty"`
	ParentID     string `msgpack:"parent_id,omitempty"`
	MimeType     string `msgpack:"mime_type,omitempty"`
	Content      []byte `msgpack:"content,omitempty"`
	CacheContent bool   `msgpack:"cache_content,omitempty"`
	NewParentID  string `msgpack:"new_parent_id,omitempty"`
	NewName      string `msgpack:"new_name,omitempty"`
}

// SyncOp is one entry of the durable operation queue.
type SyncOp struct {
	ID          int64
	Provider    string
	Type        OpType
	FileID      string
	Payload     OpPayload
	Status      OpStatus
	Timestamp   time.Time
	RetryCount  int
	LastAttempt time.Time
	LastError   string
}

// SyncSummary aggregates queue state for one provider.
type SyncSummary struct {
	Provider  string
	Pending   int
	Syncing   int
	Completed int
	Failed    int
	Errors    []SyncError
}

// SyncError describes a queued operation that has failed at least once.
type SyncError struct {
	OpID       int64
	FileID     string
	Type       OpType
	RetryCount int
	Message    string
	At         time.Time
}
