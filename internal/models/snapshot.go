package models

type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// Change is one record of a remote change batch. Data holds the raw document
// fields; it is untrusted until decoded.
type Change struct {
	Kind ChangeKind
	ID   string
	Data map[string]any
}

// Snapshot is an ordered batch of changes delivered by the remote collection.
// Initial marks the first batch of a subscription, which lists the whole
// collection; pins missing from it were removed remotely.
type Snapshot struct {
	Changes []Change
	Initial bool
}
