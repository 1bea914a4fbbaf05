package store

// NewTestStore opens a migrated, emptied store against the test container.
var NewTestStore = newTestStore
