package api

// ExternalID is the JSON form of one identity record, as printed by the CLI
// and returned by the MCP tools.
type ExternalID struct {
	// Key is the serialized "scheme:id" form.
	Key string `json:"key"`
	// Scheme of the key, e.g. "mailto" or "username".
	Scheme string `json:"scheme"`
	// AccountID owning the identity.
	AccountID int `json:"account_id"`
	// Email is the address bound to the identity, if any.
	Email string `json:"email,omitempty"`
	// HasPassword reports whether a credential is stored. The credential
	// itself is never serialized.
	HasPassword bool `json:"has_password,omitempty"`
	// NoteID is the content hash naming the record's note.
	NoteID string `json:"note_id"`
	// Blob is the id of the blob the record was read from.
	Blob string `json:"blob,omitempty"`
}

// Dump is the full snapshot at one commit with its derived views.
type Dump struct {
	// Commit the snapshot was built for. Empty when the ref does not exist.
	Commit string `json:"commit,omitempty"`
	// Records in key order.
	Records []ExternalID `json:"records"`
	// ByAccount maps account ids (decimal) to their keys.
	ByAccount map[string][]string `json:"by_account"`
	// ByEmail maps normalized emails to their keys.
	ByEmail map[string][]string `json:"by_email"`
}
