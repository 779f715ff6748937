package extid

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/config"
)

const (
	sectionExternalID = "externalId"
	keyAccountID      = "accountId"
	keyEmail          = "email"
	keyPassword       = "password"
)

// ErrInvalidRecord is the sentinel wrapped by every ParseError.
var ErrInvalidRecord = errors.New("invalid external id record")

// ParseError describes why the note stored under NoteID could not be read
// as a record.
type ParseError struct {
	NoteID string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid external id config for note %s: %s", e.NoteID, e.Reason)
}

func (e *ParseError) Unwrap() error { return ErrInvalidRecord }

// Record binds an external identity to an account.
//
// Records are plain values: two records are equal (==) iff every field
// matches, including the blob they were read from.
type Record struct {
	Key       Key
	AccountID int
	Email     string
	Password  string
	// BlobID is the note blob the record was read from. Zero for records
	// that have not been stored yet.
	BlobID plumbing.Hash
}

// New returns a record for key owned by account.
func New(key Key, account int) Record {
	return Record{Key: key, AccountID: account}
}

// WithEmail returns a copy of r with email set.
func (r Record) WithEmail(email string) Record {
	r.Email = email
	return r
}

// WithPassword returns a copy of r with the credential blob set.
func (r Record) WithPassword(password string) Record {
	r.Password = password
	return r
}

// WithBlob returns a copy of r pointing at blob.
func (r Record) WithBlob(blob plumbing.Hash) Record {
	r.BlobID = blob
	return r
}

// NoteID is shorthand for r.Key.NoteID().
func (r Record) NoteID() string {
	return r.Key.NoteID()
}

// NormalizedEmail returns the email in the form used by the by-email view.
func (r Record) NormalizedEmail() string {
	return NormalizeEmail(r.Email)
}

// NormalizeEmail lowercases an email for lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (r Record) String() string {
	return fmt.Sprintf("%s (account %d)", r.Key, r.AccountID)
}

// Parse reads a record from the note blob raw stored under noteID.
//
// The blob must be git-config text holding exactly one externalId
// subsection whose name is the serialized key, the key must hash to noteID,
// and accountId must be a positive integer. Any violation yields a
// *ParseError.
func Parse(noteID string, raw []byte, blob plumbing.Hash) (Record, error) {
	cfg := config.New()
	if err := config.NewDecoder(bytes.NewReader(raw)).Decode(cfg); err != nil {
		return Record{}, &ParseError{NoteID: noteID, Reason: "invalid line in config file: " + err.Error()}
	}

	var subs config.Subsections
	for _, s := range cfg.Sections {
		if s.IsName(sectionExternalID) {
			subs = append(subs, s.Subsections...)
		}
	}
	if len(subs) != 1 {
		return Record{}, &ParseError{
			NoteID: noteID,
			Reason: fmt.Sprintf("expected exactly 1 '%s' section, found %d", sectionExternalID, len(subs)),
		}
	}
	sub := subs[0]

	key := ParseKey(sub.Name)
	if got := key.NoteID(); got != noteID {
		return Record{}, &ParseError{
			NoteID: noteID,
			Reason: fmt.Sprintf("SHA1 of external ID '%s' does not match note ID '%s'", key, noteID),
		}
	}

	rawAccount := sub.Option(keyAccountID)
	if rawAccount == "" {
		return Record{}, &ParseError{
			NoteID: noteID,
			Reason: fmt.Sprintf("value for '%s.%s.%s' is missing, expected account ID", sectionExternalID, key, keyAccountID),
		}
	}
	account, err := strconv.Atoi(rawAccount)
	if err != nil || account <= 0 {
		return Record{}, &ParseError{
			NoteID: noteID,
			Reason: fmt.Sprintf("value %q for '%s.%s.%s' is invalid, expected account ID", rawAccount, sectionExternalID, key, keyAccountID),
		}
	}

	return Record{
		Key:       key,
		AccountID: account,
		Email:     sub.Option(keyEmail),
		Password:  sub.Option(keyPassword),
		BlobID:    blob,
	}, nil
}

// Encode renders r in the note blob format. The output is canonical:
// equal records (ignoring BlobID) encode to identical bytes.
func Encode(r Record) ([]byte, error) {
	if r.AccountID <= 0 {
		return nil, fmt.Errorf("encode %s: account id must be positive, got %d", r.Key, r.AccountID)
	}
	cfg := config.New()
	sub := cfg.Section(sectionExternalID).Subsection(r.Key.String())
	sub.SetOption(keyAccountID, strconv.Itoa(r.AccountID))
	if r.Email != "" {
		sub.SetOption(keyEmail, r.Email)
	}
	if r.Password != "" {
		sub.SetOption(keyPassword, r.Password)
	}

	var buf bytes.Buffer
	if err := config.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, fmt.Errorf("encode %s: %w", r.Key, err)
	}
	return buf.Bytes(), nil
}
