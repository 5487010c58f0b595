// Package lexicon holds the canonical dictionary entries, their immutable
// version history, and the merge engine that commits approved changesets.
package lexicon

import (
	"strings"

	"github.com/kotonoha-labs/kotonoha/backend/internal/fault"
)

const (
	maxHeadwordLength = 120
	maxMeaningLength  = 200
	maxExampleLength  = 300
	maxNoteLength     = 200
)

// CanonicalEntry is the single authoritative definition for a normalized
// headword. VersionInt strictly increases by one on every successful merge
// touching the headword.
type CanonicalEntry struct {
	HeadwordNorm     string `gorm:"column:headword_norm;primaryKey;size:190;not null"`
	MeaningJaShort   string `gorm:"column:meaning_ja_short;size:200;not null"`
	ExampleEnShort   string `gorm:"column:example_en_short;size:300;not null;default:''"`
	NoteShort        string `gorm:"column:note_short;size:200;not null;default:''"`
	Source           string `gorm:"column:source;size:64;not null;default:''"`
	VersionInt       int64  `gorm:"column:version_int;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
	UpdatedBy        string `gorm:"column:updated_by;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CanonicalEntry) TableName() string {
	return "canonical_entries"
}

// HistorySnapshot freezes a canonical entry's fields at one version. Rows are
// append-only and never mutated.
type HistorySnapshot struct {
	HeadwordNorm     string `gorm:"column:headword_norm;primaryKey;size:190;not null"`
	VersionInt       int64  `gorm:"column:version_int;primaryKey;not null"`
	MeaningJaShort   string `gorm:"column:meaning_ja_short;size:200;not null"`
	ExampleEnShort   string `gorm:"column:example_en_short;size:300;not null;default:''"`
	NoteShort        string `gorm:"column:note_short;size:200;not null;default:''"`
	ChangesetID      string `gorm:"column:changeset_id;size:190;not null;index"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (HistorySnapshot) TableName() string {
	return "entry_history_snapshots"
}

// EntryPatch carries the candidate fields a changeset item proposes for a
// headword.
type EntryPatch struct {
	HeadwordNorm   string
	MeaningJaShort string
	ExampleEnShort string
	NoteShort      string
}

// NormalizeHeadword lowercases and trims a raw headword into its canonical
// lookup form.
func NormalizeHeadword(raw string) string {
	return strings.ToLower(strings.Join(strings.Fields(raw), " "))
}

// Validate enforces the length and newline constraints shared by item insert
// and merge. Merge re-validates because it is the durable commit point.
func (p EntryPatch) Validate() error {
	if p.HeadwordNorm == "" {
		return fault.Validation("lexicon.headword_empty")
	}
	if len(p.HeadwordNorm) > maxHeadwordLength {
		return fault.Validation("lexicon.headword_too_long")
	}
	if p.HeadwordNorm != NormalizeHeadword(p.HeadwordNorm) {
		return fault.Validation("lexicon.headword_not_normalized")
	}
	if strings.TrimSpace(p.MeaningJaShort) == "" {
		return fault.Validation("lexicon.meaning_empty")
	}
	if len(p.MeaningJaShort) > maxMeaningLength {
		return fault.Validation("lexicon.meaning_too_long")
	}
	if len(p.ExampleEnShort) > maxExampleLength {
		return fault.Validation("lexicon.example_too_long")
	}
	if len(p.NoteShort) > maxNoteLength {
		return fault.Validation("lexicon.note_too_long")
	}
	for _, value := range []string{p.HeadwordNorm, p.MeaningJaShort, p.ExampleEnShort, p.NoteShort} {
		if strings.ContainsAny(value, "\n\r") {
			return fault.Validation("lexicon.field_contains_newline")
		}
	}
	return nil
}
