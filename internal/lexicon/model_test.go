package lexicon

import (
	"strings"
	"testing"

	"github.com/kotonoha-labs/kotonoha/backend/internal/fault"
)

func TestNormalizeHeadword(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{raw: "Serendipity", want: "serendipity"},
		{raw: "  Take   Off  ", want: "take off"},
		{raw: "already normal", want: "already normal"},
		{raw: "\tTabs\tand\nnewlines\t", want: "tabs and newlines"},
		{raw: "", want: ""},
	}
	for _, testCase := range cases {
		if got := NormalizeHeadword(testCase.raw); got != testCase.want {
			t.Fatalf("NormalizeHeadword(%q) = %q, want %q", testCase.raw, got, testCase.want)
		}
	}
}

func TestEntryPatchValidate(t *testing.T) {
	valid := EntryPatch{
		HeadwordNorm:   "serendipity",
		MeaningJaShort: "偶然の幸運",
		ExampleEnShort: "Finding that book was pure serendipity.",
		NoteShort:      "noun",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid patch to pass: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*EntryPatch)
		code   string
	}{
		{name: "empty headword", mutate: func(p *EntryPatch) { p.HeadwordNorm = "" }, code: "lexicon.headword_empty"},
		{name: "overlong headword", mutate: func(p *EntryPatch) { p.HeadwordNorm = strings.Repeat("a", 121) }, code: "lexicon.headword_too_long"},
		{name: "unnormalized headword", mutate: func(p *EntryPatch) { p.HeadwordNorm = "Serendipity" }, code: "lexicon.headword_not_normalized"},
		{name: "empty meaning", mutate: func(p *EntryPatch) { p.MeaningJaShort = "  " }, code: "lexicon.meaning_empty"},
		{name: "overlong meaning", mutate: func(p *EntryPatch) { p.MeaningJaShort = strings.Repeat("x", 201) }, code: "lexicon.meaning_too_long"},
		{name: "overlong example", mutate: func(p *EntryPatch) { p.ExampleEnShort = strings.Repeat("x", 301) }, code: "lexicon.example_too_long"},
		{name: "overlong note", mutate: func(p *EntryPatch) { p.NoteShort = strings.Repeat("x", 201) }, code: "lexicon.note_too_long"},
		{name: "newline in meaning", mutate: func(p *EntryPatch) { p.MeaningJaShort = "line\nbreak" }, code: "lexicon.field_contains_newline"},
		{name: "carriage return in note", mutate: func(p *EntryPatch) { p.NoteShort = "line\rbreak" }, code: "lexicon.field_contains_newline"},
	}
	for _, testCase := range cases {
		patch := valid
		testCase.mutate(&patch)
		err := patch.Validate()
		if err == nil {
			t.Fatalf("%s: expected rejection", testCase.name)
		}
		f, ok := fault.As(err)
		if !ok || f.Kind() != fault.KindValidation {
			t.Fatalf("%s: expected validation fault, got %v", testCase.name, err)
		}
		if f.Code() != testCase.code {
			t.Fatalf("%s: expected code %q, got %q", testCase.name, testCase.code, f.Code())
		}
	}
}
