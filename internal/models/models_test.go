package models

import "testing"

func TestParseRef(t *testing.T) {
	r, err := ParseRef("PubMed:12345")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.Type != IDPubMed || r.ID != "12345" {
		t.Fatalf("unexpected ref: %+v", r)
	}
	doi, err := ParseRef("doi:10.1000/xyz:1")
	if err != nil || doi.ID != "10.1000/xyz:1" {
		t.Fatalf("doi with colon should keep its tail, got %+v err=%v", doi, err)
	}
	w, err := ParseRef("W2741809807")
	if err != nil || w.Type != IDOpenAlex {
		t.Fatalf("bare openalex id: %+v err=%v", w, err)
	}
	if _, err := ParseRef("12345"); err == nil {
		t.Fatalf("expected error for untyped id")
	}
}

func TestParseEdgeKinds(t *testing.T) {
	kinds, err := ParseEdgeKinds([]string{"references", "CITED_BY"})
	if err != nil || len(kinds) != 2 || kinds[1] != EdgeCitedBy {
		t.Fatalf("unexpected kinds %v err=%v", kinds, err)
	}
	if _, err := ParseEdgeKinds([]string{"cites"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestRunSummaryAdd(t *testing.T) {
	var s RunSummary
	s.Add(ItemOutcome{Status: StatusSucceeded})
	s.Add(ItemOutcome{Status: StatusSkipped, Reason: "MetadataShapeError"})
	s.Add(ItemOutcome{Status: StatusFailed})
	if len(s.Succeeded) != 1 || len(s.Skipped) != 1 || len(s.Failed) != 1 {
		t.Fatalf("unexpected buckets: %+v", s)
	}
}
