package transfer

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPartialSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	outputFile := filepath.Join(dir, "movie.mp4")

	want := PartialTransferState{
		FileSize:     1 << 20,
		BytesWritten: 4096,
		Filename:     "movie.mp4",
	}
	for i := range want.SHA256 {
		want.SHA256[i] = byte(i * 3)
	}

	if err := want.Save(outputFile); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok, err := LoadPartial(outputFile)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatal("expected a partial state to be found")
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadPartialMissingIsNotError(t *testing.T) {
	dir := t.TempDir()
	_, ok, err := LoadPartial(filepath.Join(dir, "nope.bin"))
	if err != nil {
		t.Fatalf("expected no error for missing sidecar, got %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing sidecar")
	}
}

func TestDeletePartialThenLoadMisses(t *testing.T) {
	dir := t.TempDir()
	outputFile := filepath.Join(dir, "archive.zip")
	p := PartialTransferState{FileSize: 10, BytesWritten: 5, Filename: "archive.zip"}
	if err := p.Save(outputFile); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := DeletePartial(outputFile); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, ok, err := LoadPartial(outputFile)
	if err != nil {
		t.Fatalf("load after delete: %v", err)
	}
	if ok {
		t.Fatal("expected no partial state after delete")
	}
}

func TestPartialMatches(t *testing.T) {
	offer := FileMetadata{FileSize: 100, Filename: "notes.txt"}
	offer.SHA256[0] = 7

	matching := PartialTransferState{FileSize: 100, SHA256: offer.SHA256, Filename: "notes.txt"}
	if !matching.Matches(offer) {
		t.Error("expected matching partial state to match offer")
	}

	wrongSize := matching
	wrongSize.FileSize = 99
	if wrongSize.Matches(offer) {
		t.Error("expected size mismatch to fail Matches")
	}

	wrongHash := matching
	wrongHash.SHA256[0] = 8
	if wrongHash.Matches(offer) {
		t.Error("expected hash mismatch to fail Matches")
	}

	wrongName := matching
	wrongName.Filename = "other.txt"
	if wrongName.Matches(offer) {
		t.Error("expected filename mismatch to fail Matches")
	}
}
