package sidecar

import (
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// spliceInsertOutHex is the SpliceInsertOut golden vector from the scte35
// package's own test fixtures, reused here only as a realistic cue string.
const spliceInsertOutHex = "fc303200000000000000fff01005000000057fbf00fe007b98a0000101010011020f43554549000000057fbf00002201017f1add87"

func spliceInsertOutBase64(t *testing.T) string {
	t.Helper()
	raw, err := hex.DecodeString(spliceInsertOutHex)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestLoadParsesLinesAndTruncates(t *testing.T) {
	cue := spliceInsertOutBase64(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "sidecar.txt")
	content := "100.0," + cue + "\n# a comment\n\n200.5," + cue + " # trailing comment\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	sc := New()
	loaded, err := sc.Load(path, 0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !loaded {
		t.Fatal("expected loaded=true")
	}
	if sc.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", sc.Len())
	}

	remaining, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile after load: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected sidecar file truncated, got %d bytes", len(remaining))
	}
}

func TestLoadIsIdempotentOnUnchangedBytes(t *testing.T) {
	cue := spliceInsertOutBase64(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "sidecar.txt")
	if err := os.WriteFile(path, []byte("50.0,"+cue+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	sc := New()
	if _, err := sc.Load(path, 0); err != nil {
		t.Fatalf("first Load: %v", err)
	}

	// Rewrite with the exact same content the Load already consumed
	// (simulating an operator who re-saves without editing).
	if err := os.WriteFile(path, []byte("50.0,"+cue+"\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	loaded, err := sc.Load(path, 0)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if loaded {
		t.Error("expected second Load of identical content to report loaded=false")
	}
	if sc.Len() != 1 {
		t.Fatalf("Len() after second Load = %d, want 1 (no duplicate)", sc.Len())
	}
}

func TestLoadSubstitutesNowForZeroPTS(t *testing.T) {
	cue := spliceInsertOutBase64(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "sidecar.txt")
	if err := os.WriteFile(path, []byte("0.0,"+cue+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	sc := New()
	if _, err := sc.Load(path, 42.5); err != nil {
		t.Fatalf("Load: %v", err)
	}
	due := sc.Due(42.5, true, 42.5)
	if len(due) != 1 || due[0].InsertPTS != 42.5 {
		t.Fatalf("Due() = %+v, want one entry at 42.5", due)
	}
}

func TestAddDeduplicatesAndSorts(t *testing.T) {
	sc := New()
	sc.Add(Entry{InsertPTS: 10, Cue: "a"})
	sc.Add(Entry{InsertPTS: 5, Cue: "b"})
	sc.Add(Entry{InsertPTS: 10, Cue: "a"}) // duplicate, ignored
	if sc.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", sc.Len())
	}
	due := sc.Due(0, true, 100)
	if len(due) != 2 || due[0].InsertPTS != 5 || due[1].InsertPTS != 10 {
		t.Fatalf("Due() = %+v, want ascending [5, 10]", due)
	}
}

func TestDueRespectsWindowAndLeavesOthersPending(t *testing.T) {
	sc := New()
	sc.Add(Entry{InsertPTS: 5, Cue: "early"})
	sc.Add(Entry{InsertPTS: 50, Cue: "mid"})
	sc.Add(Entry{InsertPTS: 500, Cue: "late"})

	due := sc.Due(10, true, 100)
	if len(due) != 1 || due[0].Cue != "mid" {
		t.Fatalf("Due() = %+v, want only the mid-window entry", due)
	}
	if sc.Len() != 2 {
		t.Fatalf("Len() after Due = %d, want 2 remaining", sc.Len())
	}
}

func TestDueWithoutStartedFiresNothing(t *testing.T) {
	sc := New()
	sc.Add(Entry{InsertPTS: 5, Cue: "x"})
	due := sc.Due(0, false, 100)
	if len(due) != 0 {
		t.Fatalf("Due() with hasStarted=false = %+v, want none", due)
	}
}

func TestDecodeCueAcceptsBase64AndHex(t *testing.T) {
	b64 := spliceInsertOutBase64(t)
	sis, err := DecodeCue(b64)
	if err != nil {
		t.Fatalf("DecodeCue(base64): %v", err)
	}
	if sis.SpliceCommand == nil {
		t.Fatal("expected a decoded splice command")
	}

	sis2, err := DecodeCue("0x" + spliceInsertOutHex)
	if err != nil {
		t.Fatalf("DecodeCue(hex): %v", err)
	}
	if sis2.SpliceCommand == nil {
		t.Fatal("expected a decoded splice command from hex form")
	}
}

func TestDecodeCueRejectsGarbage(t *testing.T) {
	if _, err := DecodeCue("not a cue"); err == nil {
		t.Fatal("expected an error for an undecodable cue string")
	}
}

func TestDecodeCueRequiresExplicit0xPrefixForHex(t *testing.T) {
	// spliceInsertOutHex is composed entirely of hex-alphabet characters,
	// so without a leading 0x/0X it must be attempted as base64 (and
	// rejected as such here, since its length isn't a multiple of 4) —
	// not silently guessed at as hex from its alphabet alone.
	_, err := DecodeCue(spliceInsertOutHex)
	if err == nil {
		t.Fatal("expected an error: a hex-alphabet string with no 0x prefix is not valid base64")
	}
	if !strings.Contains(err.Error(), "base64") {
		t.Errorf("err = %q, want it to report a base64 decode failure, not a hex one", err)
	}
}
