package feedback

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStoreAppendsRecords(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "scorecards.jsonl")
	fs := NewFileStore(path)

	card := buildScorecard(verdict{Criteria: map[string]bool{"next_steps": true}, Summary: "ok"})
	for i := 0; i < 3; i++ {
		if err := fs.Save(Record{PersonaID: "A", Turns: 4, Scorecard: card}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var n int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line %d: %v", n, err)
		}
		if rec.PersonaID != "A" || rec.Timestamp.IsZero() || rec.Scorecard == nil {
			t.Fatalf("record = %+v", rec)
		}
		n++
	}
	if n != 3 {
		t.Fatalf("records = %d", n)
	}
}
