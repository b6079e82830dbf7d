package persist

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

type rec struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.json")
	in := []rec{{ID: "a", Name: "alpha"}, {ID: "b", Name: "beta"}}

	if err := SaveJSON(path, in); err != nil {
		t.Fatalf("SaveJSON: %v", err)
	}

	var out []rec
	if err := LoadJSON(path, &out, nil); err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	if len(out) != 2 || out[0].ID != "a" || out[1].ID != "b" {
		t.Fatalf("round trip mismatch: %v", out)
	}
}

func TestEmptyOverwriteCreatesShadowBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	seed := []rec{{ID: "r1"}, {ID: "r2"}, {ID: "r3"}}
	if err := SaveJSON(path, seed); err != nil {
		t.Fatal(err)
	}

	if err := SaveJSON(path, []rec{}); err != nil {
		t.Fatal(err)
	}

	// Primary is now empty, backup holds the three rules.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var cur []rec
	if err := json.Unmarshal(data, &cur); err != nil || len(cur) != 0 {
		t.Fatalf("primary should be empty, got %s", data)
	}

	var bak []rec
	bdata, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("shadow backup missing: %v", err)
	}
	if err := json.Unmarshal(bdata, &bak); err != nil || len(bak) != 3 {
		t.Fatalf("backup should hold 3 records, got %s", bdata)
	}

	// Cold start prefers the non-empty backup and heals the primary.
	var out []rec
	if err := LoadJSON(path, &out, nil); err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 {
		t.Fatalf("cold start should recover 3 records, got %d", len(out))
	}
	data, _ = os.ReadFile(path)
	var healed []rec
	if err := json.Unmarshal(data, &healed); err != nil || len(healed) != 3 {
		t.Fatalf("primary not re-persisted from backup: %s", data)
	}
}

func TestCorruptPrimaryHealedFromBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "skills.json")
	if err := SaveJSON(path, []rec{{ID: "s1"}}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path+".bak", mustMarshal([]rec{{ID: "s1"}}), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out []rec
	if err := LoadJSON(path, &out, nil); err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].ID != "s1" {
		t.Fatalf("backup not used: %v", out)
	}
}

func TestMissingPrimaryRestoredFromBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.json")
	if err := os.WriteFile(path+".bak", mustMarshal([]rec{{ID: "a"}}), 0o644); err != nil {
		t.Fatal(err)
	}

	var out []rec
	if err := LoadJSON(path, &out, nil); err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("backup restore failed: %v", out)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("primary not restored: %v", err)
	}
}

func TestSideChannelFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "skills.json")
	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	fallback := func() ([]byte, error) {
		return mustMarshal([]rec{{ID: "from-side-channel"}}), nil
	}

	var out []rec
	if err := LoadJSON(path, &out, fallback); err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].ID != "from-side-channel" {
		t.Fatalf("side channel not used: %v", out)
	}
}

func TestMissingFileIsEmptyCatalog(t *testing.T) {
	var out []rec
	if err := LoadJSON(filepath.Join(t.TempDir(), "nope.json"), &out, nil); err != nil {
		t.Fatalf("missing file should load empty: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty, got %v", out)
	}
}

func TestJSONLSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.jsonl")
	if err := AppendJSONL(path, rec{ID: "m1"}); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{{{broken\n")
	f.Close()
	if err := AppendJSONL(path, rec{ID: "m2"}); err != nil {
		t.Fatal(err)
	}

	var ids []string
	err = ReadJSONL(path, func(line []byte) {
		var r rec
		if json.Unmarshal(line, &r) == nil {
			ids = append(ids, r.ID)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "m1" || ids[1] != "m2" {
		t.Fatalf("corrupt line handling wrong: %v", ids)
	}
}

func TestRewriteJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	for i := 0; i < 5; i++ {
		if err := AppendJSONL(path, rec{ID: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := RewriteJSONL(path, []interface{}{rec{ID: "only"}}); err != nil {
		t.Fatal(err)
	}

	var n int
	ReadJSONL(path, func([]byte) { n++ })
	if n != 1 {
		t.Fatalf("rewrite left %d lines", n)
	}
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
