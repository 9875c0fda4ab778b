package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type rec struct {
	Node string `json:"node"`
	Seq  int    `json:"seq"`
}

func TestAppendAndList(t *testing.T) {
	st, err := New(filepath.Join(t.TempDir(), "run"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := st.Append("anomalies.jsonl", rec{Node: "192.168.1.1", Seq: i}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	// A torn line must not hide the good ones.
	path, _ := st.Path("anomalies.jsonl")
	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	_, _ = f.WriteString("{\"node\":\n")
	_ = f.Close()

	got, err := List[rec](st, "anomalies.jsonl")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 3 || got[2].Seq != 2 {
		t.Fatalf("unexpected records: %+v", got)
	}
}

func TestListMissingIsEmpty(t *testing.T) {
	st, _ := New(t.TempDir())
	got, err := List[rec](st, "none.jsonl")
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty list, got %v %v", got, err)
	}
}

func TestWriteJSONReplaces(t *testing.T) {
	st, _ := New(t.TempDir())
	if err := st.WriteJSON("summary.json", rec{Seq: 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := st.WriteJSON("summary.json", rec{Seq: 2}); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	var back rec
	if err := st.ReadJSON("summary.json", &back); err != nil || back.Seq != 2 {
		t.Fatalf("unexpected summary %+v %v", back, err)
	}
	if _, err := os.Stat(filepath.Join(st.Dir(), "summary.json.tmp")); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
}

func TestRejectsPathNames(t *testing.T) {
	st, _ := New(t.TempDir())
	for _, name := range []string{"", "../x", "a/b", ".hidden"} {
		if err := st.Append(name, rec{}); !errors.Is(err, ErrBadName) {
			t.Fatalf("%q: expected bad name, got %v", name, err)
		}
	}
}
