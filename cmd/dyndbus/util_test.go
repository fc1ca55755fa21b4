package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/danderson/dyndbus/dynamic"
	"github.com/google/go-cmp/cmp"
)

func TestParseArgs(t *testing.T) {
	file := filepath.Join(t.TempDir(), "args.json")
	content := `[
  // the name
  "gopher",
  {"type": "u", "value": 42}
]`
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	want := dynamic.Value(dynamic.List{
		dynamic.String("gopher"),
		dynamic.Record{
			{Name: "type", Value: dynamic.String("u")},
			{Name: "value", Value: dynamic.Int(42)},
		},
	})

	for _, arg := range []string{"@" + file, content} {
		got, err := parseArgs(arg)
		if err != nil {
			t.Fatalf("parseArgs(%q): %v", arg, err)
		}
		if diff := cmp.Diff(got, want); diff != "" {
			t.Errorf("parseArgs(%q) wrong result (-got+want):\n%s", arg, diff)
		}
	}

	if _, err := parseArgs("@" + filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("parseArgs of a missing file succeeded")
	}
	if _, err := parseArgs("[1,"); err == nil {
		t.Error("parseArgs of truncated JSON succeeded")
	}
}

func TestPrinterJSON(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{w: &buf, json: true}
	v := dynamic.Record{
		{Name: "b", Value: dynamic.List{dynamic.Bool(true), dynamic.Null{}}},
		{Name: "a", Value: dynamic.String("x")},
	}
	if err := p.value(v); err != nil {
		t.Fatal(err)
	}
	if got, want := buf.String(), `{"b":[true,null],"a":"x"}`+"\n"; got != want {
		t.Errorf("printed %q, want %q", got, want)
	}
}
