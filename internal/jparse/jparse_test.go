// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package jparse_test

import (
	"testing"

	"github.com/creachadair/jrpc1/internal/jparse"
)

func scanAll(t *testing.T, chunks ...string) []string {
	t.Helper()
	p := jparse.New()
	var got []string
	for _, chunk := range chunks {
		data := []byte(chunk)
		for len(data) > 0 {
			n, err := p.Feed(data)
			if err != nil {
				t.Fatalf("Feed: %v", err)
			}
			data = data[n:]
			if p.Done() {
				v, err := p.Finish()
				if err != nil {
					t.Fatalf("Finish: %v", err)
				}
				got = append(got, string(v))
				if n == 0 && len(data) > 0 {
					continue
				}
			}
			if n == 0 {
				break
			}
		}
	}
	return got
}

func TestScanObjects(t *testing.T) {
	got := scanAll(t, `{"a":1} {"b":2}`)
	want := []string{`{"a":1}`, `{"b":2}`}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("value %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestScanAcrossChunks(t *testing.T) {
	got := scanAll(t, `{"met`, `hod":"x","par`, `ams":[1,2],"id":7}`)
	if len(got) != 1 || got[0] != `{"method":"x","params":[1,2],"id":7}` {
		t.Fatalf("got %v", got)
	}
}

func TestScanNestedBraces(t *testing.T) {
	got := scanAll(t, `{"a":{"b":[1,{"c":2}]}}`)
	if len(got) != 1 || got[0] != `{"a":{"b":[1,{"c":2}]}}` {
		t.Fatalf("got %v", got)
	}
}

func TestScanStringWithEscapedBrace(t *testing.T) {
	got := scanAll(t, `{"a":"}\"{"}`)
	if len(got) != 1 {
		t.Fatalf("got %v", got)
	}
}

func TestUnbalancedCloseIsError(t *testing.T) {
	p := jparse.New()
	if _, err := p.Feed([]byte(`}`)); err == nil {
		t.Fatalf("expected error for unbalanced close")
	}
}
