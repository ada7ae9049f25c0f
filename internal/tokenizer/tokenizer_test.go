package tokenizer

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"The cat sat.", []string{"the", "cat", "sat"}},
		{"  Old All Saints, built in 1748!", []string{"old", "all", "saints", "built", "in", "1748"}},
		{"Bassett-Smith", []string{"bassett", "smith"}},
		{"don't STOP", []string{"don't", "stop"}},
		{"", nil},
		{"...", nil},
	}
	for _, tt := range tests {
		got := Split(tt.in)
		if len(got) == 0 && len(tt.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Split(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildOrder(t *testing.T) {
	v := Build([]string{"the cat sat", "the dog ran"})

	if v.Size() != 6 {
		t.Fatalf("Size() = %d, want 6", v.Size())
	}
	want := map[string]int{"the": 1, "cat": 2, "sat": 3, "dog": 4, "ran": 5}
	for w, id := range want {
		got, ok := v.ID(w)
		if !ok || got != id {
			t.Errorf("ID(%q) = %d,%v want %d", w, got, ok, id)
		}
		if back, _ := v.Word(id); back != w {
			t.Errorf("Word(%d) = %q, want %q", id, back, w)
		}
	}
	if _, ok := v.Word(PadID); ok {
		t.Error("padding id must not map to a word")
	}
	if v.Count("the") != 2 {
		t.Errorf("Count(the) = %d", v.Count("the"))
	}
	if got := v.Words(); !reflect.DeepEqual(got, []string{"the", "cat", "sat", "dog", "ran"}) {
		t.Errorf("Words() = %q", got)
	}
}

func TestBuildFrequencyBeatsFirstOccurrence(t *testing.T) {
	v := Build([]string{"a b c", "c c b"})
	// c:3, b:2, a:1
	for w, id := range map[string]int{"c": 1, "b": 2, "a": 3} {
		if got, _ := v.ID(w); got != id {
			t.Errorf("ID(%q) = %d, want %d", w, got, id)
		}
	}
}

func TestBuildDeterministic(t *testing.T) {
	corpus := []string{
		"It is situated approximately 3 miles (5 km) from Spilsby.",
		"The parish includes the hamlet of Monksthorpe.",
		"It is Grade II listed, and has a listed churchyard cross.",
	}
	a, b := Build(corpus), Build(corpus)
	if !a.Equal(b) || !reflect.DeepEqual(a.Words(), b.Words()) {
		t.Fatal("building twice produced different ids")
	}
}

func TestBuildEmpty(t *testing.T) {
	v := Build(nil)
	if v.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", v.Size())
	}
	if ids := v.Encode("anything"); len(ids) != 0 {
		t.Errorf("Encode on empty vocabulary = %v", ids)
	}
}

func TestEncodeDropsUnknown(t *testing.T) {
	v := Build([]string{"the cat sat"})
	if got := v.Encode("The zebra cat"); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Errorf("Encode = %v, want [1 2]", got)
	}
	if got := v.Decode([]int{1, 0, 2, 99, 3}); got != "the cat sat" {
		t.Errorf("Decode = %q", got)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	v := Build([]string{"the cat sat", "the dog ran"})
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	var got Vocabulary
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if !v.Equal(&got) {
		t.Error("vocabulary changed across JSON round trip")
	}
	if got.Count("the") != 2 || got.Docs("the") != 2 {
		t.Errorf("counts lost: %d times in %d lines", got.Count("the"), got.Docs("the"))
	}
}

func TestDocs(t *testing.T) {
	v := Build([]string{"the cat saw the dog", "the end", "a cat"})
	tests := []struct {
		word        string
		count, docs int
	}{
		{"the", 3, 2},
		{"cat", 2, 2},
		{"end", 1, 1},
		{"missing", 0, 0},
	}
	for _, tt := range tests {
		if c, d := v.Count(tt.word), v.Docs(tt.word); c != tt.count || d != tt.docs {
			t.Errorf("%q: count %d in %d lines, want %d in %d", tt.word, c, d, tt.count, tt.docs)
		}
	}
}

func TestUnmarshalRejectsInconsistent(t *testing.T) {
	bad := []string{
		`{"to_id":{"a":1},"to_word":{"1":"b"},"size":2}`,
		`{"to_id":{"a":0},"to_word":{"0":"a"},"size":2}`,
		`{"to_id":{"a":1},"to_word":{"1":"a"},"size":5}`,
	}
	for _, s := range bad {
		var v Vocabulary
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			t.Errorf("Unmarshal(%s) succeeded, want error", s)
		}
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]string{"The cat sat.", "the dog ran"})
	b := Fingerprint([]string{"the cat sat", "The dog ran!"})
	c := Fingerprint([]string{"the cat sat", "the dog sat"})
	if a != b {
		t.Error("normalization-only differences changed the fingerprint")
	}
	if a == c {
		t.Error("different words produced the same fingerprint")
	}
	if Fingerprint([]string{"a b"}) == Fingerprint([]string{"a", "b"}) {
		t.Error("line boundaries must be part of the fingerprint")
	}
}
