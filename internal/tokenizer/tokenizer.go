package tokenizer

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// PadID is the reserved id used for left padding. No word ever maps to it.
const PadID = 0

// Vocabulary is an immutable word-level vocabulary. Ids are assigned by
// descending corpus frequency, ties broken by first occurrence, starting at 1.
type Vocabulary struct {
	toID   map[string]int
	toWord map[int]string
	counts map[string]int
	docs   map[string]int
}

// Split normalizes text and breaks it into words: NFKC, Unicode case
// folding, then punctuation, symbols and whitespace act as separators.
// Apostrophes are kept so contractions stay one word.
func Split(text string) []string {
	s := norm.NFKC.String(text)
	s = cases.Fold().String(s)
	return strings.FieldsFunc(s, isSeparator)
}

func isSeparator(r rune) bool {
	if r == '\'' {
		return false
	}
	return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsControl(r)
}

// Build creates the vocabulary for corpus. An empty corpus yields a
// vocabulary of size 1 holding only the padding slot.
func Build(corpus []string) *Vocabulary {
	counts := make(map[string]int)
	docs := make(map[string]int)
	var firstSeen []string

	for _, line := range corpus {
		seen := make(map[string]bool)
		for _, w := range Split(line) {
			if _, ok := counts[w]; !ok {
				firstSeen = append(firstSeen, w)
			}
			counts[w]++
			if !seen[w] {
				seen[w] = true
				docs[w]++
			}
		}
	}

	// Stable sort keeps first-occurrence order among equal counts.
	sort.SliceStable(firstSeen, func(i, j int) bool {
		return counts[firstSeen[i]] > counts[firstSeen[j]]
	})

	v := &Vocabulary{
		toID:   make(map[string]int, len(firstSeen)),
		toWord: make(map[int]string, len(firstSeen)),
		counts: counts,
		docs:   docs,
	}
	for i, w := range firstSeen {
		v.toID[w] = i + 1
		v.toWord[i+1] = w
	}
	return v
}

// Size is the number of distinct words plus the padding slot.
func (v *Vocabulary) Size() int {
	return len(v.toID) + 1
}

// Encode converts text to ids. Words missing from the vocabulary are dropped.
func (v *Vocabulary) Encode(text string) []int {
	words := Split(text)
	ids := make([]int, 0, len(words))
	for _, w := range words {
		if id, ok := v.toID[w]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Decode joins the surface words for ids with single spaces, skipping ids
// that have no word.
func (v *Vocabulary) Decode(ids []int) string {
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		if w, ok := v.toWord[id]; ok {
			words = append(words, w)
		}
	}
	return strings.Join(words, " ")
}

// Word returns the word for id. PadID and unknown ids have none.
func (v *Vocabulary) Word(id int) (string, bool) {
	w, ok := v.toWord[id]
	return w, ok
}

// ID returns the id of an already normalized word.
func (v *Vocabulary) ID(word string) (int, bool) {
	id, ok := v.toID[word]
	return id, ok
}

// Count returns how often word appeared in the corpus the vocabulary was
// built from.
func (v *Vocabulary) Count(word string) int {
	return v.counts[word]
}

// Docs returns the number of corpus lines word appeared in.
func (v *Vocabulary) Docs(word string) int {
	return v.docs[word]
}

// Words lists the vocabulary in id order, starting at id 1.
func (v *Vocabulary) Words() []string {
	out := make([]string, len(v.toWord))
	for id, w := range v.toWord {
		out[id-1] = w
	}
	return out
}

// Equal reports whether both vocabularies assign the same ids.
func (v *Vocabulary) Equal(o *Vocabulary) bool {
	if v.Size() != o.Size() {
		return false
	}
	for w, id := range v.toID {
		if o.toID[w] != id {
			return false
		}
	}
	return true
}

// Fingerprint hashes the normalized word stream of corpus. Two corpora with
// the same fingerprint produce the same vocabulary and training examples.
func Fingerprint(corpus []string) uint64 {
	h := xxhash.New()
	for _, line := range corpus {
		_, _ = h.WriteString(strings.Join(Split(line), " "))
		_, _ = h.WriteString("\n")
	}
	return h.Sum64()
}

// VocabData is the on-disk form of a Vocabulary.
type VocabData struct {
	ToID   map[string]int `json:"to_id"`
	ToWord map[int]string `json:"to_word"`
	Counts    map[string]int `json:"counts"`
	DocCounts map[string]int `json:"doc_counts"`
	Size      int            `json:"size"`
}

func (v *Vocabulary) MarshalJSON() ([]byte, error) {
	return json.Marshal(VocabData{
		ToID:   v.toID,
		ToWord: v.toWord,
		Counts:    v.counts,
		DocCounts: v.docs,
		Size:      v.Size(),
	})
}

func (v *Vocabulary) UnmarshalJSON(b []byte) error {
	var d VocabData
	if err := json.Unmarshal(b, &d); err != nil {
		return err
	}
	if d.ToID == nil {
		d.ToID = make(map[string]int)
	}
	if d.ToWord == nil {
		d.ToWord = make(map[int]string)
	}
	if d.Counts == nil {
		d.Counts = make(map[string]int)
	}
	if d.DocCounts == nil {
		d.DocCounts = make(map[string]int)
	}
	if len(d.ToID) != len(d.ToWord) || d.Size != len(d.ToID)+1 {
		return fmt.Errorf("vocabulary tables disagree: %d words, %d ids, size %d", len(d.ToID), len(d.ToWord), d.Size)
	}
	for w, id := range d.ToID {
		if id <= PadID || id >= d.Size || d.ToWord[id] != w {
			return fmt.Errorf("vocabulary entry %q has inconsistent id %d", w, id)
		}
	}
	v.toID, v.toWord, v.counts, v.docs = d.ToID, d.ToWord, d.Counts, d.DocCounts
	return nil
}
