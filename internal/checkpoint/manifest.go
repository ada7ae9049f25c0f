package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const manifestVersion = 1

// Kind tells periodic, best and final snapshots apart.
type Kind string

const (
	KindPeriodic Kind = "periodic"
	KindBest     Kind = "best"
	KindFinal    Kind = "final"
)

// Entry describes one published snapshot file.
type Entry struct {
	Kind      Kind      `json:"kind"`
	Epoch     int       `json:"epoch"`
	File      string    `json:"file"`
	Loss      float64   `json:"loss"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum"`
	WrittenAt time.Time `json:"written_at"`

	// final only
	RequestedEpochs int  `json:"requested_epochs,omitempty"`
	EarlyStopped    bool `json:"early_stopped,omitempty"`
}

// EpochRecord is the loss of one trained epoch and whether it produced a
// new best snapshot.
type EpochRecord struct {
	Epoch    int     `json:"epoch"`
	Loss     float64 `json:"loss"`
	Improved bool    `json:"improved"`
}

// Manifest indexes every snapshot of one model. A snapshot file that is not
// listed here is ignored, which is what makes interrupted writes harmless.
type Manifest struct {
	Version  int           `json:"version"`
	Name     string        `json:"name"`
	Periodic []Entry       `json:"periodic"`
	Best     *Entry        `json:"best,omitempty"`
	Final    *Entry        `json:"final,omitempty"`
	History  []EpochRecord `json:"history"`
}

func newManifest(name string) *Manifest {
	return &Manifest{Version: manifestVersion, Name: name}
}

func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("%s: unsupported manifest version %d", filepath.Base(path), m.Version)
	}
	return &m, nil
}

// putPeriodic inserts or replaces the entry for e.Epoch, keeping the list
// sorted by epoch.
func (m *Manifest) putPeriodic(e Entry) {
	for i := range m.Periodic {
		if m.Periodic[i].Epoch == e.Epoch {
			m.Periodic[i] = e
			return
		}
	}
	m.Periodic = append(m.Periodic, e)
	sort.Slice(m.Periodic, func(i, j int) bool { return m.Periodic[i].Epoch < m.Periodic[j].Epoch })
}

// Lookup returns the periodic entry for epoch.
func (m *Manifest) Lookup(epoch int) (Entry, bool) {
	for _, e := range m.Periodic {
		if e.Epoch == epoch {
			return e, true
		}
	}
	return Entry{}, false
}

// record appends to the loss history. A resumed run that repeats an epoch
// replaces the tail from that epoch on.
func (m *Manifest) record(r EpochRecord) {
	for i, h := range m.History {
		if h.Epoch >= r.Epoch {
			m.History = m.History[:i]
			break
		}
	}
	m.History = append(m.History, r)
}

func (m *Manifest) clone() *Manifest {
	c := *m
	c.Periodic = append([]Entry(nil), m.Periodic...)
	c.History = append([]EpochRecord(nil), m.History...)
	if m.Best != nil {
		b := *m.Best
		c.Best = &b
	}
	if m.Final != nil {
		f := *m.Final
		c.Final = &f
	}
	return &c
}

func periodicFile(epoch int) string {
	return fmt.Sprintf("model_epoch_%03d.arrow", epoch)
}
