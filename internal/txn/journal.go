package txn

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aweris/stratum/internal/digest"
	"github.com/aweris/stratum/internal/store"
)

const journalName = "journal.json"

// Journal records a transaction's progress in its scratch directory.
// It only exists while the transaction runs; recovery reads it to
// report what was interrupted.
type Journal struct {
	ID         string        `json:"id"`
	OSName     string        `json:"osname"`
	Base       digest.Digest `json:"base"`
	Spec       []string      `json:"spec,omitempty"`
	Phase      Phase         `json:"phase"`
	Commit     digest.Digest `json:"commit,omitempty"`
	Deployment string        `json:"deployment,omitempty"`
	Started    time.Time     `json:"started"`
	Updated    time.Time     `json:"updated"`
}

func writeJournal(dir string, j *Journal) error {
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(filepath.Join(dir, journalName), data, 0o644)
}

// ReadJournal loads the journal of a scratch directory.
func ReadJournal(dir string) (*Journal, error) {
	data, err := os.ReadFile(filepath.Join(dir, journalName))
	if err != nil {
		return nil, err
	}

	var j Journal
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse journal: %w", err)
	}
	return &j, nil
}
