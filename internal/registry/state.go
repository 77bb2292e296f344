package registry

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/aweris/stratum/internal/digest"
)

const stateVersion = 1

// Deployment is one bootable root filesystem.
type Deployment struct {
	ID           string        `json:"id"`
	OSName       string        `json:"osname"`
	Serial       int           `json:"serial"`
	Commit       digest.Digest `json:"commit"`
	BaseCommit   digest.Digest `json:"base_commit,omitempty"`
	Spec         []string      `json:"spec,omitempty"`
	Packages     []string      `json:"packages,omitempty"`
	SpecChecksum string        `json:"spec_checksum,omitempty"`
	Version      string        `json:"version,omitempty"`
	Pinned       bool          `json:"pinned,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// State is the persisted registry: deployments in boot order (index 0
// is the default entry) plus the booted and staged pointers.
type State struct {
	Version     int          `json:"version"`
	Generation  uint64       `json:"generation"`
	Deployments []Deployment `json:"deployments"`
	Booted      string       `json:"booted,omitempty"`
	Staged      string       `json:"staged,omitempty"`
}

func newState() *State {
	return &State{Version: stateVersion, Deployments: []Deployment{}}
}

// Clone returns a deep copy that can be edited and passed to Replace.
func (s *State) Clone() *State {
	out := *s
	out.Deployments = make([]Deployment, len(s.Deployments))
	for i, d := range s.Deployments {
		d.Spec = slices.Clone(d.Spec)
		d.Packages = slices.Clone(d.Packages)
		out.Deployments[i] = d
	}
	return &out
}

// Index returns the position of the deployment with id, or -1.
func (s *State) Index(id string) int {
	return slices.IndexFunc(s.Deployments, func(d Deployment) bool { return d.ID == id })
}

// Find resolves a user-supplied reference: a deployment id, an index
// into the boot order, or an unambiguous commit digest prefix.
// A number out of range is tried as a commit prefix.
func (s *State) Find(ref string) (int, error) {
	if ref == "" {
		return -1, fmt.Errorf("%w: empty reference", ErrDeploymentNotFound)
	}
	if i := s.Index(ref); i >= 0 {
		return i, nil
	}

	if n, err := strconv.Atoi(ref); err == nil && n >= 0 && n < len(s.Deployments) {
		return n, nil
	}

	match := -1
	for i, d := range s.Deployments {
		if d.Commit.HasPrefix(ref) {
			if match >= 0 {
				return -1, fmt.Errorf("%w: %q matches more than one deployment", ErrDeploymentNotFound, ref)
			}
			match = i
		}
	}
	if match == -1 {
		return -1, fmt.Errorf("%w: %q", ErrDeploymentNotFound, ref)
	}
	return match, nil
}

// Get returns the deployment ref refers to.
func (s *State) Get(ref string) (Deployment, error) {
	i, err := s.Find(ref)
	if err != nil {
		return Deployment{}, err
	}
	return s.Deployments[i], nil
}

// BootedDeployment returns the running deployment, if any.
func (s *State) BootedDeployment() (Deployment, bool) {
	if i := s.Index(s.Booted); i >= 0 {
		return s.Deployments[i], true
	}
	return Deployment{}, false
}

// StagedDeployment returns the deployment pending for next boot, if any.
func (s *State) StagedDeployment() (Deployment, bool) {
	if i := s.Index(s.Staged); i >= 0 {
		return s.Deployments[i], true
	}
	return Deployment{}, false
}

// NextSerial returns the serial for a new deployment of commit.
func (s *State) NextSerial(osname string, commit digest.Digest) int {
	serial := 0
	for _, d := range s.Deployments {
		if d.OSName == osname && d.Commit == commit && d.Serial >= serial {
			serial = d.Serial + 1
		}
	}
	return serial
}

// DeploymentID formats the id of a deployment.
func DeploymentID(osname string, commit digest.Digest, serial int) string {
	return fmt.Sprintf("%s-%s.%d", osname, commit.Short(), serial)
}

// Stage inserts d as the default entry and marks it staged. The first
// deployment of an empty registry is also marked booted.
func (s *State) Stage(d Deployment) error {
	if s.Index(d.ID) >= 0 {
		return fmt.Errorf("deployment %s already exists", d.ID)
	}

	s.Deployments = slices.Insert(s.Deployments, 0, d)
	s.Staged = d.ID
	if s.Booted == "" {
		s.Booted = d.ID
		s.Staged = ""
	}
	return nil
}

// SetPinned changes the pinned flag of the deployment ref refers to.
func (s *State) SetPinned(ref string, pinned bool) (Deployment, error) {
	i, err := s.Find(ref)
	if err != nil {
		return Deployment{}, err
	}
	s.Deployments[i].Pinned = pinned
	return s.Deployments[i], nil
}

// Rollback makes the target the default boot entry. An empty ref picks
// the entry after the current default. Rolling back to the booted
// deployment only cancels the staged one.
func (s *State) Rollback(ref string) (Deployment, error) {
	var (
		i   int
		err error
	)
	if ref == "" {
		if len(s.Deployments) < 2 {
			return Deployment{}, fmt.Errorf("%w: no rollback target", ErrDeploymentNotFound)
		}
		i = 1
	} else if i, err = s.Find(ref); err != nil {
		return Deployment{}, err
	}

	target := s.Deployments[i]
	if booted, ok := s.BootedDeployment(); ok && booted.OSName != target.OSName {
		return Deployment{}, fmt.Errorf("%w: %s belongs to %s, booted system is %s",
			ErrDeploymentPinnedElsewhere, target.ID, target.OSName, booted.OSName)
	}

	s.Deployments = slices.Delete(s.Deployments, i, i+1)
	s.Deployments = slices.Insert(s.Deployments, 0, target)

	if target.ID == s.Booted {
		s.Staged = ""
	} else {
		s.Staged = target.ID
	}
	return target, nil
}

// Prune removes unpinned, non-booted deployments beyond the retain most
// recent ones and returns what it removed, oldest last.
func (s *State) Prune(retain int) []Deployment {
	if retain < 0 {
		retain = 0
	}

	var candidates []Deployment
	for _, d := range s.Deployments {
		if !d.Pinned && d.ID != s.Booted {
			candidates = append(candidates, d)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
		}
		return candidates[i].Serial > candidates[j].Serial
	})

	if len(candidates) <= retain {
		return nil
	}
	removed := candidates[retain:]

	drop := make(map[string]bool, len(removed))
	for _, d := range removed {
		drop[d.ID] = true
	}
	s.Deployments = slices.DeleteFunc(s.Deployments, func(d Deployment) bool { return drop[d.ID] })
	if drop[s.Staged] {
		s.Staged = ""
	}
	return removed
}

// Activate promotes the staged deployment to booted, as a reboot would.
func (s *State) Activate() (Deployment, error) {
	staged, ok := s.StagedDeployment()
	if !ok {
		return Deployment{}, ErrNothingStaged
	}
	s.Booted = staged.ID
	s.Staged = ""
	return staged, nil
}

// Validate checks internal consistency of the state.
func (s *State) Validate() error {
	seen := make(map[string]bool, len(s.Deployments))
	for _, d := range s.Deployments {
		if d.ID == "" || d.Commit.IsZero() {
			return fmt.Errorf("deployment %q is incomplete", d.ID)
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate deployment %s", d.ID)
		}
		seen[d.ID] = true
	}
	if s.Booted != "" && !seen[s.Booted] {
		return fmt.Errorf("booted deployment %s is not registered", s.Booted)
	}
	if s.Staged != "" && !seen[s.Staged] {
		return fmt.Errorf("staged deployment %s is not registered", s.Staged)
	}
	if s.Staged != "" && s.Staged == s.Booted {
		return fmt.Errorf("deployment %s is both booted and staged", s.Staged)
	}
	return nil
}
