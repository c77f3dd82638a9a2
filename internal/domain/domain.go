package domain

import (
	"errors"
	"slices"
	"sync/atomic"
)

// ID is a server-assigned numeric identifier. InvalidID marks a record whose
// identifier was missing or not numeric.
type ID int

const InvalidID ID = -1

func (id ID) Valid() bool { return id >= 0 }

// State is a story's current_state. Values outside the constants below are
// kept as-is.
type State string

const (
	StateUnstarted State = "unstarted"
	StateStarted   State = "started"
	StateRejected  State = "rejected"
	StateAccepted  State = "accepted"
)

var ErrIterationsAlreadySet = errors.New("project iterations already set")

type Story struct {
	Name  string `json:"name"`
	State State  `json:"state"`
}

// Iteration owns a fixed list of stories.
type Iteration struct {
	ID      ID
	stories []Story
}

func NewIteration(id ID, stories []Story) Iteration {
	return Iteration{ID: id, stories: slices.Clone(stories)}
}

// Stories returns a copy of the iteration's stories in server order.
func (it Iteration) Stories() []Story {
	return slices.Clone(it.stories)
}

// StoriesWhere returns the stories in state, preserving order.
func (it Iteration) StoriesWhere(state State) []Story {
	var res []Story
	for _, s := range it.stories {
		if s.State == state {
			res = append(res, s)
		}
	}
	return res
}

func (it Iteration) Accepted() []Story  { return it.StoriesWhere(StateAccepted) }
func (it Iteration) Rejected() []Story  { return it.StoriesWhere(StateRejected) }
func (it Iteration) Started() []Story   { return it.StoriesWhere(StateStarted) }
func (it Iteration) Unstarted() []Story { return it.StoriesWhere(StateUnstarted) }

// Counts tallies stories per state.
func (it Iteration) Counts() map[State]int {
	counts := make(map[State]int)
	for _, s := range it.stories {
		counts[s.State]++
	}
	return counts
}

// Project is immutable apart from its iterations, which are set at most once
// after construction. Always handle projects by pointer.
type Project struct {
	ID          ID
	Name        string
	MemberCount int
	StartDate   string

	iterations atomic.Pointer[[]Iteration]
}

// Iterations returns nil until SetIterations has been called.
func (p *Project) Iterations() []Iteration {
	its := p.iterations.Load()
	if its == nil {
		return nil
	}
	return slices.Clone(*its)
}

func (p *Project) IterationsLoaded() bool {
	return p.iterations.Load() != nil
}

// SetIterations fills the iterations slot. Only the first call succeeds.
func (p *Project) SetIterations(its []Iteration) error {
	cp := slices.Clone(its)
	if cp == nil {
		cp = []Iteration{}
	}
	if !p.iterations.CompareAndSwap(nil, &cp) {
		return ErrIterationsAlreadySet
	}
	return nil
}

// CurrentIteration is the last iteration the server returned.
func (p *Project) CurrentIteration() (Iteration, bool) {
	its := p.iterations.Load()
	if its == nil || len(*its) == 0 {
		return Iteration{}, false
	}
	return (*its)[len(*its)-1], true
}
