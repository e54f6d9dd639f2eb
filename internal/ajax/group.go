package ajax

import (
	"errors"
	"sync"

	plyerrors "github.com/nkkko/ply/internal/errors"
)

// ErrGroupRejected is passed to the failure callback of a member that
// succeeded on its own while another member of its group failed.
var ErrGroupRejected = errors.New("ajax: group rejected")

// errGroupSettled is reported when a request joins a group that has
// already fired its callbacks.
var errGroupSettled = errors.New("group has already settled")

// Outcome is the settled state of a group
type Outcome int

const (
	// Pending means members are still outstanding
	Pending Outcome = iota
	// Resolved means every member succeeded
	Resolved
	// Rejected means at least one member failed
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Resolved:
		return "resolved"
	case Rejected:
		return "rejected"
	default:
		return "pending"
	}
}

// Group synchronizes the callbacks of several requests. Member callbacks are
// held until every member has completed, then fired in the order the
// members were issued.
type Group struct {
	mu            sync.Mutex
	members       []*member
	requestCount  int
	responseCount int
	rejected      bool
	outcome       Outcome
	done          chan struct{}
}

// NewGroup creates an empty group
func NewGroup() *Group {
	return &Group{done: make(chan struct{})}
}

// Done is closed once the group has settled and its callbacks have run
func (g *Group) Done() <-chan struct{} {
	return g.done
}

// Outcome returns the group state
func (g *Group) Outcome() Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outcome
}

// Size returns the number of members still counted towards completion
func (g *Group) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requestCount
}

type member struct {
	cb        Callbacks
	url       string
	method    string
	resp      *Response
	err       error
	completed bool
	aborted   bool
}

// join adds a member. It fails once the group has settled.
func (g *Group) join(m *member) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.outcome != Pending {
		return errGroupSettled
	}
	g.members = append(g.members, m)
	g.requestCount++
	return nil
}

// live reports whether m still counts towards the group
func (g *Group) live(m *member) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outcome == Pending && !m.aborted && !m.completed
}

// complete records a member's result. It returns true when this was the
// last outstanding member.
func (g *Group) complete(m *member, resp *Response, err error) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if m.aborted || m.completed {
		return false
	}
	m.completed = true
	m.resp, m.err = resp, err
	if err != nil {
		g.rejected = true
	}
	g.responseCount++
	return g.responseCount == g.requestCount
}

// abort drops a member from the count. It returns false when the member
// had already completed, and reports whether the group is now complete.
func (g *Group) abort(m *member) (removed, ready bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if m.aborted || m.completed || g.outcome != Pending {
		return false, false
	}
	m.aborted = true
	g.requestCount--
	return true, g.responseCount == g.requestCount
}

// settle fixes the outcome and returns the members whose callbacks should
// fire. Calling it twice yields no members the second time.
func (g *Group) settle() (Outcome, []*member) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.outcome != Pending {
		return g.outcome, nil
	}

	g.outcome = Resolved
	if g.rejected {
		g.outcome = Rejected
	}

	live := make([]*member, 0, len(g.members))
	for _, m := range g.members {
		if !m.aborted {
			live = append(live, m)
		}
	}
	return g.outcome, live
}

// failureOf is the error a member's failure callback receives
func failureOf(m *member) error {
	if m.err != nil {
		return m.err
	}
	return ErrGroupRejected
}

// transportFailure classifies a finished call. A nil result means success.
func transportFailure(url string, resp *Response, err error) *plyerrors.Error {
	switch {
	case err != nil:
		return plyerrors.Transport(statusOf(err), url, err)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return plyerrors.Transport(resp.Status, url, nil)
	default:
		return nil
	}
}
