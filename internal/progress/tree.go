package progress

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/provider-validation/internal/model"
)

// Status is a node's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

func (s Status) canMoveTo(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusProcessing || to == StatusComplete || to == StatusError
	case StatusProcessing:
		return to == StatusComplete || to == StatusError
	}
	return false
}

// Node is one entry in the validation tree. Parent and children are node
// ids, never pointers.
type Node struct {
	ID          string    `json:"id"`
	Label       string    `json:"label"`
	Description string    `json:"description,omitempty"`
	Agent       string    `json:"agent,omitempty"`
	Status      Status    `json:"status"`
	ParentID    string    `json:"parent_id,omitempty"`
	Children    []string  `json:"children,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (n *Node) clone() *Node {
	c := *n
	c.Children = append([]string(nil), n.Children...)
	return &c
}

// Tree is an arena of nodes keyed by id. It is safe for concurrent use;
// every mutation emits an event to the sink after the lock is released.
type Tree struct {
	sink  Sink
	runID string
	now   func() time.Time

	mu    sync.RWMutex
	nodes map[string]*Node
	order []string
}

// NewTree creates an empty tree that reports to sink.
func NewTree(sink Sink) *Tree {
	if sink == nil {
		sink = Discard
	}
	return &Tree{sink: sink, now: time.Now, nodes: make(map[string]*Node)}
}

// Reset discards every node and starts tracking runID.
func (t *Tree) Reset(runID string) {
	t.mu.Lock()
	t.runID = runID
	t.nodes = make(map[string]*Node)
	t.order = nil
	t.mu.Unlock()
}

// Create adds a node in the given status under parentID ("" for a root).
func (t *Tree) Create(id, label, description, agent, parentID string, status Status) error {
	t.mu.Lock()
	if _, exists := t.nodes[id]; exists {
		t.mu.Unlock()
		return eris.Errorf("progress: node %s already exists", id)
	}
	var parent *Node
	if parentID != "" {
		p, ok := t.nodes[parentID]
		if !ok {
			t.mu.Unlock()
			return eris.Errorf("progress: parent %s of %s not found", parentID, id)
		}
		parent = p
	}

	n := &Node{
		ID:          id,
		Label:       label,
		Description: description,
		Agent:       agent,
		Status:      status,
		ParentID:    parentID,
		UpdatedAt:   t.now(),
	}
	t.nodes[id] = n
	t.order = append(t.order, id)
	if parent != nil {
		parent.Children = append(parent.Children, id)
	}
	snap, runID := n.clone(), t.runID
	t.mu.Unlock()

	t.sink.Emit(Event{Kind: EventNodeCreated, RunID: runID, Node: snap, At: snap.UpdatedAt})
	return nil
}

// SetStatus moves a node to status. Terminal nodes reject transitions.
func (t *Tree) SetStatus(id string, status Status) error {
	t.mu.Lock()
	n, ok := t.nodes[id]
	if !ok {
		t.mu.Unlock()
		return eris.Errorf("progress: node %s not found", id)
	}
	if n.Status == status {
		t.mu.Unlock()
		return nil
	}
	if !n.Status.canMoveTo(status) {
		from := n.Status
		t.mu.Unlock()
		return eris.Errorf("progress: node %s cannot move from %s to %s", id, from, status)
	}
	n.Status = status
	n.UpdatedAt = t.now()
	snap, runID := n.clone(), t.runID
	t.mu.Unlock()

	t.sink.Emit(Event{Kind: EventNodeStatusChanged, RunID: runID, Node: snap, At: snap.UpdatedAt})
	return nil
}

// Get returns a copy of the node with id.
func (t *Tree) Get(id string) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n.clone(), true
}

// Nodes returns copies of every node in creation order.
func (t *Tree) Nodes() []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Node, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.nodes[id].clone())
	}
	return out
}

// Progress emits a run-progress event.
func (t *Tree) Progress(percent float64, stage string) {
	t.sink.Emit(Event{Kind: EventRunProgress, RunID: t.currentRun(), Percent: percent, Stage: stage, At: t.now()})
}

// Complete emits a run-complete event with the final stats.
func (t *Tree) Complete(stats model.RunStats) {
	t.sink.Emit(Event{Kind: EventRunComplete, RunID: t.currentRun(), Percent: 100, Stats: &stats, At: t.now()})
}

// Fail emits a run-error event.
func (t *Tree) Fail(message string) {
	t.sink.Emit(Event{Kind: EventRunError, RunID: t.currentRun(), Message: message, At: t.now()})
}

func (t *Tree) currentRun() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.runID
}
