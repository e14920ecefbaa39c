package v1

import "time"

// CommKind categorises an inter-minion message
type CommKind string

const (
	CommKindTask     CommKind = "task"
	CommKindQuestion CommKind = "question"
	CommKindReport   CommKind = "report"
	CommKindInfo     CommKind = "info"
)

// CommPriority controls delivery semantics on the recipient
type CommPriority string

const (
	// CommPriorityNone delivers through the normal FIFO queue.
	CommPriorityNone CommPriority = "none"
	// CommPriorityPivot inserts the comm at the head of the recipient queue.
	CommPriorityPivot CommPriority = "pivot"
	// CommPriorityHalt interrupts the recipient before enqueueing.
	CommPriorityHalt CommPriority = "halt"
)

// Reserved recipient tags.
const (
	// CommBroadcast fans out to every live minion in the legion.
	CommBroadcast = "all"
	// CommOrchestrator surfaces the comm to observers only.
	CommOrchestrator = "orchestrator"
)

// CommDelivery records the outcome for one recipient of a comm
type CommDelivery struct {
	Minion      string `json:"minion"`
	Delivered   bool   `json:"delivered"`
	Reason      string `json:"reason,omitempty"` // "not-delivered" detail
	QueueItemID string `json:"queue_item_id,omitempty"`
}

// Comm is a structured message sent between minions within a legion
type Comm struct {
	ID        string         `json:"id"`
	LegionID  string         `json:"legion_id"`
	Seq       uint64         `json:"seq"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Kind      CommKind       `json:"kind"`
	Summary   string         `json:"summary"`
	Body      string         `json:"body,omitempty"`
	Priority  CommPriority   `json:"priority"`
	CreatedAt time.Time      `json:"created_at"`
	Delivery  []CommDelivery `json:"delivery,omitempty"`
}

// SendCommRequest for dispatching a comm
type SendCommRequest struct {
	LegionID string       `json:"legion_id"`
	From     string       `json:"from"`
	To       string       `json:"to"`
	Kind     CommKind     `json:"kind"`
	Summary  string       `json:"summary"`
	Body     string       `json:"body,omitempty"`
	Priority CommPriority `json:"priority,omitempty"`
}

// MinionInfo is the legion-level view of one minion
type MinionInfo struct {
	SessionID       string          `json:"session_id"`
	Name            string          `json:"name"`
	Role            string          `json:"role,omitempty"`
	ParentName      string          `json:"parent_name,omitempty"`
	State           SessionState    `json:"state"`
	EffectiveStatus EffectiveStatus `json:"effective_status"`
	Disposed        bool            `json:"disposed"`
}

// HierarchyNode is one node of the legion parent/child tree
type HierarchyNode struct {
	Minion   MinionInfo       `json:"minion"`
	Children []*HierarchyNode `json:"children,omitempty"`
}
