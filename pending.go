package collab

// pendingChanges buffers locally authored ops before transmission. Draining
// may coalesce adjacent ops to reduce bandwidth, but only when the ops are
// contiguous insertions into the same file against the same base change and
// no remote-origin change landed between them. A remote change shifts
// positions, so it acts as a coalescing barrier.
//
// Coalescing is an optimization, never required: callers that drain after
// every add simply transmit ops singly.
type pendingChanges struct {
	ops []pendingOp

	// set when a remote change has been applied since the last Add
	barrier bool
}

type pendingOp struct {
	op ChangeOp

	// a remote change landed between the previous op and this one
	afterRemote bool
}

func newPendingChanges() *pendingChanges {
	return &pendingChanges{}
}

func (self *pendingChanges) Add(op ChangeOp) {
	self.ops = append(self.ops, pendingOp{
		op:          op,
		afterRemote: self.barrier,
	})
	self.barrier = false
}

// NoteRemote records that a remote change was applied. The next buffered op
// will not coalesce with any earlier one.
func (self *pendingChanges) NoteRemote() {
	self.barrier = true
}

func (self *pendingChanges) Len() int {
	return len(self.ops)
}

func canCoalesce(a ChangeOp, b pendingOp) bool {
	if b.afterRemote {
		return false
	}
	if a.FileId != b.op.FileId || a.BaseChangeId != b.op.BaseChangeId {
		return false
	}
	// only contiguous insertions collapse; the end state of typing "a" then
	// "b" at the caret is exactly one insertion of "ab"
	if !a.Range.IsCollapsed() || !b.op.Range.IsCollapsed() {
		return false
	}
	return a.End() == b.op.Range.Start
}

func coalesce(a ChangeOp, b ChangeOp) ChangeOp {
	replacement := make([]string, 0, len(a.Replacement)+len(b.Replacement)-1)
	replacement = append(replacement, a.Replacement[:len(a.Replacement)-1]...)
	replacement = append(replacement, a.Replacement[len(a.Replacement)-1]+b.Replacement[0])
	replacement = append(replacement, b.Replacement[1:]...)
	return ChangeOp{
		FileId:       a.FileId,
		Range:        a.Range,
		Replacement:  replacement,
		BaseChangeId: a.BaseChangeId,
	}
}

// Drain removes and returns all buffered ops in authoring order, coalescing
// adjacent runs where legal.
func (self *pendingChanges) Drain() []ChangeOp {
	ops := self.ops
	self.ops = nil
	if len(ops) == 0 {
		return nil
	}
	out := []ChangeOp{ops[0].op}
	for _, next := range ops[1:] {
		last := out[len(out)-1]
		if canCoalesce(last, next) {
			out[len(out)-1] = coalesce(last, next.op)
		} else {
			out = append(out, next.op)
		}
	}
	return out
}
