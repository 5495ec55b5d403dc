package collab

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Point is a 0-based text position, row-major. Columns count runes.
type Point struct {
	Row int
	Col int
}

func (self Point) String() string {
	return fmt.Sprintf("(%d,%d)", self.Row, self.Col)
}

// Range is a half-open position pair. A collapsed range (Start == End)
// denotes an insertion point; otherwise it is the span to be removed or
// replaced.
type Range struct {
	Start Point
	End   Point
}

func NewRange(startRow int, startCol int, endRow int, endCol int) Range {
	return Range{
		Start: Point{Row: startRow, Col: startCol},
		End:   Point{Row: endRow, Col: endCol},
	}
}

func CollapsedRange(p Point) Range {
	return Range{Start: p, End: p}
}

func (self Range) IsCollapsed() bool {
	return self.Start == self.End
}

func (self Range) String() string {
	return fmt.Sprintf("%s-%s", self.Start, self.End)
}

// ChangeOp is the protocol's only mutation primitive: replace the text
// spanning Range with Replacement joined by line breaks. A nil Replacement
// over a non-collapsed range is a pure deletion; a collapsed range with a
// non-nil Replacement is a pure insertion.
type ChangeOp struct {
	FileId       FileId
	Range        Range
	Replacement  []string
	BaseChangeId ChangeId
}

// End returns the position just after the replacement text once the op is
// applied at Range.Start.
func (self ChangeOp) End() Point {
	if len(self.Replacement) == 0 {
		return self.Range.Start
	}
	last := self.Replacement[len(self.Replacement)-1]
	if len(self.Replacement) == 1 {
		return Point{
			Row: self.Range.Start.Row,
			Col: self.Range.Start.Col + utf8.RuneCountInString(last),
		}
	}
	return Point{
		Row: self.Range.Start.Row + len(self.Replacement) - 1,
		Col: utf8.RuneCountInString(last),
	}
}

// InsertEvent is the editor-native "text typed at a point" edit.
type InsertEvent struct {
	Pos  Point
	Text string
}

// RemoveEvent is the editor-native "span removed" edit. A substitution is
// observed as a RemoveEvent followed by an InsertEvent; the two are never
// batched into one op.
type RemoveEvent struct {
	Span Range
}

// ChangeFromInsert converts an insertion event into a ChangeOp. A no-op
// insertion is rejected; it is never transmitted.
func ChangeFromInsert(fileId FileId, event InsertEvent) (ChangeOp, error) {
	if event.Text == "" {
		return ChangeOp{}, fmt.Errorf("empty insertion")
	}
	return ChangeOp{
		FileId:      fileId,
		Range:       CollapsedRange(event.Pos),
		Replacement: strings.Split(event.Text, "\n"),
	}, nil
}

// ChangeFromRemove converts a removal event into a ChangeOp. A no-op removal
// is rejected; it is never transmitted.
func ChangeFromRemove(fileId FileId, event RemoveEvent) (ChangeOp, error) {
	if event.Span.IsCollapsed() {
		return ChangeOp{}, fmt.Errorf("empty removal span %s", event.Span)
	}
	return ChangeOp{
		FileId: fileId,
		Range:  event.Span,
	}, nil
}

// SubmitMessage tags the op with the base change id and wraps it as the
// outbound wire message.
func (self ChangeOp) SubmitMessage(baseChangeId ChangeId) *SubmitChange {
	return &SubmitChange{
		FileId:       self.FileId,
		Range:        self.Range,
		BaseChangeId: baseChangeId,
		Replacement:  self.Replacement,
	}
}

// ChangeFromBroadcast converts a server broadcast back into the canonical op
// form. Exact inverse of SubmitMessage + server sequencing for any op
// produced by the event constructors.
func ChangeFromBroadcast(message *ChangeBroadcast) ChangeOp {
	return ChangeOp{
		FileId:      message.FileId,
		Range:       message.Range,
		Replacement: message.Replacement,
	}
}
