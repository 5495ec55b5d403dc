package collab

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// Document is the live line-based text for the open file. It is owned by the
// sync engine while the file is open; local and remote edits both mutate it
// through Apply so they share one range-replace code path.
type Document struct {
	lines []string
}

func NewDocument(text string) *Document {
	return &Document{
		lines: strings.Split(text, "\n"),
	}
}

func (self *Document) Text() string {
	return strings.Join(self.lines, "\n")
}

func (self *Document) Lines() []string {
	return slices.Clone(self.lines)
}

func (self *Document) LineCount() int {
	return len(self.lines)
}

func (self *Document) checkPoint(p Point) error {
	if p.Row < 0 || len(self.lines) <= p.Row {
		return fmt.Errorf("row %d out of bounds (%d lines)", p.Row, len(self.lines))
	}
	if p.Col < 0 || len([]rune(self.lines[p.Row])) < p.Col {
		return fmt.Errorf("column %d out of bounds on row %d", p.Col, p.Row)
	}
	return nil
}

// Apply replaces the text spanning r with replacement joined by line breaks.
// A nil replacement deletes the span. Out-of-bounds ranges are rejected
// without mutating the document.
func (self *Document) Apply(r Range, replacement []string) error {
	if err := self.checkPoint(r.Start); err != nil {
		return err
	}
	if err := self.checkPoint(r.End); err != nil {
		return err
	}
	if r.End.Row < r.Start.Row || (r.End.Row == r.Start.Row && r.End.Col < r.Start.Col) {
		return fmt.Errorf("inverted range %s", r)
	}

	startLine := []rune(self.lines[r.Start.Row])
	endLine := []rune(self.lines[r.End.Row])
	prefix := string(startLine[:r.Start.Col])
	suffix := string(endLine[r.End.Col:])

	mid := replacement
	if len(mid) == 0 {
		mid = []string{""}
	}

	next := make([]string, 0, r.Start.Row+len(mid)+len(self.lines)-r.End.Row-1)
	next = append(next, self.lines[:r.Start.Row]...)
	if len(mid) == 1 {
		next = append(next, prefix+mid[0]+suffix)
	} else {
		next = append(next, prefix+mid[0])
		next = append(next, mid[1:len(mid)-1]...)
		next = append(next, mid[len(mid)-1]+suffix)
	}
	next = append(next, self.lines[r.End.Row+1:]...)
	self.lines = next
	return nil
}
