package collab

import (
	"github.com/golang/glog"
)

// EditorSurface is the rendering collaborator consumed by the sync engine.
// The engine calls these; it never reads editor-internal cursor or selection
// state. Calls are made from the engine's frame-processing goroutine, so
// implementations must not call back into the engine synchronously.
type EditorSurface interface {
	// RenderDocument replaces the whole document view, as after file content
	// arrives.
	RenderDocument(text string)
	// ApplyRangeReplace applies one remote edit to the view.
	ApplyRangeReplace(r Range, replacement []string)
	ShowParticipants(participants []Participant)
	ShowFiles(files []FileRecord)
	ShowProjectInfo(project Project)
	ReportError(message string)
	// CloseDocumentView is called when the currently opened file is deleted.
	CloseDocumentView()
}

// LoggingSurface renders nothing; it logs the engine's notifications. Used by
// the cli and as a default when no real surface is attached.
type LoggingSurface struct {
}

func (self *LoggingSurface) RenderDocument(text string) {
	glog.V(1).Infof("[surface]render %d bytes\n", len(text))
}

func (self *LoggingSurface) ApplyRangeReplace(r Range, replacement []string) {
	glog.V(1).Infof("[surface]apply %s (%d lines)\n", r, len(replacement))
}

func (self *LoggingSurface) ShowParticipants(participants []Participant) {
	glog.V(1).Infof("[surface]participants n=%d\n", len(participants))
}

func (self *LoggingSurface) ShowFiles(files []FileRecord) {
	glog.V(1).Infof("[surface]files n=%d\n", len(files))
}

func (self *LoggingSurface) ShowProjectInfo(project Project) {
	glog.V(1).Infof("[surface]project %d %s\n", project.Id, project.Name)
}

func (self *LoggingSurface) ReportError(message string) {
	glog.Infof("[surface]error = %s\n", message)
}

func (self *LoggingSurface) CloseDocumentView() {
	glog.V(1).Infof("[surface]close document\n")
}
