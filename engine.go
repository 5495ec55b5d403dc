package collab

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// ConnectionState gates which outbound frames are legal. Exactly one instance
// exists per engine.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateNoFileOpened
	StateFileOpened
	StateEditingFile
	StateError
)

func (self ConnectionState) String() string {
	switch self {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateNoFileOpened:
		return "noFileOpened"
	case StateFileOpened:
		return "fileOpened"
	case StateEditingFile:
		return "editingFile"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(self))
	}
}

type SyncEngineSettings struct {
	// outbound frames buffered between the callers and the writer
	SendBufferSize int
}

func DefaultSyncEngineSettings() *SyncEngineSettings {
	return &SyncEngineSettings{
		SendBufferSize: 32,
	}
}

// session is all state scoped to one connection: project, participants,
// files, and the open document. It is created on connect and discarded
// entirely on disconnect or error; a reconnect rebuilds it from the next
// snapshot. Never a process-wide singleton.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn Conn
	send chan string

	project  Project
	registry *SessionRegistry
	catalog  *FileCatalog

	fileOpen   bool
	openFileId FileId
	// a requestFileContent is outstanding for openingFileId
	opening       bool
	openingFileId FileId

	doc                 *Document
	lastAppliedChangeId ChangeId
	pending             *pendingChanges
}

// SyncEngine owns the connection lifecycle, applies inbound frames in strict
// arrival order, and serializes locally authored edits into the outbound
// stream in the order the user produced them.
//
// All session state has a single mutator: callers and the frame-processing
// loop are serialized by stateLock. Requests are fire-and-forget; their
// effects surface later through inbound frames.
type SyncEngine struct {
	ctx    context.Context
	cancel context.CancelFunc

	dialer   Dialer
	surface  EditorSurface
	settings *SyncEngineSettings

	stateLock sync.Mutex
	state     ConnectionState
	sess      *session
}

func NewSyncEngineWithDefaults(ctx context.Context, dialer Dialer, surface EditorSurface) *SyncEngine {
	return NewSyncEngine(ctx, dialer, surface, DefaultSyncEngineSettings())
}

func NewSyncEngine(ctx context.Context, dialer Dialer, surface EditorSurface, settings *SyncEngineSettings) *SyncEngine {
	cancelCtx, cancel := context.WithCancel(ctx)
	if surface == nil {
		surface = &LoggingSurface{}
	}
	return &SyncEngine{
		ctx:      cancelCtx,
		cancel:   cancel,
		dialer:   dialer,
		surface:  surface,
		settings: settings,
		state:    StateDisconnected,
	}
}

// Connect dials the project session and starts the frame loops. The snapshot
// that follows moves the engine to StateNoFileOpened. Legal from
// StateDisconnected and StateError; an errored engine requires a full
// reconnect-and-resnapshot cycle, there is no partial-state resume.
func (self *SyncEngine) Connect(projectId int) error {
	self.stateLock.Lock()
	switch self.state {
	case StateDisconnected, StateError:
	default:
		state := self.state
		self.stateLock.Unlock()
		return fmt.Errorf("connect is not legal from state %s", state)
	}
	self.state = StateConnecting
	self.stateLock.Unlock()

	conn, err := self.dialer.Dial(self.ctx, projectId)
	if err != nil {
		self.fail(nil, fmt.Errorf("connect: %w", err))
		return err
	}

	sessionCtx, sessionCancel := context.WithCancel(self.ctx)
	sess := &session{
		ctx:                 sessionCtx,
		cancel:              sessionCancel,
		conn:                conn,
		send:                make(chan string, self.settings.SendBufferSize),
		registry:            NewSessionRegistry(self.surface.ShowParticipants),
		catalog:             NewFileCatalog(self.surface.ShowFiles),
		lastAppliedChangeId: NoChangeId,
		pending:             newPendingChanges(),
	}

	self.stateLock.Lock()
	self.sess = sess
	self.stateLock.Unlock()

	go self.readLoop(sess)
	go self.writeLoop(sess)
	return nil
}

// Disconnect tears the session down without surfacing an error.
func (self *SyncEngine) Disconnect() {
	self.stateLock.Lock()
	if self.state == StateDisconnected {
		self.stateLock.Unlock()
		return
	}
	self.state = StateDisconnected
	sess := self.sess
	self.sess = nil
	self.stateLock.Unlock()

	if sess != nil {
		sess.cancel()
		sess.conn.Close()
	}
}

// Close disconnects and releases the engine.
func (self *SyncEngine) Close() {
	self.Disconnect()
	self.cancel()
}

// fail surfaces a transport failure once and discards the session. There is
// no automatic retry.
//
// The failed session is cancelled before stateLock is taken: an enqueue may
// be parked on the full send buffer while holding the lock, and with the
// writer dead only the cancel can release it.
func (self *SyncEngine) fail(sess *session, err error) {
	if sess != nil {
		sess.cancel()
	}

	self.stateLock.Lock()
	if self.state == StateDisconnected || self.state == StateError {
		self.stateLock.Unlock()
		return
	}
	if sess != nil && self.sess != sess {
		// failure from a torn-down session
		self.stateLock.Unlock()
		return
	}
	self.state = StateError
	cur := self.sess
	self.sess = nil
	self.stateLock.Unlock()

	if cur != nil {
		cur.cancel()
		cur.conn.Close()
	}
	glog.Infof("[ce]session error = %s\n", err)
	self.surface.ReportError(err.Error())
}

func (self *SyncEngine) readLoop(sess *session) {
	for {
		f, err := sess.conn.ReadFrame()
		if err != nil {
			select {
			case <-sess.ctx.Done():
				// deliberate teardown
			default:
				self.fail(sess, fmt.Errorf("receive: %w", err))
			}
			return
		}
		message, err := DecodeInbound(f)
		if err != nil {
			// malformed frames are dropped, the connection stays alive
			glog.Infof("[cr]drop malformed frame = %s\n", err)
			continue
		}
		self.applyInbound(sess, message)
	}
}

func (self *SyncEngine) writeLoop(sess *session) {
	for {
		select {
		case <-sess.ctx.Done():
			return
		case f := <-sess.send:
			if err := sess.conn.WriteFrame(f); err != nil {
				self.fail(sess, fmt.Errorf("send: %w", err))
				return
			}
			glog.V(2).Infof("[cs]%c->\n", f[0])
		}
	}
}

// enqueue serializes one outbound frame. Called with stateLock held, which
// preserves the order the frames were produced.
func (self *SyncEngine) enqueue(sess *session, message OutboundMessage) error {
	f, err := EncodeOutbound(message)
	if err != nil {
		return err
	}
	select {
	case sess.send <- f:
		return nil
	case <-sess.ctx.Done():
		return fmt.Errorf("session closed")
	}
}

func (self *SyncEngine) applyInbound(sess *session, message InboundMessage) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.sess != sess {
		// frame from a torn-down session
		return
	}

	switch v := message.(type) {
	case *ProjectSnapshot:
		sess.project = v.Project
		sess.fileOpen = false
		sess.opening = false
		sess.doc = nil
		sess.lastAppliedChangeId = NoChangeId
		sess.pending = newPendingChanges()
		if self.state == StateConnecting {
			self.state = StateNoFileOpened
		}
		self.surface.ShowProjectInfo(v.Project)
		sess.registry.ReplaceAll(v.Participants)
		sess.catalog.ReplaceAll(v.Files)
	case *ParticipantJoined:
		sess.registry.Add(v.Id, v.Name)
	case *ParticipantLeft:
		sess.registry.Remove(v.Id)
	case *FileCreated:
		// the same opcode confirms both creation and rename
		if _, ok := sess.catalog.Find(v.File.Id); ok {
			sess.catalog.Rename(v.File.Id, v.File.Name)
		} else {
			sess.catalog.Add(v.File)
		}
	case *FileDeleted:
		if _, ok := sess.catalog.Remove(v.FileId); !ok {
			glog.V(1).Infof("[cr]delete for unknown file %d\n", v.FileId)
		}
		if sess.opening && sess.openingFileId == v.FileId {
			sess.opening = false
		}
		if sess.fileOpen && sess.openFileId == v.FileId {
			sess.fileOpen = false
			sess.doc = nil
			if self.state == StateFileOpened || self.state == StateEditingFile {
				self.state = StateNoFileOpened
			}
			self.surface.CloseDocumentView()
		}
	case *FileContent:
		if sess.opening && v.FileId == sess.openingFileId {
			sess.opening = false
			sess.fileOpen = true
			sess.openFileId = v.FileId
			sess.doc = NewDocument(v.Text)
			sess.pending = newPendingChanges()
			self.state = StateFileOpened
			self.surface.RenderDocument(v.Text)
		} else if !sess.opening && sess.fileOpen && v.FileId == sess.openFileId {
			// server-initiated refresh of the open file
			sess.doc = NewDocument(v.Text)
			self.surface.RenderDocument(v.Text)
		} else {
			glog.V(1).Infof("[cr]drop content for file %d\n", v.FileId)
		}
	case *ChangeBroadcast:
		if !sess.fileOpen || v.FileId != sess.openFileId {
			glog.V(2).Infof("[cr]drop change %s for file %d\n", v.ChangeId, v.FileId)
			return
		}
		if err := sess.doc.Apply(v.Range, v.Replacement); err != nil {
			glog.Infof("[cr]drop unappliable change %s = %s\n", v.ChangeId, err)
			return
		}
		sess.lastAppliedChangeId = v.ChangeId
		sess.pending.NoteRemote()
		self.surface.ApplyRangeReplace(v.Range, v.Replacement)
	case *ErrorMessage:
		// surfaced verbatim, no state change
		self.surface.ReportError(v.Text)
	case *Unrecognized:
		glog.Infof("[cr]drop unrecognized opcode %q\n", v.Opcode)
	}
}

func (self *SyncEngine) connectedSession() (*session, error) {
	switch self.state {
	case StateNoFileOpened, StateFileOpened, StateEditingFile:
		return self.sess, nil
	default:
		return nil, fmt.Errorf("not legal from state %s", self.state)
	}
}

// OpenFile requests the content of a catalog file. The engine moves to
// StateFileOpened when the content frame arrives; content for any other file
// in the meantime is discarded.
func (self *SyncEngine) OpenFile(fileId FileId) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sess, err := self.connectedSession()
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	if _, ok := sess.catalog.Find(fileId); !ok {
		return fmt.Errorf("open file: unknown file id %d", fileId)
	}
	sess.opening = true
	sess.openingFileId = fileId
	return self.enqueue(sess, &RequestFileContent{FileId: fileId})
}

// CreateFile requests a new file. The catalog is updated only by the server's
// confirmation broadcast; failure arrives as an errorMessage frame.
func (self *SyncEngine) CreateFile(name string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sess, err := self.connectedSession()
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if name == "" {
		return fmt.Errorf("create file: empty name")
	}
	return self.enqueue(sess, &CreateFile{Name: name})
}

func (self *SyncEngine) DeleteFile(fileId FileId) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sess, err := self.connectedSession()
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	if _, ok := sess.catalog.Find(fileId); !ok {
		return fmt.Errorf("delete file: unknown file id %d", fileId)
	}
	return self.enqueue(sess, &DeleteFile{FileId: fileId})
}

func (self *SyncEngine) RenameFile(fileId FileId, name string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sess, err := self.connectedSession()
	if err != nil {
		return fmt.Errorf("rename file: %w", err)
	}
	if _, ok := sess.catalog.Find(fileId); !ok {
		return fmt.Errorf("rename file: unknown file id %d", fileId)
	}
	if name == "" {
		return fmt.Errorf("rename file: empty name")
	}
	return self.enqueue(sess, &RenameFile{FileId: fileId, Name: name})
}

// Insert submits a locally authored insertion at pos.
func (self *SyncEngine) Insert(pos Point, text string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sess, err := self.editableSession()
	if err != nil {
		return err
	}
	op, err := ChangeFromInsert(sess.openFileId, InsertEvent{Pos: pos, Text: text})
	if err != nil {
		return err
	}
	return self.submitLocal(sess, op)
}

// Remove submits a locally authored removal of span.
func (self *SyncEngine) Remove(span Range) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sess, err := self.editableSession()
	if err != nil {
		return err
	}
	op, err := ChangeFromRemove(sess.openFileId, RemoveEvent{Span: span})
	if err != nil {
		return err
	}
	return self.submitLocal(sess, op)
}

func (self *SyncEngine) editableSession() (*session, error) {
	switch self.state {
	case StateFileOpened, StateEditingFile:
		return self.sess, nil
	default:
		return nil, fmt.Errorf("edit is not legal from state %s", self.state)
	}
}

// submitLocal applies the op to the live document through the same
// range-replace path remote edits use, then transmits it tagged with the last
// applied remote change id.
func (self *SyncEngine) submitLocal(sess *session, op ChangeOp) error {
	if err := sess.doc.Apply(op.Range, op.Replacement); err != nil {
		return fmt.Errorf("edit out of bounds: %w", err)
	}
	op.BaseChangeId = sess.lastAppliedChangeId
	sess.pending.Add(op)
	self.state = StateEditingFile
	for _, pendingOp := range sess.pending.Drain() {
		if err := self.enqueue(sess, pendingOp.SubmitMessage(pendingOp.BaseChangeId)); err != nil {
			return err
		}
	}
	return nil
}

func (self *SyncEngine) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *SyncEngine) Project() (Project, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.sess == nil {
		return Project{}, false
	}
	return self.sess.project, true
}

func (self *SyncEngine) Participants() []Participant {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.sess == nil {
		return nil
	}
	return self.sess.registry.Participants()
}

func (self *SyncEngine) Files() []FileRecord {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.sess == nil {
		return nil
	}
	return self.sess.catalog.Files()
}

// OpenFileId returns the id of the currently opened file, if any.
func (self *SyncEngine) OpenFileId() (FileId, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.sess == nil || !self.sess.fileOpen {
		return 0, false
	}
	return self.sess.openFileId, true
}

// DocumentText returns the engine-held text of the open file for rendering.
func (self *SyncEngine) DocumentText() (string, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.sess == nil || !self.sess.fileOpen {
		return "", false
	}
	return self.sess.doc.Text(), true
}

func (self *SyncEngine) LastAppliedChangeId() ChangeId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.sess == nil {
		return NoChangeId
	}
	return self.sess.lastAppliedChangeId
}
