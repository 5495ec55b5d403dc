package collab

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// testConn is an in-memory duplex frame channel driven by the test.
type testConn struct {
	inbound  chan string
	outbound chan string

	closeOnce sync.Once
	closed    chan struct{}
}

func newTestConn() *testConn {
	return &testConn{
		inbound:  make(chan string, 16),
		outbound: make(chan string, 16),
		closed:   make(chan struct{}),
	}
}

func (self *testConn) ReadFrame() (string, error) {
	select {
	case f := <-self.inbound:
		return f, nil
	case <-self.closed:
		return "", fmt.Errorf("connection closed")
	}
}

func (self *testConn) WriteFrame(f string) error {
	select {
	case self.outbound <- f:
		return nil
	case <-self.closed:
		return fmt.Errorf("connection closed")
	}
}

func (self *testConn) Close() error {
	self.closeOnce.Do(func() {
		close(self.closed)
	})
	return nil
}

type testDialer struct {
	conn Conn
	err  error
}

func (self *testDialer) Dial(ctx context.Context, projectId int) (Conn, error) {
	if self.err != nil {
		return nil, self.err
	}
	return self.conn, nil
}

// testSurface records every notification from the engine.
type testSurface struct {
	stateLock sync.Mutex

	renders      []string
	applied      []Range
	participants [][]Participant
	files        [][]FileRecord
	projects     []Project
	errors       []string
	closeCount   int
}

func (self *testSurface) RenderDocument(text string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.renders = append(self.renders, text)
}

func (self *testSurface) ApplyRangeReplace(r Range, replacement []string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.applied = append(self.applied, r)
}

func (self *testSurface) ShowParticipants(participants []Participant) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.participants = append(self.participants, participants)
}

func (self *testSurface) ShowFiles(files []FileRecord) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.files = append(self.files, files)
}

func (self *testSurface) ShowProjectInfo(project Project) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.projects = append(self.projects, project)
}

func (self *testSurface) ReportError(message string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.errors = append(self.errors, message)
}

func (self *testSurface) CloseDocumentView() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.closeCount += 1
}

func (self *testSurface) snapshot(f func(s *testSurface)) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	f(self)
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !condition() {
		if deadline.Before(time.Now()) {
			t.Fatalf("timed out waiting for %s", description)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

const testSnapshotFrame = `9 {"project":{"id":1,"name":"P"},"participants":[{"id":"s1","name":"Al"}],"files":[{"id":5,"name":"a.txt"},{"id":7,"name":"b.txt"}]}`

func startEngine(t *testing.T) (*SyncEngine, *testConn, *testSurface) {
	t.Helper()
	conn := newTestConn()
	surface := &testSurface{}
	engine := NewSyncEngineWithDefaults(context.Background(), &testDialer{conn: conn}, surface)
	t.Cleanup(engine.Close)

	err := engine.Connect(1)
	assert.Equal(t, nil, err)
	assert.Equal(t, StateConnecting, engine.State())
	return engine, conn, surface
}

func startEngineWithSnapshot(t *testing.T) (*SyncEngine, *testConn, *testSurface) {
	t.Helper()
	engine, conn, surface := startEngine(t)
	conn.inbound <- testSnapshotFrame
	waitFor(t, "snapshot", func() bool {
		return engine.State() == StateNoFileOpened
	})
	return engine, conn, surface
}

func openTestFile(t *testing.T, engine *SyncEngine, conn *testConn, fileId FileId, text string) {
	t.Helper()
	err := engine.OpenFile(fileId)
	assert.Equal(t, nil, err)
	assert.Equal(t, fmt.Sprintf("4 %d", fileId), <-conn.outbound)
	conn.inbound <- fmt.Sprintf("5 %d %s", fileId, text)
	waitFor(t, "file opened", func() bool {
		openId, ok := engine.OpenFileId()
		return ok && openId == fileId
	})
}

// drive a sentinel frame through the engine so everything before it is known
// to have been processed
func syncInbound(t *testing.T, engine *SyncEngine, conn *testConn) {
	t.Helper()
	sentinel := SessionId(fmt.Sprintf("sentinel-%d", time.Now().UnixNano()))
	conn.inbound <- fmt.Sprintf("1 %s x", sentinel)
	waitFor(t, "sentinel", func() bool {
		for _, p := range engine.Participants() {
			if p.Id == sentinel {
				return true
			}
		}
		return false
	})
}

func TestSnapshotNotifiesSurface(t *testing.T) {
	engine, _, surface := startEngineWithSnapshot(t)

	surface.snapshot(func(s *testSurface) {
		assert.Equal(t, []Project{{Id: 1, Name: "P"}}, s.projects)
		assert.Equal(t, 1, len(s.participants))
		assert.Equal(t, []Participant{{Id: "s1", Name: "Al"}}, s.participants[0])
		assert.Equal(t, 1, len(s.files))
		assert.Equal(t, []FileRecord{{Id: 5, Name: "a.txt"}, {Id: 7, Name: "b.txt"}}, s.files[0])
	})

	project, ok := engine.Project()
	assert.Equal(t, true, ok)
	assert.Equal(t, "P", project.Name)
}

func TestOpenFileAndStaleContent(t *testing.T) {
	engine, conn, _ := startEngineWithSnapshot(t)

	err := engine.OpenFile(5)
	assert.Equal(t, nil, err)
	assert.Equal(t, "4 5", <-conn.outbound)

	conn.inbound <- "5 5 hello"
	waitFor(t, "content", func() bool {
		return engine.State() == StateFileOpened
	})
	text, ok := engine.DocumentText()
	assert.Equal(t, true, ok)
	assert.Equal(t, "hello", text)

	// content for a different file id must not clobber the view
	conn.inbound <- "5 7 world"
	syncInbound(t, engine, conn)
	text, _ = engine.DocumentText()
	assert.Equal(t, "hello", text)
}

func TestOpenFileRace(t *testing.T) {
	engine, conn, _ := startEngineWithSnapshot(t)

	// open a, then b, before a's content arrives
	assert.Equal(t, nil, engine.OpenFile(5))
	assert.Equal(t, nil, engine.OpenFile(7))
	<-conn.outbound
	<-conn.outbound

	conn.inbound <- "5 5 content of a"
	conn.inbound <- "5 7 content of b"
	waitFor(t, "file 7 opened", func() bool {
		openId, ok := engine.OpenFileId()
		return ok && openId == 7
	})
	text, _ := engine.DocumentText()
	assert.Equal(t, "content of b", text)
}

func TestLocalInsertThenBroadcast(t *testing.T) {
	engine, conn, surface := startEngineWithSnapshot(t)
	openTestFile(t, engine, conn, 5, "")

	err := engine.Insert(Point{Row: 0, Col: 0}, "x")
	assert.Equal(t, nil, err)
	assert.Equal(t, StateEditingFile, engine.State())
	assert.Equal(t, "5 5 0 0 0 0 none x", <-conn.outbound)
	text, _ := engine.DocumentText()
	assert.Equal(t, "x", text)

	// a remote change for the open file is applied and advances the
	// last-applied change id
	conn.inbound <- "6 5 0 0 0 0 42 x"
	waitFor(t, "broadcast applied", func() bool {
		return engine.LastAppliedChangeId() == ChangeId("42")
	})
	text, _ = engine.DocumentText()
	assert.Equal(t, "xx", text)
	surface.snapshot(func(s *testSurface) {
		assert.Equal(t, []Range{NewRange(0, 0, 0, 0)}, s.applied)
	})

	// the next local edit is tagged with the new base
	err = engine.Remove(NewRange(0, 0, 0, 1))
	assert.Equal(t, nil, err)
	assert.Equal(t, "5 5 0 0 0 1 42 ", <-conn.outbound)
}

func TestBroadcastForOtherFileIgnored(t *testing.T) {
	engine, conn, surface := startEngineWithSnapshot(t)
	openTestFile(t, engine, conn, 5, "hello")

	conn.inbound <- "6 7 0 0 0 0 42 x"
	syncInbound(t, engine, conn)

	text, _ := engine.DocumentText()
	assert.Equal(t, "hello", text)
	assert.Equal(t, NoChangeId, engine.LastAppliedChangeId())
	surface.snapshot(func(s *testSurface) {
		assert.Equal(t, 0, len(s.applied))
	})
}

func TestDeleteOpenFileClosesView(t *testing.T) {
	engine, conn, surface := startEngineWithSnapshot(t)
	openTestFile(t, engine, conn, 5, "hello")

	conn.inbound <- "4 5"
	waitFor(t, "file closed", func() bool {
		return engine.State() == StateNoFileOpened
	})
	surface.snapshot(func(s *testSurface) {
		assert.Equal(t, 1, s.closeCount)
	})
	_, found := findFile(engine.Files(), 5)
	assert.Equal(t, false, found)

	// frames referencing the deleted file are ignored from here on
	conn.inbound <- "5 5 zombie"
	conn.inbound <- "6 5 0 0 0 0 42 x"
	syncInbound(t, engine, conn)
	_, ok := engine.DocumentText()
	assert.Equal(t, false, ok)
	surface.snapshot(func(s *testSurface) {
		assert.Equal(t, 1, s.closeCount)
	})

	// local edits for it are rejected too
	err := engine.Insert(Point{}, "x")
	assert.NotEqual(t, nil, err)
}

func TestUnknownParticipantLeft(t *testing.T) {
	engine, conn, surface := startEngineWithSnapshot(t)

	conn.inbound <- "2 never-joined"
	syncInbound(t, engine, conn)

	surface.snapshot(func(s *testSurface) {
		assert.Equal(t, 0, len(s.errors))
	})
	// still just the snapshot participant and the sentinel
	assert.Equal(t, 2, len(engine.Participants()))
}

func TestServerRejection(t *testing.T) {
	engine, conn, surface := startEngineWithSnapshot(t)

	err := engine.CreateFile("a.txt")
	assert.Equal(t, nil, err)
	assert.Equal(t, "1 a.txt", <-conn.outbound)

	conn.inbound <- "a file \"a.txt\" already exists in this project"
	waitFor(t, "error surfaced", func() bool {
		errored := false
		surface.snapshot(func(s *testSurface) {
			errored = 0 < len(s.errors)
		})
		return errored
	})
	surface.snapshot(func(s *testSurface) {
		assert.Equal(t, `file "a.txt" already exists in this project`, s.errors[0])
	})
	// the catalog is only changed by confirmation broadcasts
	assert.Equal(t, 2, len(engine.Files()))
	// a server rejection is not a state change
	assert.Equal(t, StateNoFileOpened, engine.State())
}

func TestFileCreatedAndRenamedBroadcasts(t *testing.T) {
	engine, conn, _ := startEngineWithSnapshot(t)

	conn.inbound <- "3 9 new.txt"
	waitFor(t, "file created", func() bool {
		_, found := findFile(engine.Files(), 9)
		return found
	})

	// the created opcode for a known id is a rename confirmation
	conn.inbound <- "3 9 renamed.txt"
	waitFor(t, "file renamed", func() bool {
		file, found := findFile(engine.Files(), 9)
		return found && file.Name == "renamed.txt"
	})
	assert.Equal(t, 3, len(engine.Files()))
}

func findFile(files []FileRecord, fileId FileId) (FileRecord, bool) {
	for _, f := range files {
		if f.Id == fileId {
			return f, true
		}
	}
	return FileRecord{}, false
}

func TestParticipantJoinLeave(t *testing.T) {
	engine, conn, _ := startEngineWithSnapshot(t)

	conn.inbound <- "1 s2 Bo"
	waitFor(t, "joined", func() bool {
		return len(engine.Participants()) == 2
	})
	conn.inbound <- "2 s1"
	waitFor(t, "left", func() bool {
		participants := engine.Participants()
		return len(participants) == 1 && participants[0].Id == "s2"
	})
}

func TestUnrecognizedOpcodeIgnored(t *testing.T) {
	engine, conn, _ := startEngineWithSnapshot(t)

	conn.inbound <- "z some future message"
	syncInbound(t, engine, conn)
	assert.Equal(t, StateNoFileOpened, engine.State())
}

func TestMalformedFrameKeepsConnectionAlive(t *testing.T) {
	engine, conn, surface := startEngineWithSnapshot(t)

	conn.inbound <- "6 5 0 0"
	syncInbound(t, engine, conn)
	assert.Equal(t, StateNoFileOpened, engine.State())
	surface.snapshot(func(s *testSurface) {
		assert.Equal(t, 0, len(s.errors))
	})
}

func TestEditRequiresOpenFile(t *testing.T) {
	engine, _, _ := startEngineWithSnapshot(t)

	err := engine.Insert(Point{}, "x")
	assert.NotEqual(t, nil, err)
	err = engine.Remove(NewRange(0, 0, 0, 1))
	assert.NotEqual(t, nil, err)
}

func TestConnectGating(t *testing.T) {
	conn := newTestConn()
	engine := NewSyncEngineWithDefaults(context.Background(), &testDialer{conn: conn}, &testSurface{})
	t.Cleanup(engine.Close)

	// edits and file operations are not legal before connecting
	assert.NotEqual(t, nil, engine.OpenFile(5))
	assert.NotEqual(t, nil, engine.CreateFile("a.txt"))
	assert.NotEqual(t, nil, engine.Insert(Point{}, "x"))

	assert.Equal(t, nil, engine.Connect(1))
	// a second connect while connecting is not legal
	assert.NotEqual(t, nil, engine.Connect(1))
}

func TestDialFailure(t *testing.T) {
	surface := &testSurface{}
	engine := NewSyncEngineWithDefaults(
		context.Background(),
		&testDialer{err: fmt.Errorf("connection refused")},
		surface,
	)
	t.Cleanup(engine.Close)

	err := engine.Connect(1)
	assert.NotEqual(t, nil, err)
	assert.Equal(t, StateError, engine.State())
	surface.snapshot(func(s *testSurface) {
		assert.Equal(t, 1, len(s.errors))
	})
}

func TestTransportFailure(t *testing.T) {
	engine, conn, surface := startEngineWithSnapshot(t)

	conn.Close()
	waitFor(t, "error state", func() bool {
		return engine.State() == StateError
	})
	// surfaced exactly once
	surface.snapshot(func(s *testSurface) {
		assert.Equal(t, 1, len(s.errors))
	})

	// session state is discarded
	assert.Equal(t, 0, len(engine.Participants()))
	assert.Equal(t, 0, len(engine.Files()))
}

func TestDisconnectIsSilent(t *testing.T) {
	engine, _, surface := startEngineWithSnapshot(t)

	engine.Disconnect()
	assert.Equal(t, StateDisconnected, engine.State())
	// deliberate teardown is not an error
	time.Sleep(20 * time.Millisecond)
	surface.snapshot(func(s *testSurface) {
		assert.Equal(t, 0, len(s.errors))
	})
}

func TestReconnectRebuildsFromSnapshot(t *testing.T) {
	engine, _, _ := startEngineWithSnapshot(t)

	engine.Disconnect()
	assert.Equal(t, 0, len(engine.Participants()))

	// reconnect re-requests a full snapshot; no delta resume
	conn2 := newTestConn()
	engine2 := NewSyncEngineWithDefaults(context.Background(), &testDialer{conn: conn2}, &testSurface{})
	t.Cleanup(engine2.Close)
	assert.Equal(t, nil, engine2.Connect(1))
	conn2.inbound <- testSnapshotFrame
	waitFor(t, "resnapshot", func() bool {
		return engine2.State() == StateNoFileOpened
	})
	assert.Equal(t, 1, len(engine2.Participants()))
}

// stalledWriteConn reads normally but parks every write until released, then
// fails it.
type stalledWriteConn struct {
	*testConn
	release chan struct{}
}

func (self *stalledWriteConn) WriteFrame(f string) error {
	select {
	case <-self.release:
	case <-self.closed:
	}
	return fmt.Errorf("write failed")
}

func TestWriteFailureWithFullSendBuffer(t *testing.T) {
	conn := &stalledWriteConn{
		testConn: newTestConn(),
		release:  make(chan struct{}),
	}
	surface := &testSurface{}
	engine := NewSyncEngine(
		context.Background(),
		&testDialer{conn: conn},
		surface,
		&SyncEngineSettings{SendBufferSize: 1},
	)
	t.Cleanup(engine.Close)

	assert.Equal(t, nil, engine.Connect(1))
	conn.inbound <- testSnapshotFrame
	waitFor(t, "snapshot", func() bool {
		return engine.State() == StateNoFileOpened
	})

	// the open request parks in the writer, then the first edit fills the
	// send buffer and the second edit blocks waiting for buffer space
	assert.Equal(t, nil, engine.OpenFile(5))
	conn.inbound <- "5 5 "
	waitFor(t, "file opened", func() bool {
		return engine.State() == StateFileOpened
	})
	assert.Equal(t, nil, engine.Insert(Point{Row: 0, Col: 0}, "a"))

	blocked := make(chan error, 1)
	go func() {
		blocked <- engine.Insert(Point{Row: 0, Col: 1}, "b")
	}()
	time.Sleep(50 * time.Millisecond)

	// the write failure must tear the session down and release the blocked
	// caller; no public method may wedge
	close(conn.release)
	select {
	case err := <-blocked:
		assert.NotEqual(t, nil, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("edit still blocked after write failure")
	}
	waitFor(t, "error state", func() bool {
		return engine.State() == StateError
	})
	surface.snapshot(func(s *testSurface) {
		assert.Equal(t, 1, len(s.errors))
	})
}

func TestUserEditOrderPreserved(t *testing.T) {
	engine, conn, _ := startEngineWithSnapshot(t)
	openTestFile(t, engine, conn, 5, "")

	assert.Equal(t, nil, engine.Insert(Point{Row: 0, Col: 0}, "a"))
	assert.Equal(t, nil, engine.Insert(Point{Row: 0, Col: 1}, "b"))
	assert.Equal(t, nil, engine.Insert(Point{Row: 0, Col: 2}, "c"))

	// outbound frames leave in authoring order
	assert.Equal(t, "5 5 0 0 0 0 none a", <-conn.outbound)
	assert.Equal(t, "5 5 0 1 0 1 none b", <-conn.outbound)
	assert.Equal(t, "5 5 0 2 0 2 none c", <-conn.outbound)

	text, _ := engine.DocumentText()
	assert.Equal(t, "abc", text)
}
