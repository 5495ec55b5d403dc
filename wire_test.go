package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestEncodeOutbound(t *testing.T) {
	f, err := EncodeOutbound(&CreateFile{Name: "a.txt"})
	assert.Equal(t, nil, err)
	assert.Equal(t, "1 a.txt", f)

	f, err = EncodeOutbound(&DeleteFile{FileId: 7})
	assert.Equal(t, nil, err)
	assert.Equal(t, "2 7", f)

	f, err = EncodeOutbound(&RenameFile{FileId: 5, Name: "b.txt"})
	assert.Equal(t, nil, err)
	assert.Equal(t, "3 5 b.txt", f)

	f, err = EncodeOutbound(&RequestFileContent{FileId: 5})
	assert.Equal(t, nil, err)
	assert.Equal(t, "4 5", f)

	f, err = EncodeOutbound(&SubmitChange{
		FileId:       5,
		Range:        NewRange(0, 0, 0, 0),
		BaseChangeId: NoChangeId,
		Replacement:  []string{"x"},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, "5 5 0 0 0 0 none x", f)
}

func TestSubmitChangeRoundTrip(t *testing.T) {
	submits := []*SubmitChange{
		{
			FileId:       5,
			Range:        NewRange(0, 0, 0, 0),
			BaseChangeId: NoChangeId,
			Replacement:  []string{"x"},
		},
		{
			// multi-line replacement with embedded line break
			FileId:       12,
			Range:        NewRange(1, 2, 3, 4),
			BaseChangeId: ChangeId("41"),
			Replacement:  []string{"first line", "", "third line"},
		},
		{
			// pure deletion
			FileId:       12,
			Range:        NewRange(0, 1, 2, 0),
			BaseChangeId: ChangeId("7"),
			Replacement:  nil,
		},
		{
			// replacement containing spaces
			FileId:       3,
			Range:        NewRange(0, 0, 0, 5),
			BaseChangeId: NoChangeId,
			Replacement:  []string{"a b c"},
		},
	}
	for _, submit := range submits {
		f, err := EncodeOutbound(submit)
		assert.Equal(t, nil, err)
		decoded, err := DecodeOutbound(f)
		assert.Equal(t, nil, err)
		assert.Equal(t, submit, decoded)
	}
}

func TestDecodeInbound(t *testing.T) {
	message, err := DecodeInbound("1 s1 Al Smith")
	assert.Equal(t, nil, err)
	assert.Equal(t, &ParticipantJoined{Id: "s1", Name: "Al Smith"}, message)

	message, err = DecodeInbound("2 s1")
	assert.Equal(t, nil, err)
	assert.Equal(t, &ParticipantLeft{Id: "s1"}, message)

	message, err = DecodeInbound("3 7 b.txt")
	assert.Equal(t, nil, err)
	assert.Equal(t, &FileCreated{File: FileRecord{Id: 7, Name: "b.txt"}}, message)

	message, err = DecodeInbound("4 7")
	assert.Equal(t, nil, err)
	assert.Equal(t, &FileDeleted{FileId: 7}, message)

	message, err = DecodeInbound("5 5 hello")
	assert.Equal(t, nil, err)
	assert.Equal(t, &FileContent{FileId: 5, Text: "hello"}, message)

	// the content field consumes embedded line breaks
	message, err = DecodeInbound("5 5 hello\nworld")
	assert.Equal(t, nil, err)
	assert.Equal(t, &FileContent{FileId: 5, Text: "hello\nworld"}, message)

	message, err = DecodeInbound("6 5 0 0 0 0 42 x")
	assert.Equal(t, nil, err)
	assert.Equal(t, &ChangeBroadcast{
		FileId:      5,
		Range:       NewRange(0, 0, 0, 0),
		ChangeId:    "42",
		Replacement: []string{"x"},
	}, message)

	message, err = DecodeInbound("a file already exists")
	assert.Equal(t, nil, err)
	assert.Equal(t, &ErrorMessage{Text: "file already exists"}, message)
}

func TestDecodeSnapshot(t *testing.T) {
	payload := `{"project":{"id":1,"name":"P"},"participants":[{"id":"s1","name":"Al"}],"files":[{"id":5,"name":"a.txt"}]}`
	message, err := DecodeInbound("9 " + payload)
	assert.Equal(t, nil, err)
	assert.Equal(t, &ProjectSnapshot{
		Project:      Project{Id: 1, Name: "P"},
		Participants: []Participant{{Id: "s1", Name: "Al"}},
		Files:        []FileRecord{{Id: 5, Name: "a.txt"}},
	}, message)

	snapshot := &ProjectSnapshot{
		Project:      Project{Id: 2, Name: "Q", Description: "d", Owner: &User{Id: 9, Name: "o"}},
		Participants: []Participant{},
		Files:        []FileRecord{},
	}
	f, err := EncodeInbound(snapshot)
	assert.Equal(t, nil, err)
	decoded, err := DecodeInbound(f)
	assert.Equal(t, nil, err)
	assert.Equal(t, snapshot, decoded)
}

func TestDecodeUnrecognizedOpcode(t *testing.T) {
	// forward compatible: unknown inbound opcodes are not an error
	message, err := DecodeInbound("z something new")
	assert.Equal(t, nil, err)
	assert.Equal(t, &Unrecognized{Opcode: 'z', Payload: "something new"}, message)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := DecodeInbound("")
	assert.NotEqual(t, nil, err)

	// wrong field count
	_, err = DecodeInbound("6 5 0 0")
	assert.NotEqual(t, nil, err)

	// non-numeric file id
	_, err = DecodeInbound("4 seven")
	assert.NotEqual(t, nil, err)

	// non-numeric range coordinate
	_, err = DecodeInbound("6 5 0 x 0 0 42 a")
	assert.NotEqual(t, nil, err)

	// bad snapshot json
	_, err = DecodeInbound("9 {not json")
	assert.NotEqual(t, nil, err)

	_, err = DecodeOutbound("")
	assert.NotEqual(t, nil, err)

	// unknown outbound opcodes are an error on the server side
	_, err = DecodeOutbound("z 1")
	assert.NotEqual(t, nil, err)
}

func TestEncodeInboundChangeBroadcast(t *testing.T) {
	broadcast := &ChangeBroadcast{
		FileId:      5,
		Range:       NewRange(0, 0, 0, 0),
		ChangeId:    "42",
		Replacement: []string{"x"},
	}
	f, err := EncodeInbound(broadcast)
	assert.Equal(t, nil, err)
	assert.Equal(t, "6 5 0 0 0 0 42 x", f)

	decoded, err := DecodeInbound(f)
	assert.Equal(t, nil, err)
	assert.Equal(t, broadcast, decoded)
}
