package collab

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// A frame is a single text message: an opcode character, a space, and an
// opcode-specific payload. Fixed fields are separated by single spaces; the
// final free-form field (file name, file text, replacement text) consumes the
// remainder of the frame including any embedded line breaks, which is why it
// must always come last.
//
// Opcode namespaces are per direction. The same character means different
// things client->server and server->client; direction is known from the
// socket side, so this is not a collision.

const (
	opcodeOutCreateFile         = byte('1')
	opcodeOutDeleteFile         = byte('2')
	opcodeOutRenameFile         = byte('3')
	opcodeOutRequestFileContent = byte('4')
	opcodeOutSubmitChange       = byte('5')
)

const (
	opcodeInParticipantJoined = byte('1')
	opcodeInParticipantLeft   = byte('2')
	opcodeInFileCreated       = byte('3')
	opcodeInFileDeleted       = byte('4')
	opcodeInFileContent       = byte('5')
	opcodeInChangeBroadcast   = byte('6')
	opcodeInProjectSnapshot   = byte('9')
	opcodeInErrorMessage      = byte('a')
)

// OutboundMessage is a client->server protocol message.
type OutboundMessage interface {
	outbound()
}

type CreateFile struct {
	Name string
}

type DeleteFile struct {
	FileId FileId
}

type RenameFile struct {
	FileId FileId
	Name   string
}

type RequestFileContent struct {
	FileId FileId
}

type SubmitChange struct {
	FileId       FileId
	Range        Range
	BaseChangeId ChangeId
	Replacement  []string
}

func (*CreateFile) outbound()         {}
func (*DeleteFile) outbound()         {}
func (*RenameFile) outbound()         {}
func (*RequestFileContent) outbound() {}
func (*SubmitChange) outbound()       {}

// InboundMessage is a server->client protocol message.
type InboundMessage interface {
	inbound()
}

type ParticipantJoined struct {
	Id   SessionId
	Name string
}

type ParticipantLeft struct {
	Id SessionId
}

type FileCreated struct {
	File FileRecord
}

type FileDeleted struct {
	FileId FileId
}

type FileContent struct {
	FileId FileId
	Text   string
}

type ChangeBroadcast struct {
	FileId      FileId
	Range       Range
	ChangeId    ChangeId
	Replacement []string
}

type ProjectSnapshot struct {
	Project      Project       `json:"project"`
	Participants []Participant `json:"participants"`
	Files        []FileRecord  `json:"files"`
}

type ErrorMessage struct {
	Text string
}

// Unrecognized is the decode result for an inbound opcode this client does
// not know. The protocol is forward compatible; the caller logs and drops it.
type Unrecognized struct {
	Opcode  byte
	Payload string
}

func (*ParticipantJoined) inbound() {}
func (*ParticipantLeft) inbound()   {}
func (*FileCreated) inbound()       {}
func (*FileDeleted) inbound()       {}
func (*FileContent) inbound()       {}
func (*ChangeBroadcast) inbound()   {}
func (*ProjectSnapshot) inbound()   {}
func (*ErrorMessage) inbound()      {}
func (*Unrecognized) inbound()      {}

func frame(opcode byte, payload string) string {
	return fmt.Sprintf("%c %s", opcode, payload)
}

func joinLines(lines []string) string {
	return strings.Join(lines, "\n")
}

// splitLines is the inverse of joinLines for the wire: an empty content field
// decodes to a nil replacement, which is a pure deletion.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// EncodeOutbound encodes a client->server message as a frame.
func EncodeOutbound(message OutboundMessage) (string, error) {
	switch v := message.(type) {
	case *CreateFile:
		return frame(opcodeOutCreateFile, v.Name), nil
	case *DeleteFile:
		return frame(opcodeOutDeleteFile, strconv.Itoa(int(v.FileId))), nil
	case *RenameFile:
		return frame(opcodeOutRenameFile, fmt.Sprintf("%d %s", v.FileId, v.Name)), nil
	case *RequestFileContent:
		return frame(opcodeOutRequestFileContent, strconv.Itoa(int(v.FileId))), nil
	case *SubmitChange:
		payload := fmt.Sprintf(
			"%d %d %d %d %d %s %s",
			v.FileId,
			v.Range.Start.Row,
			v.Range.Start.Col,
			v.Range.End.Row,
			v.Range.End.Col,
			v.BaseChangeId,
			joinLines(v.Replacement),
		)
		return frame(opcodeOutSubmitChange, payload), nil
	default:
		return "", fmt.Errorf("unknown outbound message type: %T", v)
	}
}

// EncodeInbound encodes a server->client message as a frame. This is the
// server side of the codec.
func EncodeInbound(message InboundMessage) (string, error) {
	switch v := message.(type) {
	case *ParticipantJoined:
		return frame(opcodeInParticipantJoined, fmt.Sprintf("%s %s", v.Id, v.Name)), nil
	case *ParticipantLeft:
		return frame(opcodeInParticipantLeft, string(v.Id)), nil
	case *FileCreated:
		return frame(opcodeInFileCreated, fmt.Sprintf("%d %s", v.File.Id, v.File.Name)), nil
	case *FileDeleted:
		return frame(opcodeInFileDeleted, strconv.Itoa(int(v.FileId))), nil
	case *FileContent:
		return frame(opcodeInFileContent, fmt.Sprintf("%d %s", v.FileId, v.Text)), nil
	case *ChangeBroadcast:
		payload := fmt.Sprintf(
			"%d %d %d %d %d %s %s",
			v.FileId,
			v.Range.Start.Row,
			v.Range.Start.Col,
			v.Range.End.Row,
			v.Range.End.Col,
			v.ChangeId,
			joinLines(v.Replacement),
		)
		return frame(opcodeInChangeBroadcast, payload), nil
	case *ProjectSnapshot:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return frame(opcodeInProjectSnapshot, string(b)), nil
	case *ErrorMessage:
		return frame(opcodeInErrorMessage, v.Text), nil
	case *Unrecognized:
		return "", fmt.Errorf("cannot encode unrecognized message")
	default:
		return "", fmt.Errorf("unknown inbound message type: %T", v)
	}
}

func splitFrame(f string) (byte, string, error) {
	if len(f) == 0 {
		return 0, "", fmt.Errorf("empty frame")
	}
	opcode := f[0]
	if len(f) == 1 {
		return opcode, "", nil
	}
	if f[1] != ' ' {
		return 0, "", fmt.Errorf("missing separator after opcode %q", opcode)
	}
	return opcode, f[2:], nil
}

// splitPayload splits the first fieldCount space-separated fields off the
// payload and returns them with the remainder. The remainder is the final
// free-form field and may be empty.
func splitPayload(payload string, fieldCount int) ([]string, string, error) {
	fields := make([]string, fieldCount)
	rest := payload
	for i := 0; i < fieldCount; i += 1 {
		j := strings.IndexByte(rest, ' ')
		if j < 0 {
			if rest == "" {
				return nil, "", fmt.Errorf("expected %d fields, found %d", fieldCount, i)
			}
			fields[i] = rest
			rest = ""
			continue
		}
		fields[i] = rest[:j]
		rest = rest[j+1:]
		if fields[i] == "" {
			return nil, "", fmt.Errorf("empty field %d", i)
		}
	}
	return fields, rest, nil
}

func parseFileId(field string) (FileId, error) {
	id, err := strconv.Atoi(field)
	if err != nil {
		return 0, fmt.Errorf("bad file id %q", field)
	}
	return FileId(id), nil
}

func parseRange(fields []string) (Range, error) {
	coords := [4]int{}
	for i, field := range fields {
		c, err := strconv.Atoi(field)
		if err != nil || c < 0 {
			return Range{}, fmt.Errorf("bad range coordinate %q", field)
		}
		coords[i] = c
	}
	return Range{
		Start: Point{Row: coords[0], Col: coords[1]},
		End:   Point{Row: coords[2], Col: coords[3]},
	}, nil
}

// DecodeInbound decodes a server->client frame. An unknown opcode is not an
// error; it decodes to *Unrecognized so the caller can log and drop it.
func DecodeInbound(f string) (InboundMessage, error) {
	opcode, payload, err := splitFrame(f)
	if err != nil {
		return nil, err
	}
	switch opcode {
	case opcodeInParticipantJoined:
		fields, name, err := splitPayload(payload, 1)
		if err != nil {
			return nil, err
		}
		return &ParticipantJoined{Id: SessionId(fields[0]), Name: name}, nil
	case opcodeInParticipantLeft:
		if payload == "" {
			return nil, fmt.Errorf("participantLeft: missing session id")
		}
		return &ParticipantLeft{Id: SessionId(payload)}, nil
	case opcodeInFileCreated:
		fields, name, err := splitPayload(payload, 1)
		if err != nil {
			return nil, err
		}
		fileId, err := parseFileId(fields[0])
		if err != nil {
			return nil, err
		}
		return &FileCreated{File: FileRecord{Id: fileId, Name: name}}, nil
	case opcodeInFileDeleted:
		fileId, err := parseFileId(payload)
		if err != nil {
			return nil, err
		}
		return &FileDeleted{FileId: fileId}, nil
	case opcodeInFileContent:
		fields, text, err := splitPayload(payload, 1)
		if err != nil {
			return nil, err
		}
		fileId, err := parseFileId(fields[0])
		if err != nil {
			return nil, err
		}
		return &FileContent{FileId: fileId, Text: text}, nil
	case opcodeInChangeBroadcast:
		fields, text, err := splitPayload(payload, 6)
		if err != nil {
			return nil, err
		}
		fileId, err := parseFileId(fields[0])
		if err != nil {
			return nil, err
		}
		r, err := parseRange(fields[1:5])
		if err != nil {
			return nil, err
		}
		return &ChangeBroadcast{
			FileId:      fileId,
			Range:       r,
			ChangeId:    ChangeId(fields[5]),
			Replacement: splitLines(text),
		}, nil
	case opcodeInProjectSnapshot:
		snapshot := &ProjectSnapshot{}
		if err := json.Unmarshal([]byte(payload), snapshot); err != nil {
			return nil, fmt.Errorf("bad snapshot payload: %w", err)
		}
		return snapshot, nil
	case opcodeInErrorMessage:
		return &ErrorMessage{Text: payload}, nil
	default:
		return &Unrecognized{Opcode: opcode, Payload: payload}, nil
	}
}

// DecodeOutbound decodes a client->server frame. This is the server side of
// the codec.
func DecodeOutbound(f string) (OutboundMessage, error) {
	opcode, payload, err := splitFrame(f)
	if err != nil {
		return nil, err
	}
	switch opcode {
	case opcodeOutCreateFile:
		if payload == "" {
			return nil, fmt.Errorf("createFile: missing name")
		}
		return &CreateFile{Name: payload}, nil
	case opcodeOutDeleteFile:
		fileId, err := parseFileId(payload)
		if err != nil {
			return nil, err
		}
		return &DeleteFile{FileId: fileId}, nil
	case opcodeOutRenameFile:
		fields, name, err := splitPayload(payload, 1)
		if err != nil {
			return nil, err
		}
		fileId, err := parseFileId(fields[0])
		if err != nil {
			return nil, err
		}
		if name == "" {
			return nil, fmt.Errorf("renameFile: missing name")
		}
		return &RenameFile{FileId: fileId, Name: name}, nil
	case opcodeOutRequestFileContent:
		fileId, err := parseFileId(payload)
		if err != nil {
			return nil, err
		}
		return &RequestFileContent{FileId: fileId}, nil
	case opcodeOutSubmitChange:
		fields, text, err := splitPayload(payload, 6)
		if err != nil {
			return nil, err
		}
		fileId, err := parseFileId(fields[0])
		if err != nil {
			return nil, err
		}
		r, err := parseRange(fields[1:5])
		if err != nil {
			return nil, err
		}
		return &SubmitChange{
			FileId:       fileId,
			Range:        r,
			BaseChangeId: ChangeId(fields[5]),
			Replacement:  splitLines(text),
		}, nil
	default:
		return nil, fmt.Errorf("unknown outbound opcode %q", opcode)
	}
}
