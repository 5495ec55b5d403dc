package collab

import (
	"github.com/oklog/ulid/v2"
)

// FileId is a server-assigned file identifier, unique within a project.
type FileId int

// SessionId is a server-assigned opaque identifier for one connected
// participant of a project.
type SessionId string

// ChangeId identifies one entry in the server's totally ordered change
// history for a project. Clients never mint change ids; they only echo the
// last one they have applied.
type ChangeId string

// NoChangeId is the sentinel sent before any remote change has been applied.
const NoChangeId = ChangeId("none")

type User struct {
	Id   int    `json:"id"`
	Name string `json:"name"`
}

// Project is loaded once when a session is established and is read-only to
// this package.
type Project struct {
	Id          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Owner       *User  `json:"owner,omitempty"`
}

// FileRecord is one file in the project catalog. The id is immutable; the
// name is unique within the project and mutable via rename.
type FileRecord struct {
	Id   FileId `json:"id"`
	Name string `json:"name"`
}

// Participant is one connected editor of the project, including the local
// user.
type Participant struct {
	Id   SessionId `json:"id"`
	Name string    `json:"name"`
}

// NewInstanceId returns a fresh id for one client process instance. It is
// sent on dial so the server can tell apart multiple connections by the same
// user.
func NewInstanceId() string {
	return ulid.Make().String()
}
