package collab

import (
	"golang.org/x/exp/slices"
)

// SessionRegistry tracks the participants attached to the project session,
// including the local user. It is a cache of server notifications, never
// locally invented.
//
// Every mutation announces the full current list; the rendering collaborator
// stays stateless.
type SessionRegistry struct {
	announce func(participants []Participant)

	participants []Participant
}

func NewSessionRegistry(announce func(participants []Participant)) *SessionRegistry {
	if announce == nil {
		announce = func([]Participant) {}
	}
	return &SessionRegistry{
		announce: announce,
	}
}

// ReplaceAll replaces the set wholesale, as on an initial project snapshot.
func (self *SessionRegistry) ReplaceAll(participants []Participant) {
	self.participants = slices.Clone(participants)
	self.announce(self.Participants())
}

func (self *SessionRegistry) Add(id SessionId, name string) {
	i := slices.IndexFunc(self.participants, func(p Participant) bool {
		return p.Id == id
	})
	if 0 <= i {
		// duplicate join notification, refresh the name
		self.participants[i].Name = name
	} else {
		self.participants = append(self.participants, Participant{Id: id, Name: name})
	}
	self.announce(self.Participants())
}

// Remove is idempotent: an unknown id is a silent no-op so duplicate "left"
// notifications are harmless.
func (self *SessionRegistry) Remove(id SessionId) {
	i := slices.IndexFunc(self.participants, func(p Participant) bool {
		return p.Id == id
	})
	if i < 0 {
		return
	}
	self.participants = slices.Delete(slices.Clone(self.participants), i, i+1)
	self.announce(self.Participants())
}

func (self *SessionRegistry) Participants() []Participant {
	return slices.Clone(self.participants)
}
