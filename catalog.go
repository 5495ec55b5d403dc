package collab

import (
	"strings"

	"golang.org/x/exp/slices"
)

// FileCatalog tracks the files of the project, kept sorted by name
// (case-sensitive ordinal order, stable on ties). Like the session registry
// it is a reconciled cache of server broadcasts; a file is never shown before
// the server confirms it.
type FileCatalog struct {
	announce func(files []FileRecord)

	files []FileRecord
}

func NewFileCatalog(announce func(files []FileRecord)) *FileCatalog {
	if announce == nil {
		announce = func([]FileRecord) {}
	}
	return &FileCatalog{
		announce: announce,
	}
}

func (self *FileCatalog) sort() {
	slices.SortStableFunc(self.files, func(a FileRecord, b FileRecord) int {
		return strings.Compare(a.Name, b.Name)
	})
}

func (self *FileCatalog) ReplaceAll(files []FileRecord) {
	self.files = slices.Clone(files)
	self.sort()
	self.announce(self.Files())
}

func (self *FileCatalog) Add(file FileRecord) {
	self.files = append(self.files, file)
	self.sort()
	self.announce(self.Files())
}

// Remove returns the removed record so the caller can react to the currently
// opened file disappearing. Unknown ids are a silent no-op.
func (self *FileCatalog) Remove(fileId FileId) (FileRecord, bool) {
	i := slices.IndexFunc(self.files, func(f FileRecord) bool {
		return f.Id == fileId
	})
	if i < 0 {
		return FileRecord{}, false
	}
	file := self.files[i]
	self.files = slices.Delete(slices.Clone(self.files), i, i+1)
	self.announce(self.Files())
	return file, true
}

func (self *FileCatalog) Rename(fileId FileId, name string) bool {
	i := slices.IndexFunc(self.files, func(f FileRecord) bool {
		return f.Id == fileId
	})
	if i < 0 {
		return false
	}
	self.files[i].Name = name
	self.sort()
	self.announce(self.Files())
	return true
}

func (self *FileCatalog) Find(fileId FileId) (FileRecord, bool) {
	i := slices.IndexFunc(self.files, func(f FileRecord) bool {
		return f.Id == fileId
	})
	if i < 0 {
		return FileRecord{}, false
	}
	return self.files[i], true
}

func (self *FileCatalog) Files() []FileRecord {
	return slices.Clone(self.files)
}
