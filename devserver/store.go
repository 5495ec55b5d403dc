package devserver

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"collabedit.com/collab"
)

// Store persists users, projects, files, and file contents for the dev
// server. It is the server-side source of truth the client catalogs are
// reconciled against.

var bucketUsers = []byte("users")
var bucketProjects = []byte("projects")
var bucketFiles = []byte("files")
var bucketContents = []byte("contents")

type Store struct {
	db *bolt.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketUsers, bucketProjects, bucketFiles, bucketContents} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{
		db: db,
	}, nil
}

func (self *Store) Close() error {
	return self.db.Close()
}

func itob(v int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func fileKey(projectId int, fileId collab.FileId) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b, uint64(projectId))
	binary.BigEndian.PutUint64(b[8:], uint64(fileId))
	return b
}

func fileKeyProject(key []byte) int {
	return int(binary.BigEndian.Uint64(key[:8]))
}

// EnsureUser returns the user with the given name, creating it on first
// login.
func (self *Store) EnsureUser(name string) (collab.User, error) {
	var user collab.User
	err := self.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		if b := users.Get([]byte(name)); b != nil {
			return json.Unmarshal(b, &user)
		}
		id, err := users.NextSequence()
		if err != nil {
			return err
		}
		user = collab.User{Id: int(id), Name: name}
		b, err := json.Marshal(user)
		if err != nil {
			return err
		}
		return users.Put([]byte(name), b)
	})
	return user, err
}

func (self *Store) CreateProject(name string, description string, owner collab.User) (collab.Project, error) {
	var project collab.Project
	err := self.db.Update(func(tx *bolt.Tx) error {
		projects := tx.Bucket(bucketProjects)
		id, err := projects.NextSequence()
		if err != nil {
			return err
		}
		project = collab.Project{
			Id:          int(id),
			Name:        name,
			Description: description,
			Owner:       &owner,
		}
		b, err := json.Marshal(project)
		if err != nil {
			return err
		}
		return projects.Put(itob(project.Id), b)
	})
	return project, err
}

func (self *Store) Projects() ([]collab.Project, error) {
	projects := []collab.Project{}
	err := self.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProjects).ForEach(func(k []byte, v []byte) error {
			var project collab.Project
			if err := json.Unmarshal(v, &project); err != nil {
				return err
			}
			projects = append(projects, project)
			return nil
		})
	})
	return projects, err
}

func (self *Store) Project(projectId int) (collab.Project, bool, error) {
	var project collab.Project
	found := false
	err := self.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects).Get(itob(projectId))
		if b == nil {
			return nil
		}
		found = true
		return json.Unmarshal(b, &project)
	})
	return project, found, err
}

func (self *Store) Files(projectId int) ([]collab.FileRecord, error) {
	files := []collab.FileRecord{}
	err := self.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(k []byte, v []byte) error {
			if fileKeyProject(k) != projectId {
				return nil
			}
			var file collab.FileRecord
			if err := json.Unmarshal(v, &file); err != nil {
				return err
			}
			files = append(files, file)
			return nil
		})
	})
	return files, err
}

// CreateFile creates an empty file. Names are unique within a project.
func (self *Store) CreateFile(projectId int, name string) (collab.FileRecord, error) {
	var file collab.FileRecord
	err := self.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		duplicate := false
		err := files.ForEach(func(k []byte, v []byte) error {
			if fileKeyProject(k) != projectId {
				return nil
			}
			var existing collab.FileRecord
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.Name == name {
				duplicate = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if duplicate {
			return fmt.Errorf("file %q already exists in this project", name)
		}
		id, err := files.NextSequence()
		if err != nil {
			return err
		}
		file = collab.FileRecord{Id: collab.FileId(id), Name: name}
		b, err := json.Marshal(file)
		if err != nil {
			return err
		}
		if err := files.Put(fileKey(projectId, file.Id), b); err != nil {
			return err
		}
		return tx.Bucket(bucketContents).Put(fileKey(projectId, file.Id), []byte{})
	})
	return file, err
}

func (self *Store) DeleteFile(projectId int, fileId collab.FileId) (bool, error) {
	found := false
	err := self.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		key := fileKey(projectId, fileId)
		if files.Get(key) == nil {
			return nil
		}
		found = true
		if err := files.Delete(key); err != nil {
			return err
		}
		return tx.Bucket(bucketContents).Delete(key)
	})
	return found, err
}

func (self *Store) RenameFile(projectId int, fileId collab.FileId, name string) (collab.FileRecord, error) {
	var file collab.FileRecord
	err := self.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		key := fileKey(projectId, fileId)
		b := files.Get(key)
		if b == nil {
			return fmt.Errorf("no file with id %d", fileId)
		}
		duplicate := false
		err := files.ForEach(func(k []byte, v []byte) error {
			if fileKeyProject(k) != projectId {
				return nil
			}
			var existing collab.FileRecord
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.Name == name && existing.Id != fileId {
				duplicate = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if duplicate {
			return fmt.Errorf("file %q already exists in this project", name)
		}
		if err := json.Unmarshal(b, &file); err != nil {
			return err
		}
		file.Name = name
		next, err := json.Marshal(file)
		if err != nil {
			return err
		}
		return files.Put(key, next)
	})
	return file, err
}

func (self *Store) FileContent(projectId int, fileId collab.FileId) (string, bool, error) {
	text := ""
	found := false
	err := self.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContents).Get(fileKey(projectId, fileId))
		if b == nil {
			return nil
		}
		found = true
		text = string(b)
		return nil
	})
	return text, found, err
}

func (self *Store) SetFileContent(projectId int, fileId collab.FileId, text string) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		key := fileKey(projectId, fileId)
		if tx.Bucket(bucketFiles).Get(key) == nil {
			return fmt.Errorf("no file with id %d", fileId)
		}
		return tx.Bucket(bucketContents).Put(key, []byte(text))
	})
}
