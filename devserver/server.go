package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"collabedit.com/collab"
)

// Server is a development-grade editor server: one hub per project, a
// serialized change history per hub, snapshot on join, and REST endpoints for
// login and project listing. It speaks the same frames the client core does,
// which makes it the other half of the integration tests and the cli.

type ServerSettings struct {
	JwtSecret      []byte
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingTimeout    time.Duration
	SendBufferSize int
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		JwtSecret:      []byte("devserver-not-a-secret"),
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    15 * time.Second,
		PingTimeout:    4 * time.Second,
		SendBufferSize: 32,
	}
}

type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    *Store
	settings *ServerSettings

	stateLock sync.Mutex
	hubs      map[int]*projectHub
}

func NewServerWithDefaults(ctx context.Context, store *Store) *Server {
	return NewServer(ctx, store, DefaultServerSettings())
}

func NewServer(ctx context.Context, store *Store, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Server{
		ctx:      cancelCtx,
		cancel:   cancel,
		store:    store,
		settings: settings,
		hubs:     map[int]*projectHub{},
	}
}

func (self *Server) Close() {
	self.cancel()
}

func (self *Server) Router() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/auth/login", self.authLogin).Methods("POST")
	router.HandleFunc("/projects/my", self.myProjects).Methods("GET")
	router.HandleFunc("/projects/shared-for-me", self.sharedProjects).Methods("GET")
	router.HandleFunc("/projects", self.createProject).Methods("POST")
	router.HandleFunc("/ws/{projectId}", self.serveWs)
	return router
}

func (self *Server) hub(projectId int) *projectHub {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	hub, ok := self.hubs[projectId]
	if !ok {
		hub = &projectHub{
			server:    self,
			projectId: projectId,
			clients:   map[collab.SessionId]*hubClient{},
		}
		self.hubs[projectId] = hub
	}
	return hub
}

// dropHub removes a hub whose last client left. The change-id sequence resets
// with the hub; ids only need to be ordered within a session's lifetime.
func (self *Server) dropHub(hub *projectHub) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.hubs[hub.projectId] == hub {
		delete(self.hubs, hub.projectId)
	}
}

func (self *Server) hubCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.hubs)
}

// the dev server trusts any login and creates the user on first sight
func (self *Server) authLogin(w http.ResponseWriter, r *http.Request) {
	args := struct {
		UserAuth string `json:"user_auth"`
		Password string `json:"password"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil || args.UserAuth == "" {
		http.Error(w, "bad login args", http.StatusBadRequest)
		return
	}
	user, err := self.store.EnsureUser(args.UserAuth)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id":   user.Id,
		"user_name": user.Name,
		"iat":       time.Now().Unix(),
	})
	byJwt, err := token.SignedString(self.settings.JwtSecret)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJson(w, map[string]any{
		"user_name": user.Name,
		"by_jwt":    byJwt,
	})
}

func (self *Server) requireUser(r *http.Request) (collab.User, error) {
	byJwt := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		byJwt = strings.TrimPrefix(auth, "Bearer ")
	} else if token := r.URL.Query().Get("token"); token != "" {
		byJwt = token
	}
	if byJwt == "" {
		return collab.User{}, fmt.Errorf("missing token")
	}
	token, err := gojwt.Parse(byJwt, func(t *gojwt.Token) (any, error) {
		return self.settings.JwtSecret, nil
	})
	if err != nil {
		return collab.User{}, err
	}
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return collab.User{}, fmt.Errorf("bad claims")
	}
	userId, _ := claims["user_id"].(float64)
	userName, _ := claims["user_name"].(string)
	if userName == "" {
		return collab.User{}, fmt.Errorf("bad claims")
	}
	return collab.User{Id: int(userId), Name: userName}, nil
}

func (self *Server) myProjects(w http.ResponseWriter, r *http.Request) {
	user, err := self.requireUser(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	projects, err := self.store.Projects()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	owned := []collab.Project{}
	for _, project := range projects {
		if project.Owner != nil && project.Owner.Id == user.Id {
			owned = append(owned, project)
		}
	}
	writeJson(w, map[string]any{"projects": owned})
}

// every project is shared with every user on the dev server
func (self *Server) sharedProjects(w http.ResponseWriter, r *http.Request) {
	user, err := self.requireUser(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	projects, err := self.store.Projects()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	shared := []collab.Project{}
	for _, project := range projects {
		if project.Owner == nil || project.Owner.Id != user.Id {
			shared = append(shared, project)
		}
	}
	writeJson(w, map[string]any{"projects": shared})
}

func (self *Server) createProject(w http.ResponseWriter, r *http.Request) {
	user, err := self.requireUser(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	args := struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil || args.Name == "" {
		http.Error(w, "bad project args", http.StatusBadRequest)
		return
	}
	project, err := self.store.CreateProject(args.Name, args.Description, user)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJson(w, project)
}

func writeJson(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (self *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	user, err := self.requireUser(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	projectId, err := strconv.Atoi(mux.Vars(r)["projectId"])
	if err != nil {
		http.Error(w, "bad project id", http.StatusBadRequest)
		return
	}
	project, found, err := self.store.Project(projectId)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "no such project", http.StatusNotFound)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[ds]upgrade error = %s\n", err)
		return
	}

	client := &hubClient{
		sessionId: collab.SessionId(uuid.NewString()),
		userName:  user.Name,
		ws:        ws,
		send:      make(chan string, self.settings.SendBufferSize),
		done:      make(chan struct{}),
	}
	go client.writePump(self.settings)
	// a hub fetched just as its last client leaves may already be pruned
	hub := self.hub(projectId)
	for !hub.join(client, project) {
		hub = self.hub(projectId)
	}
	defer hub.leave(client)

	for {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[ds]%s<- closed = %s\n", client.sessionId, err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if len(message) == 0 {
			// heartbeat
			continue
		}
		outbound, err := collab.DecodeOutbound(string(message))
		if err != nil {
			glog.Infof("[ds]drop malformed frame = %s\n", err)
			continue
		}
		hub.handle(client, outbound)
	}
}

type hubClient struct {
	sessionId collab.SessionId
	userName  string

	ws   *websocket.Conn
	send chan string

	closeOnce sync.Once
	done      chan struct{}
}

func (self *hubClient) writePump(settings *ServerSettings) {
	defer self.ws.Close()
	for {
		select {
		case <-self.done:
			return
		case f := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		case <-time.After(settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, []byte{}); err != nil {
				return
			}
		}
	}
}

func (self *hubClient) close() {
	self.closeOnce.Do(func() {
		close(self.done)
	})
}

func (self *hubClient) deliver(message collab.InboundMessage) {
	f, err := collab.EncodeInbound(message)
	if err != nil {
		glog.Infof("[ds]encode error = %s\n", err)
		return
	}
	select {
	case self.send <- f:
	default:
		// slow consumer, drop the connection rather than stall the hub
		glog.Infof("[ds]%s backpressure, closing\n", self.sessionId)
		self.close()
	}
}

// projectHub serializes all activity for one project: joins, leaves, file
// lifecycle, and the change history. Total order of change ids falls out of
// the hub lock.
type projectHub struct {
	server    *Server
	projectId int

	stateLock    sync.Mutex
	clients      map[collab.SessionId]*hubClient
	nextChangeId uint64
	// pruned from the server's hub map, no longer joinable
	dead bool
}

func (self *projectHub) join(client *hubClient, project collab.Project) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.dead {
		return false
	}

	self.broadcastLocked(&collab.ParticipantJoined{
		Id:   client.sessionId,
		Name: client.userName,
	}, "")

	self.clients[client.sessionId] = client

	participants := []collab.Participant{}
	for _, c := range self.clients {
		participants = append(participants, collab.Participant{
			Id:   c.sessionId,
			Name: c.userName,
		})
	}
	files, err := self.server.store.Files(self.projectId)
	if err != nil {
		glog.Infof("[ds]files error = %s\n", err)
	}
	client.deliver(&collab.ProjectSnapshot{
		Project:      project,
		Participants: participants,
		Files:        files,
	})
	glog.V(1).Infof("[ds]join %s project=%d n=%d\n", client.sessionId, self.projectId, len(self.clients))
	return true
}

func (self *projectHub) leave(client *hubClient) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.clients[client.sessionId]; !ok {
		return
	}
	delete(self.clients, client.sessionId)
	client.close()
	self.broadcastLocked(&collab.ParticipantLeft{Id: client.sessionId}, "")
	glog.V(1).Infof("[ds]leave %s project=%d n=%d\n", client.sessionId, self.projectId, len(self.clients))

	if len(self.clients) == 0 {
		self.dead = true
		self.server.dropHub(self)
	}
}

func (self *projectHub) broadcastLocked(message collab.InboundMessage, exclude collab.SessionId) {
	for sessionId, client := range self.clients {
		if sessionId == exclude {
			continue
		}
		client.deliver(message)
	}
}

func (self *projectHub) handle(client *hubClient, message collab.OutboundMessage) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	store := self.server.store
	switch v := message.(type) {
	case *collab.CreateFile:
		file, err := store.CreateFile(self.projectId, v.Name)
		if err != nil {
			client.deliver(&collab.ErrorMessage{Text: err.Error()})
			return
		}
		self.broadcastLocked(&collab.FileCreated{File: file}, "")
	case *collab.DeleteFile:
		found, err := store.DeleteFile(self.projectId, v.FileId)
		if err != nil {
			client.deliver(&collab.ErrorMessage{Text: err.Error()})
			return
		}
		if !found {
			client.deliver(&collab.ErrorMessage{Text: fmt.Sprintf("no file with id %d", v.FileId)})
			return
		}
		self.broadcastLocked(&collab.FileDeleted{FileId: v.FileId}, "")
	case *collab.RenameFile:
		file, err := store.RenameFile(self.projectId, v.FileId, v.Name)
		if err != nil {
			client.deliver(&collab.ErrorMessage{Text: err.Error()})
			return
		}
		// the created opcode doubles as the rename confirmation
		self.broadcastLocked(&collab.FileCreated{File: file}, "")
	case *collab.RequestFileContent:
		text, found, err := store.FileContent(self.projectId, v.FileId)
		if err != nil {
			client.deliver(&collab.ErrorMessage{Text: err.Error()})
			return
		}
		if !found {
			client.deliver(&collab.ErrorMessage{Text: fmt.Sprintf("no file with id %d", v.FileId)})
			return
		}
		client.deliver(&collab.FileContent{FileId: v.FileId, Text: text})
	case *collab.SubmitChange:
		self.applyChangeLocked(client, v)
	}
}

// applyChangeLocked folds one submitted change into the stored content and
// broadcasts it with the next change id. The author is excluded: it already
// applied the edit locally. The submitted baseChangeId is recorded in the log
// only; the hub's serialization is the order authority.
func (self *projectHub) applyChangeLocked(client *hubClient, change *collab.SubmitChange) {
	store := self.server.store
	text, found, err := store.FileContent(self.projectId, change.FileId)
	if err != nil {
		client.deliver(&collab.ErrorMessage{Text: err.Error()})
		return
	}
	if !found {
		client.deliver(&collab.ErrorMessage{Text: fmt.Sprintf("no file with id %d", change.FileId)})
		return
	}
	doc := collab.NewDocument(text)
	if err := doc.Apply(change.Range, change.Replacement); err != nil {
		client.deliver(&collab.ErrorMessage{Text: fmt.Sprintf("rejected change: %s", err)})
		return
	}
	if err := store.SetFileContent(self.projectId, change.FileId, doc.Text()); err != nil {
		client.deliver(&collab.ErrorMessage{Text: err.Error()})
		return
	}
	self.nextChangeId += 1
	changeId := collab.ChangeId(strconv.FormatUint(self.nextChangeId, 10))
	glog.V(2).Infof(
		"[ds]change %s file=%d base=%s by %s\n",
		changeId, change.FileId, change.BaseChangeId, client.sessionId,
	)
	self.broadcastLocked(&collab.ChangeBroadcast{
		FileId:      change.FileId,
		Range:       change.Range,
		ChangeId:    changeId,
		Replacement: change.Replacement,
	}, client.sessionId)
}
