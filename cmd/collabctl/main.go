package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/docopt/docopt-go"

	"collabedit.com/collab"
	"collabedit.com/collab/devserver"
)

const CollabCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Collab control.

The default urls are:
    api_url: http://localhost:8090
    ws_url: ws://localhost:8090

Usage:
    collabctl login [--api_url=<api_url>]
        --user=<user>
        --password=<password>
    collabctl projects [--api_url=<api_url>] --jwt=<jwt> [--shared]
    collabctl create-project [--api_url=<api_url>] --jwt=<jwt>
        --name=<name> [--description=<description>]
    collabctl watch [--ws_url=<ws_url>] --jwt=<jwt> <project_id> [--reconnect]
    collabctl create-file [--ws_url=<ws_url>] --jwt=<jwt> <project_id> <name>
    collabctl rename-file [--ws_url=<ws_url>] --jwt=<jwt> <project_id> <file_id> <name>
    collabctl delete-file [--ws_url=<ws_url>] --jwt=<jwt> <project_id> <file_id>
    collabctl serve [--port=<port>] [--db=<db>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --api_url=<api_url>
    --ws_url=<ws_url>
    --user=<user>                    User name.
    --password=<password>
    --jwt=<jwt>                      Your login JWT.
    --shared                         List projects shared with you instead.
    --reconnect                      Reconnect with backoff after errors.
    --name=<name>
    --description=<description>
    --port=<port>                    Dev server listen port [default: 8090].
    --db=<db>                        Dev server database file [default: collab.db].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if projects_, _ := opts.Bool("projects"); projects_ {
		projects(opts)
	} else if createProject_, _ := opts.Bool("create-project"); createProject_ {
		createProject(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if createFile_, _ := opts.Bool("create-file"); createFile_ {
		createFile(opts)
	} else if renameFile_, _ := opts.Bool("rename-file"); renameFile_ {
		renameFile(opts)
	} else if deleteFile_, _ := opts.Bool("delete-file"); deleteFile_ {
		deleteFile(opts)
	} else if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if url, err := opts.String("--api_url"); err == nil && url != "" {
		return url
	}
	return "http://localhost:8090"
}

func wsUrl(opts docopt.Opts) string {
	if url, err := opts.String("--ws_url"); err == nil && url != "" {
		return url
	}
	return "ws://localhost:8090"
}

func login(opts docopt.Opts) {
	user, _ := opts.String("--user")
	password, _ := opts.String("--password")

	api := collab.NewEditorApi(apiUrl(opts))
	result, err := api.AuthLoginSync(&collab.AuthLoginArgs{
		UserAuth: user,
		Password: password,
	})
	if err != nil {
		Err.Fatalf("login error: %s", err)
	}
	if result.Error != nil {
		Err.Fatalf("login rejected: %s", result.Error.Message)
	}
	Out.Printf("%s", result.ByJwt)
}

func projects(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")
	shared, _ := opts.Bool("--shared")

	api := collab.NewEditorApi(apiUrl(opts))
	api.SetByJwt(jwt)

	callback, c := collab.NewBlockingApiCallback[*collab.ProjectsResult]()
	if shared {
		api.SharedProjects(callback)
	} else {
		api.Projects(callback)
	}
	r := <-c
	if r.Error != nil {
		Err.Fatalf("projects error: %s", r.Error)
	}
	for _, project := range r.Result.Projects {
		owner := ""
		if project.Owner != nil {
			owner = project.Owner.Name
		}
		Out.Printf("%d\t%s\t%s\t%s", project.Id, project.Name, owner, project.Description)
	}
}

func createProject(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")
	name, _ := opts.String("--name")
	description, _ := opts.String("--description")

	api := collab.NewEditorApi(apiUrl(opts))
	api.SetByJwt(jwt)
	project, err := api.CreateProjectSync(&collab.CreateProjectArgs{
		Name:        name,
		Description: description,
	})
	if err != nil {
		Err.Fatalf("create project error: %s", err)
	}
	Out.Printf("%d\t%s", project.Id, project.Name)
}

// printSurface renders session events as lines on stdout.
type printSurface struct {
}

func (self *printSurface) RenderDocument(text string) {
	Out.Printf("document:\n%s", text)
}

func (self *printSurface) ApplyRangeReplace(r collab.Range, replacement []string) {
	Out.Printf("change %s (%d lines)", r, len(replacement))
}

func (self *printSurface) ShowParticipants(participants []collab.Participant) {
	for _, p := range participants {
		Out.Printf("participant %s %s", p.Id, p.Name)
	}
}

func (self *printSurface) ShowFiles(files []collab.FileRecord) {
	for _, f := range files {
		Out.Printf("file %d %s", f.Id, f.Name)
	}
}

func (self *printSurface) ShowProjectInfo(project collab.Project) {
	Out.Printf("project %d %s", project.Id, project.Name)
}

func (self *printSurface) ReportError(message string) {
	Out.Printf("error: %s", message)
}

func (self *printSurface) CloseDocumentView() {
	Out.Printf("document closed")
}

func dialer(opts docopt.Opts) *collab.WsTransport {
	jwt, _ := opts.String("--jwt")
	return collab.NewWsTransportWithDefaults(wsUrl(opts), &collab.SessionAuth{
		ByJwt:      jwt,
		InstanceId: collab.NewInstanceId(),
	})
}

func projectIdArg(opts docopt.Opts) int {
	projectIdStr, _ := opts.String("<project_id>")
	projectId, err := strconv.Atoi(projectIdStr)
	if err != nil {
		Err.Fatalf("bad project id %q", projectIdStr)
	}
	return projectId
}

func watch(opts docopt.Opts) {
	reconnect, _ := opts.Bool("--reconnect")
	projectId := projectIdArg(opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		engine := collab.NewSyncEngineWithDefaults(ctx, dialer(opts), &printSurface{})
		if err := engine.Connect(projectId); err != nil {
			Err.Printf("connect error: %s", err)
		} else {
			bo.Reset()
			waitForEnd(ctx, engine)
		}
		engine.Close()

		if !reconnect {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func waitForEnd(ctx context.Context, engine *collab.SyncEngine) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
			switch engine.State() {
			case collab.StateError, collab.StateDisconnected:
				return
			}
		}
	}
}

// withSession runs one operation over a short-lived session: connect, wait
// for the snapshot, act, give the confirmation broadcast a moment, tear down.
func withSession(opts docopt.Opts, action func(engine *collab.SyncEngine) error) {
	projectId := projectIdArg(opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := collab.NewSyncEngineWithDefaults(ctx, dialer(opts), &printSurface{})
	defer engine.Close()

	if err := engine.Connect(projectId); err != nil {
		Err.Fatalf("connect error: %s", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for engine.State() == collab.StateConnecting {
		if deadline.Before(time.Now()) {
			Err.Fatalf("timed out waiting for snapshot")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := action(engine); err != nil {
		Err.Fatalf("error: %s", err)
	}
	time.Sleep(500 * time.Millisecond)
}

func createFile(opts docopt.Opts) {
	name, _ := opts.String("<name>")
	withSession(opts, func(engine *collab.SyncEngine) error {
		return engine.CreateFile(name)
	})
}

func renameFile(opts docopt.Opts) {
	name, _ := opts.String("<name>")
	fileIdStr, _ := opts.String("<file_id>")
	fileId, err := strconv.Atoi(fileIdStr)
	if err != nil {
		Err.Fatalf("bad file id %q", fileIdStr)
	}
	withSession(opts, func(engine *collab.SyncEngine) error {
		return engine.RenameFile(collab.FileId(fileId), name)
	})
}

func deleteFile(opts docopt.Opts) {
	fileIdStr, _ := opts.String("<file_id>")
	fileId, err := strconv.Atoi(fileIdStr)
	if err != nil {
		Err.Fatalf("bad file id %q", fileIdStr)
	}
	withSession(opts, func(engine *collab.SyncEngine) error {
		return engine.DeleteFile(collab.FileId(fileId))
	})
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	dbPath, _ := opts.String("--db")

	store, err := devserver.OpenStore(dbPath)
	if err != nil {
		Err.Fatalf("store error: %s", err)
	}
	defer store.Close()

	server := devserver.NewServerWithDefaults(context.Background(), store)
	defer server.Close()

	addr := fmt.Sprintf(":%d", port)
	Out.Printf("collab dev server listening on %s", addr)
	if err := http.ListenAndServe(addr, server.Router()); err != nil {
		Err.Fatalf("serve error: %s", err)
	}
}
