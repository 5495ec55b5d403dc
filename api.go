package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// The REST metadata collaborator: login and project listing happen here, once,
// before a session starts. It is silent for the rest of the session; file and
// participant state flow over the wire protocol only.

const defaultHttpTimeout = 30 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	callback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return callback, c
}

type EditorApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewEditorApi(apiUrl string) *EditorApi {
	return NewEditorApiWithContext(context.Background(), apiUrl)
}

func NewEditorApiWithContext(ctx context.Context, apiUrl string) *EditorApi {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &EditorApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// SetByJwt attaches the login token to subsequent calls.
func (self *EditorApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

type AuthLoginCallback apiCallback[*AuthLoginResult]

type AuthLoginArgs struct {
	UserAuth string `json:"user_auth"`
	Password string `json:"password"`
}

type AuthLoginResult struct {
	UserName string                `json:"user_name,omitempty"`
	ByJwt    string                `json:"by_jwt,omitempty"`
	Error    *AuthLoginResultError `json:"error,omitempty"`
}

type AuthLoginResultError struct {
	Message string `json:"message"`
}

func (self *EditorApi) AuthLogin(authLogin *AuthLoginArgs, callback AuthLoginCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		authLogin,
		self.byJwt,
		&AuthLoginResult{},
		callback,
	)
}

func (self *EditorApi) AuthLoginSync(authLogin *AuthLoginArgs) (*AuthLoginResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		authLogin,
		self.byJwt,
		&AuthLoginResult{},
		NewNoopApiCallback[*AuthLoginResult](),
	)
}

type ProjectsCallback apiCallback[*ProjectsResult]

type ProjectsResult struct {
	Projects []Project `json:"projects"`
}

// Projects lists the projects owned by the logged-in user.
func (self *EditorApi) Projects(callback ProjectsCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/projects/my", self.apiUrl),
		self.byJwt,
		&ProjectsResult{},
		callback,
	)
}

func (self *EditorApi) ProjectsSync() (*ProjectsResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/projects/my", self.apiUrl),
		self.byJwt,
		&ProjectsResult{},
		NewNoopApiCallback[*ProjectsResult](),
	)
}

// SharedProjects lists the projects shared with the logged-in user.
func (self *EditorApi) SharedProjects(callback ProjectsCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/projects/shared-for-me", self.apiUrl),
		self.byJwt,
		&ProjectsResult{},
		callback,
	)
}

type CreateProjectCallback apiCallback[*Project]

type CreateProjectArgs struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (self *EditorApi) CreateProject(createProject *CreateProjectArgs, callback CreateProjectCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/projects", self.apiUrl),
		createProject,
		self.byJwt,
		&Project{},
		callback,
	)
}

func (self *EditorApi) CreateProjectSync(createProject *CreateProjectArgs) (*Project, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/projects", self.apiUrl),
		createProject,
		self.byJwt,
		&Project{},
		NewNoopApiCallback[*Project](),
	)
}

type ByJwt struct {
	UserId   int
	UserName string
}

// ParseByJwtUnverified reads the claims client side. The server remains the
// verifier; this only recovers the display identity.
func ParseByJwtUnverified(byJwt string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	claims := token.Claims.(gojwt.MapClaims)

	parsed := &ByJwt{}
	if userId, ok := claims["user_id"].(float64); ok {
		parsed.UserId = int(userId)
	}
	if userName, ok := claims["user_name"].(string); ok {
		parsed.UserName = userName
	}
	return parsed, nil
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	req.Header.Add("Content-Type", "application/json")
	if byJwt != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", byJwt))
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}
	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	if byJwt != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", byJwt))
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}
	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
