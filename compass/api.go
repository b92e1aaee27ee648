package compass

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
)

const restContentType = "application/vnd.iperity.compass.v2+json"

const defaultHttpTimeout = 60 * time.Second
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

// for internal use
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

// RestApi performs auxiliary actions against the platform's REST interface.
// It is not part of the synchronization core; the Connection creates one
// after connect (see Connection.Rest).
type RestApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	baseUrl    string
	authHeader string
}

func NewRestApi(basedom string, username string, password string) *RestApi {
	return NewRestApiWithContext(context.Background(), basedom, username, password)
}

func NewRestApiWithContext(ctx context.Context, basedom string, username string, password string) *RestApi {
	cancelCtx, cancel := context.WithCancel(ctx)
	auth := base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s:%s", username, password)))
	return &RestApi{
		ctx:        cancelCtx,
		cancel:     cancel,
		baseUrl:    fmt.Sprintf("https://rest.%s", basedom),
		authHeader: fmt.Sprintf("Basic %s", auth),
	}
}

// UrlForObject returns the REST url of an object with the given type and
// numerical id.
func (self *RestApi) UrlForObject(objectType string, id int) string {
	return fmt.Sprintf("%s/%s/%d", self.baseUrl, objectType, id)
}

// `rest.User`
type RestUser struct {
	Self     string `json:"self,omitempty"`
	Id       int    `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
	Contact  string `json:"contact,omitempty"`
}

// `rest.Company`
type RestCompany struct {
	Self string `json:"self,omitempty"`
	Id   int    `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// `rest.Identity`
type RestIdentity struct {
	Self   string `json:"self,omitempty"`
	Id     int    `json:"id,omitempty"`
	Name   string `json:"name,omitempty"`
	Number string `json:"number,omitempty"`
}

type MyUserCallback = apiCallback[*RestUser]

// MyUser fetches the object representing the logged-in user.
func (self *RestApi) MyUser(callback MyUserCallback) {
	go request(self, "GET", "user", nil, &RestUser{}, callback)
}

func (self *RestApi) MyUserSync() (*RestUser, error) {
	return request(self, "GET", "user", nil, &RestUser{}, NewNoopApiCallback[*RestUser]())
}

type MyCompanyCallback = apiCallback[*RestCompany]

// MyCompany fetches the object representing the company of the logged-in
// user.
func (self *RestApi) MyCompany(callback MyCompanyCallback) {
	go request(self, "GET", "company", nil, &RestCompany{}, callback)
}

func (self *RestApi) MyCompanySync() (*RestCompany, error) {
	return request(self, "GET", "company", nil, &RestCompany{}, NewNoopApiCallback[*RestCompany]())
}

type MyFirstIdentityCallback = apiCallback[*RestIdentity]

// MyFirstIdentity fetches the first identity of the logged-in user.
func (self *RestApi) MyFirstIdentity(callback MyFirstIdentityCallback) {
	go func() {
		identity, err := self.MyFirstIdentitySync()
		callback.Result(identity, err)
	}()
}

func (self *RestApi) MyFirstIdentitySync() (*RestIdentity, error) {
	user, err := self.MyUserSync()
	if err != nil {
		return nil, err
	}
	identities, err := request(self, "GET", fmt.Sprintf("%s/identities", user.Self), nil, &[]*RestIdentity{}, NewNoopApiCallback[*[]*RestIdentity]())
	if err != nil {
		return nil, err
	}
	if len(*identities) == 0 {
		return nil, errors.New("user has no identities")
	}
	return (*identities)[0], nil
}

type QueueMembershipArgs struct {
	UserId  string `json:"userId"`
	QueueId string `json:"-"`
}

type QueuePauseArgs struct {
	UserId  string `json:"userId"`
	QueueId string `json:"-"`
	Paused  bool   `json:"paused"`
}

type EmptyResult struct{}

type EmptyCallback = apiCallback[*EmptyResult]

// QueueLogin logs a user into a queue.
func (self *RestApi) QueueLogin(args *QueueMembershipArgs, callback EmptyCallback) {
	go request(self, "POST", fmt.Sprintf("queue/%s/login", args.QueueId), args, &EmptyResult{}, callback)
}

func (self *RestApi) QueueLoginSync(args *QueueMembershipArgs) (*EmptyResult, error) {
	return request(self, "POST", fmt.Sprintf("queue/%s/login", args.QueueId), args, &EmptyResult{}, NewNoopApiCallback[*EmptyResult]())
}

// QueueLogout logs a user out of a queue.
func (self *RestApi) QueueLogout(args *QueueMembershipArgs, callback EmptyCallback) {
	go request(self, "POST", fmt.Sprintf("queue/%s/logout", args.QueueId), args, &EmptyResult{}, callback)
}

func (self *RestApi) QueueLogoutSync(args *QueueMembershipArgs) (*EmptyResult, error) {
	return request(self, "POST", fmt.Sprintf("queue/%s/logout", args.QueueId), args, &EmptyResult{}, NewNoopApiCallback[*EmptyResult]())
}

// QueuePause pauses or unpauses a user in a queue.
func (self *RestApi) QueuePause(args *QueuePauseArgs, callback EmptyCallback) {
	go request(self, "POST", fmt.Sprintf("queue/%s/pause", args.QueueId), args, &EmptyResult{}, callback)
}

func (self *RestApi) QueuePauseSync(args *QueuePauseArgs) (*EmptyResult, error) {
	return request(self, "POST", fmt.Sprintf("queue/%s/pause", args.QueueId), args, &EmptyResult{}, NewNoopApiCallback[*EmptyResult]())
}

// request performs one REST call. `path` is joined to the base url unless it
// is already a whole url. An empty reply body parses as an empty object;
// the api has void methods.
func request[R any](api *RestApi, method string, path string, args any, result R, callback apiCallback[R]) (R, error) {
	url := path
	if !strings.Contains(path, "://") {
		url = fmt.Sprintf("%s/%s", api.baseUrl, path)
	}

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

	req, err := http.NewRequestWithContext(api.ctx, method, url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", restContentType)
	req.Header.Add("Accept", restContentType)
	req.Header.Add("Authorization", api.authHeader)
	req.Header.Add("X-No-Redirect", "true")

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		glog.Warningf("[rest]%s %s error = %s\n", method, path, err)
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode && http.StatusCreated != r.StatusCode && http.StatusNoContent != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		glog.Warningf("[rest]%s %s failed with error: %s\n", method, path, err)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	if len(bytes.TrimSpace(responseBodyBytes)) == 0 {
		responseBodyBytes = []byte("{}")
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
