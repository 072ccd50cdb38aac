package datasync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

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

const (
	// no response from the server
	ErrorKindNetwork ErrorKind = iota
	// 4xx, possibly with field level detail
	ErrorKindValidation
	// 5xx
	ErrorKindServer
)

type ErrorKind int

func (self ErrorKind) String() string {
	switch self {
	case ErrorKindNetwork:
		return "network"
	case ErrorKindValidation:
		return "validation"
	case ErrorKindServer:
		return "server"
	default:
		return "unknown"
	}
}

// expected failure modes are captured results, never panics
type ApiError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	// field name -> message for validation failures
	Fields map[string]string
}

func (self *ApiError) Error() string {
	if self.StatusCode == 0 {
		return fmt.Sprintf("%s error: %s", self.Kind, self.Message)
	}
	return fmt.Sprintf("%s error (%d): %s", self.Kind, self.StatusCode, self.Message)
}

func ErrorKindOf(err error) ErrorKind {
	var apiErr *ApiError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ErrorKindNetwork
}

// retries are only safe for failures where the server did not accept
// the request semantics
func retryableError(err error) bool {
	switch ErrorKindOf(err) {
	case ErrorKindNetwork, ErrorKindServer:
		return true
	default:
		return false
	}
}

type ResultCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleResultCallback[R any] struct {
	callback func(result R, err error)
}

func NewResultCallback[R any](callback func(result R, err error)) ResultCallback[R] {
	return &simpleResultCallback[R]{
		callback: callback,
	}
}

func NewNoopResultCallback[R any]() ResultCallback[R] {
	return &simpleResultCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleResultCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type CallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingResultCallback[R any]() (ResultCallback[R], chan CallbackResult[R]) {
	c := make(chan CallbackResult[R], 1)
	callback := NewResultCallback[R](func(result R, err error) {
		c <- CallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return callback, c
}

// client for the Reloop REST backend. all calls are asynchronous with a
// callback, with Sync variants for blocking use.
type ReloopApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewReloopApi(apiUrl string) *ReloopApi {
	return NewReloopApiWithContext(context.Background(), apiUrl)
}

func NewReloopApiWithContext(ctx context.Context, apiUrl string) *ReloopApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &ReloopApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// attached to api calls that need it
func (self *ReloopApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

func (self *ReloopApi) Close() {
	self.cancel()
}

type CreatePostCallback ResultCallback[*CreatePostResult]

type CreatePostArgs struct {
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Tags     []string `json:"tags,omitempty"`
	ImageUrl string   `json:"image_url,omitempty"`
}

type CreatePostResult struct {
	Post map[string]any `json:"data"`
}

func (self *ReloopApi) CreatePost(createPost *CreatePostArgs, callback CreatePostCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/posts", self.apiUrl),
		createPost,
		self.byJwt,
		&CreatePostResult{},
		callback,
	)
}

func (self *ReloopApi) CreatePostSync(createPost *CreatePostArgs) (*CreatePostResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/posts", self.apiUrl),
		createPost,
		self.byJwt,
		&CreatePostResult{},
		NewNoopResultCallback[*CreatePostResult](),
	)
}

type TogglePostReactionCallback ResultCallback[*TogglePostReactionResult]

type TogglePostReactionArgs struct {
	PostId int64 `json:"-"`
}

// the server recomputes both fields. they fully replace any optimistic
// values on settlement.
type TogglePostReactionResult struct {
	Liked     bool  `json:"liked"`
	LikeCount int64 `json:"likeCount"`
}

func (self *ReloopApi) TogglePostReaction(toggle *TogglePostReactionArgs, callback TogglePostReactionCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/posts/%d/reaction", self.apiUrl, toggle.PostId),
		nil,
		self.byJwt,
		&TogglePostReactionResult{},
		callback,
	)
}

func (self *ReloopApi) TogglePostReactionSync(toggle *TogglePostReactionArgs) (*TogglePostReactionResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/posts/%d/reaction", self.apiUrl, toggle.PostId),
		nil,
		self.byJwt,
		&TogglePostReactionResult{},
		NewNoopResultCallback[*TogglePostReactionResult](),
	)
}

type RemovePostCallback ResultCallback[*RemovePostResult]

type RemovePostArgs struct {
	PostId int64 `json:"-"`
}

type RemovePostResult struct {
}

func (self *ReloopApi) RemovePost(removePost *RemovePostArgs, callback RemovePostCallback) {
	go del(
		self.ctx,
		fmt.Sprintf("%s/posts/%d", self.apiUrl, removePost.PostId),
		self.byJwt,
		&RemovePostResult{},
		callback,
	)
}

func (self *ReloopApi) RemovePostSync(removePost *RemovePostArgs) (*RemovePostResult, error) {
	return del(
		self.ctx,
		fmt.Sprintf("%s/posts/%d", self.apiUrl, removePost.PostId),
		self.byJwt,
		&RemovePostResult{},
		NewNoopResultCallback[*RemovePostResult](),
	)
}

type CreatePostCommentCallback ResultCallback[*CreatePostCommentResult]

type CreatePostCommentArgs struct {
	PostId int64  `json:"-"`
	Body   string `json:"body"`
}

type CreatePostCommentResult struct {
	Comment map[string]any `json:"data"`
}

func (self *ReloopApi) CreatePostComment(createComment *CreatePostCommentArgs, callback CreatePostCommentCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/posts/%d/comments", self.apiUrl, createComment.PostId),
		createComment,
		self.byJwt,
		&CreatePostCommentResult{},
		callback,
	)
}

func (self *ReloopApi) CreatePostCommentSync(createComment *CreatePostCommentArgs) (*CreatePostCommentResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/posts/%d/comments", self.apiUrl, createComment.PostId),
		createComment,
		self.byJwt,
		&CreatePostCommentResult{},
		NewNoopResultCallback[*CreatePostCommentResult](),
	)
}

type GetPostsCallback ResultCallback[*GetPostsResult]

type GetPostsArgs struct {
	// feed type, e.g. "all", "trending", "following"
	FeedType string
	// 1-based
	Page int
}

type GetPostsResult struct {
	Data       []map[string]any `json:"data"`
	Pagination *Pagination      `json:"pagination"`
}

type Pagination struct {
	LastPage int  `json:"lastPage"`
	HasNext  bool `json:"hasNext"`
}

func (self *ReloopApi) GetPosts(getPosts *GetPostsArgs, callback GetPostsCallback) {
	go get(
		self.ctx,
		self.postsUrl(getPosts),
		self.byJwt,
		&GetPostsResult{},
		callback,
	)
}

func (self *ReloopApi) GetPostsSync(getPosts *GetPostsArgs) (*GetPostsResult, error) {
	return get(
		self.ctx,
		self.postsUrl(getPosts),
		self.byJwt,
		&GetPostsResult{},
		NewNoopResultCallback[*GetPostsResult](),
	)
}

func (self *ReloopApi) postsUrl(getPosts *GetPostsArgs) string {
	values := url.Values{}
	values.Set("type", getPosts.FeedType)
	page := getPosts.Page
	if page < 1 {
		page = 1
	}
	values.Set("page", fmt.Sprintf("%d", page))
	return fmt.Sprintf("%s/posts?%s", self.apiUrl, values.Encode())
}

type GetChallengesCallback ResultCallback[*GetChallengesResult]

type GetChallengesArgs struct {
	// 1-based
	Page int
}

type GetChallengesResult struct {
	Data       []map[string]any `json:"data"`
	Pagination *Pagination      `json:"pagination"`
}

func (self *ReloopApi) GetChallenges(getChallenges *GetChallengesArgs, callback GetChallengesCallback) {
	go get(
		self.ctx,
		self.challengesUrl(getChallenges),
		self.byJwt,
		&GetChallengesResult{},
		callback,
	)
}

func (self *ReloopApi) GetChallengesSync(getChallenges *GetChallengesArgs) (*GetChallengesResult, error) {
	return get(
		self.ctx,
		self.challengesUrl(getChallenges),
		self.byJwt,
		&GetChallengesResult{},
		NewNoopResultCallback[*GetChallengesResult](),
	)
}

func (self *ReloopApi) challengesUrl(getChallenges *GetChallengesArgs) string {
	page := getChallenges.Page
	if page < 1 {
		page = 1
	}
	return fmt.Sprintf("%s/challenges?page=%d", self.apiUrl, page)
}

type JoinChallengeCallback ResultCallback[*JoinChallengeResult]

type JoinChallengeArgs struct {
	ChallengeId int64 `json:"-"`
}

type JoinChallengeResult struct {
	Challenge map[string]any `json:"data"`
}

func (self *ReloopApi) JoinChallenge(joinChallenge *JoinChallengeArgs, callback JoinChallengeCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/challenges/%d/join", self.apiUrl, joinChallenge.ChallengeId),
		nil,
		self.byJwt,
		&JoinChallengeResult{},
		callback,
	)
}

func (self *ReloopApi) JoinChallengeSync(joinChallenge *JoinChallengeArgs) (*JoinChallengeResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/challenges/%d/join", self.apiUrl, joinChallenge.ChallengeId),
		nil,
		self.byJwt,
		&JoinChallengeResult{},
		NewNoopResultCallback[*JoinChallengeResult](),
	)
}

// wire shape of a 4xx error body
type errorBody struct {
	Error *errorDetail `json:"error,omitempty"`
}

type errorDetail struct {
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback ResultCallback[R]) (R, error) {
	return request(ctx, "POST", url, args, byJwt, result, callback)
}

func get[R any](ctx context.Context, url string, byJwt string, result R, callback ResultCallback[R]) (R, error) {
	return request(ctx, "GET", url, nil, byJwt, result, callback)
}

func del[R any](ctx context.Context, url string, byJwt string, result R, callback ResultCallback[R]) (R, error) {
	return request(ctx, "DELETE", url, nil, byJwt, result, callback)
}

func request[R any](ctx context.Context, method string, url string, args any, byJwt string, result R, callback ResultCallback[R]) (R, error) {
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

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		apiErr := &ApiError{
			Kind:    ErrorKindNetwork,
			Message: err.Error(),
		}
		var empty R
		callback.Result(empty, apiErr)
		return empty, apiErr
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		apiErr := &ApiError{
			Kind:    ErrorKindNetwork,
			Message: err.Error(),
		}
		var empty R
		callback.Result(empty, apiErr)
		return empty, apiErr
	}

	if http.StatusOK != r.StatusCode {
		apiErr := parseErrorResponse(r.StatusCode, responseBodyBytes)
		var empty R
		callback.Result(empty, apiErr)
		return empty, apiErr
	}

	if 0 < len(responseBodyBytes) {
		err = json.Unmarshal(responseBodyBytes, &result)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	callback.Result(result, nil)
	return result, nil
}

func parseErrorResponse(statusCode int, responseBodyBytes []byte) *ApiError {
	kind := ErrorKindServer
	if 400 <= statusCode && statusCode < 500 {
		kind = ErrorKindValidation
	}

	body := &errorBody{}
	if err := json.Unmarshal(responseBodyBytes, body); err == nil && body.Error != nil {
		return &ApiError{
			Kind:       kind,
			StatusCode: statusCode,
			Message:    body.Error.Message,
			Fields:     body.Error.Fields,
		}
	}

	// the response body is the error message
	return &ApiError{
		Kind:       kind,
		StatusCode: statusCode,
		Message:    strings.TrimSpace(string(responseBodyBytes)),
	}
}
