package discussion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

func DefaultDiscussionApiSettings() *DiscussionApiSettings {
	return &DiscussionApiSettings{
		RequestTimeout: 60 * time.Second,
		ConnectTimeout: 5 * time.Second,
		TlsTimeout:     5 * time.Second,
	}
}

type DiscussionApiSettings struct {
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	TlsTimeout     time.Duration
}

type GetForumsCallback func(result *GetForumsResult, err error)

type GetForumsResult struct {
	Forums []*Forum        `json:"forums"`
	Error  *GetForumsError `json:"error,omitempty"`
}

type GetForumsError struct {
	Message string `json:"message"`
}

// DiscussionApi is the read-only REST surface next to the channel.
// Forums are reference data. Comments only move over the channel.
type DiscussionApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl   string
	settings *DiscussionApiSettings

	httpClient *http.Client

	stateLock sync.Mutex
	jwt       string
}

func NewDiscussionApiWithDefaults(ctx context.Context, apiUrl string) *DiscussionApi {
	return NewDiscussionApi(ctx, apiUrl, DefaultDiscussionApiSettings())
}

func NewDiscussionApi(ctx context.Context, apiUrl string, settings *DiscussionApiSettings) *DiscussionApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	dialer := &net.Dialer{
		Timeout: settings.ConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.TlsTimeout,
	}

	return &DiscussionApi{
		ctx:      cancelCtx,
		cancel:   cancel,
		apiUrl:   strings.TrimSuffix(apiUrl, "/"),
		settings: settings,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   settings.RequestTimeout,
		},
	}
}

// this gets attached to each request
func (self *DiscussionApi) SetJwt(jwt string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.jwt = jwt
}

func (self *DiscussionApi) Jwt() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.jwt
}

func (self *DiscussionApi) Close() {
	self.cancel()
}

// GetForums lists the forums in the background and calls back with the result.
func (self *DiscussionApi) GetForums(callback GetForumsCallback) {
	go HandleError(func() {
		callback(self.GetForumsSync())
	})
}

// GetForumsSync lists the forums.
// A forums error in a successful response is returned in the result, not as an error.
func (self *DiscussionApi) GetForumsSync() (*GetForumsResult, error) {
	url := fmt.Sprintf("%s/forums", self.apiUrl)
	req, err := http.NewRequestWithContext(self.ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Accept", "application/json")
	if jwt := self.Jwt(); jwt != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", jwt))
	}

	r, err := self.httpClient.Do(req)
	if err != nil {
		glog.Infof("[api]forums error = %s\n", err)
		return nil, err
	}
	defer r.Body.Close()

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		glog.Infof("[api]forums read error = %s\n", err)
		return nil, err
	}

	result := &GetForumsResult{}
	decodeErr := json.Unmarshal(bodyBytes, result)

	if r.StatusCode != http.StatusOK {
		// the body is a forums error or a plain message
		if decodeErr == nil && result.Error != nil {
			err = errors.New(result.Error.Message)
		} else {
			err = errors.New(strings.TrimSpace(string(bodyBytes)))
		}
		glog.Infof("[api]forums status %d = %s\n", r.StatusCode, err)
		return nil, err
	}
	if decodeErr != nil {
		glog.Infof("[api]forums bad response = %s\n", decodeErr)
		return nil, decodeErr
	}
	if result.Error != nil {
		glog.Infof("[api]forums result error = %s\n", result.Error.Message)
	} else {
		glog.V(2).Infof("[api]forums (%d)\n", len(result.Forums))
	}
	return result, nil
}
