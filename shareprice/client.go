package shareprice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

var ErrClientClosed = errors.New("Client closed.")

type FetchPolicy int

const (
	// always fetch, never read or write the cache
	FetchNoCache FetchPolicy = iota
	// always fetch, write the cache
	FetchNetworkOnly
	// read the cache, fetch and write on a miss
	FetchCacheFirst
)

type ErrorPolicy int

const (
	// any error fails the call
	ErrorPolicyNone ErrorPolicy = iota
	// errors are dropped, data is returned
	ErrorPolicyIgnore
	// errors are returned next to the data
	ErrorPolicyAll
)

type QueryOptions struct {
	FetchPolicy FetchPolicy
	ErrorPolicy ErrorPolicy
}

type ClientSettings struct {
	// one-shot reads
	Query QueryOptions
	// watch-style reads
	Watch QueryOptions

	Http   *HttpChannelSettings
	Duplex *DuplexChannelSettings
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		Query: QueryOptions{
			FetchPolicy: FetchNoCache,
			ErrorPolicy: ErrorPolicyAll,
		},
		Watch: QueryOptions{
			FetchPolicy: FetchNoCache,
			ErrorPolicy: ErrorPolicyIgnore,
		},
		Http:   DefaultHttpChannelSettings(),
		Duplex: DefaultDuplexChannelSettings(),
	}
}

// Client is the remote data client. Credentials are attached by the channels,
// the client never sees the token.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	selector *Selector
	cache    *resultCache
	settings *ClientSettings
}

func NewClientWithDefaults(ctx context.Context, endpoints *Endpoints, credentials *Credentials) *Client {
	return NewClient(ctx, endpoints, credentials, DefaultClientSettings())
}

func NewClient(ctx context.Context, endpoints *Endpoints, credentials *Credentials, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	selector := NewSelector(
		NewHttpChannel(endpoints.HttpUrl, credentials, settings.Http),
		NewDuplexChannel(cancelCtx, endpoints.WsUrl, credentials, settings.Duplex),
	)
	return &Client{
		ctx:      cancelCtx,
		cancel:   cancel,
		selector: selector,
		cache:    newResultCache(),
		settings: settings,
	}
}

func NewClientWithSelector(ctx context.Context, selector *Selector, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Client{
		ctx:      cancelCtx,
		cancel:   cancel,
		selector: selector,
		cache:    newResultCache(),
		settings: settings,
	}
}

// Query is a one-shot read. With the default settings it always goes to the backend
// and returns the field errors next to whatever data is available.
// The error is set only when there is no response.
func (self *Client) Query(ctx context.Context, operation *Operation, variables map[string]any) (*Result, error) {
	return self.QueryWithOptions(ctx, operation, variables, self.settings.Query)
}

// Watch is a watch-style read. With the default settings field errors are dropped.
func (self *Client) Watch(ctx context.Context, operation *Operation, variables map[string]any) (*Result, error) {
	return self.QueryWithOptions(ctx, operation, variables, self.settings.Watch)
}

func (self *Client) QueryWithOptions(
	ctx context.Context,
	operation *Operation,
	variables map[string]any,
	options QueryOptions,
) (*Result, error) {
	if self.ctx.Err() != nil {
		return nil, ErrClientClosed
	}

	var key string
	if options.FetchPolicy != FetchNoCache {
		var err error
		key, err = cacheKey(operation, variables)
		if err != nil {
			return nil, err
		}
	}
	if options.FetchPolicy == FetchCacheFirst {
		if result, ok := self.cache.get(key); ok {
			glog.V(2).Infof("[c]%s cache hit\n", operation)
			return applyErrorPolicy(result, options.ErrorPolicy)
		}
	}

	result, err := self.selector.Do(ctx, operation, variables)
	if err != nil {
		return nil, fmt.Errorf("Query %s: %w", operation, err)
	}

	if options.FetchPolicy != FetchNoCache && len(result.Errors) == 0 {
		self.cache.put(key, result)
	}

	return applyErrorPolicy(result, options.ErrorPolicy)
}

func applyErrorPolicy(result *Result, errorPolicy ErrorPolicy) (*Result, error) {
	switch errorPolicy {
	case ErrorPolicyIgnore:
		return &Result{Data: result.Data}, nil
	case ErrorPolicyAll:
		return result, nil
	default:
		if err := result.Err(); err != nil {
			return nil, err
		}
		return result, nil
	}
}

// Mutate is a single round trip with no retry. Any field error fails the call.
func (self *Client) Mutate(ctx context.Context, operation *Operation, variables map[string]any) (*Result, error) {
	if self.ctx.Err() != nil {
		return nil, ErrClientClosed
	}

	result, err := self.selector.Do(ctx, operation, variables)
	if err != nil {
		return nil, fmt.Errorf("Mutate %s: %w", operation, err)
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Subscribe opens a stream over the shared duplex channel.
// The caller owns the subscription and must close it.
func (self *Client) Subscribe(ctx context.Context, operation *Operation, variables map[string]any) (*Subscription, error) {
	if self.ctx.Err() != nil {
		return nil, ErrClientClosed
	}
	return self.selector.Subscribe(ctx, operation, variables)
}

// ClearCache drops all cached results, e.g. on sign out.
func (self *Client) ClearCache() {
	self.cache.clear()
}

func (self *Client) Close() {
	self.cancel()
	self.selector.Close()
}

// results keyed by document and variables
// encoding/json sorts map keys, so equal variables give equal keys
type resultCache struct {
	mutex   sync.Mutex
	results map[string]*Result
}

func newResultCache() *resultCache {
	return &resultCache{
		results: map[string]*Result{},
	}
}

func cacheKey(operation *Operation, variables map[string]any) (string, error) {
	variablesBytes, err := json.Marshal(variables)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s\x00%s\x00%s", operation.OperationName, operation.Document, variablesBytes), nil
}

func (self *resultCache) get(key string) (*Result, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	result, ok := self.results[key]
	return result, ok
}

func (self *resultCache) put(key string, result *Result) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.results[key] = result
}

func (self *resultCache) clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	clear(self.results)
}
