package shareprice

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

type SliceState int

const (
	SliceEmpty SliceState = iota
	SliceLoading
	SlicePopulated
)

func (self SliceState) String() string {
	switch self {
	case SliceLoading:
		return "loading"
	case SlicePopulated:
		return "populated"
	default:
		return "empty"
	}
}

type slice int

const (
	sliceCurrentUser slice = iota
	sliceEvents
	sliceCurrentEvent
	sliceCount
)

// State is a snapshot of the store. Snapshots are copies and may be kept by the caller.
type State struct {
	CurrentUser  *User
	Events       []*Event
	CurrentEvent *Event

	CurrentUserState  SliceState
	EventsState       SliceState
	CurrentEventState SliceState
}

func (self *State) clone() *State {
	state := *self
	state.CurrentUser = self.CurrentUser.Clone()
	state.CurrentEvent = self.CurrentEvent.Clone()
	if self.Events != nil {
		state.Events = make([]*Event, 0, len(self.Events))
		for _, event := range self.Events {
			state.Events = append(state.Events, event.Clone())
		}
	}
	return &state
}

func (self *State) sliceState(s slice) *SliceState {
	switch s {
	case sliceCurrentUser:
		return &self.CurrentUserState
	case sliceEvents:
		return &self.EventsState
	default:
		return &self.CurrentEventState
	}
}

// implemented by `Client`
type RemoteClient interface {
	Query(ctx context.Context, operation *Operation, variables map[string]any) (*Result, error)
	Mutate(ctx context.Context, operation *Operation, variables map[string]any) (*Result, error)
	Subscribe(ctx context.Context, operation *Operation, variables map[string]any) (*Subscription, error)
}

// implemented by `Router`
type Navigator interface {
	Navigate(name RouteName) error
}

// the bulk user lookup. It is not scoped by identifier.
type UserLookup interface {
	Users(ctx context.Context) ([]*User, error)
}

// ClientUserLookup looks up users with the `users` query.
type ClientUserLookup struct {
	client RemoteClient
}

func NewClientUserLookup(client RemoteClient) *ClientUserLookup {
	return &ClientUserLookup{
		client: client,
	}
}

func (self *ClientUserLookup) Users(ctx context.Context) ([]*User, error) {
	result, err := self.client.Query(ctx, usersOperation, nil)
	if err != nil {
		return nil, err
	}
	if !result.HasData() {
		if err := result.Err(); err != nil {
			return nil, err
		}
	}
	var data struct {
		Users []*User `json:"users"`
	}
	if err := result.Decode(&data); err != nil {
		return nil, err
	}
	return data.Users, nil
}

type StoreListener func(state *State)

// Store holds the current user, the event list and the current event.
// Slices change only through the named operations, and each operation commits once,
// after its remote call resolves. Concurrent calls of the same operation are not
// coalesced: the last commit wins.
type Store struct {
	ctx    context.Context
	cancel context.CancelFunc

	client    RemoteClient
	navigator Navigator
	lookup    UserLookup

	stateLock sync.Mutex
	state     State
	// in-flight operations per slice
	pending [sliceCount]int
	// incremented on every commit and clear
	version uint64

	// listeners see snapshots in version order
	notifyLock      sync.Mutex
	notifiedVersion uint64

	listeners *CallbackList[StoreListener]
}

func NewStoreWithDefaults(ctx context.Context, client RemoteClient, navigator Navigator) *Store {
	return NewStore(ctx, client, navigator, NewClientUserLookup(client))
}

func NewStore(ctx context.Context, client RemoteClient, navigator Navigator, lookup UserLookup) *Store {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Store{
		ctx:       cancelCtx,
		cancel:    cancel,
		client:    client,
		navigator: navigator,
		lookup:    lookup,
		listeners: NewCallbackList[StoreListener](),
	}
}

func (self *Store) Snapshot() *State {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state.clone()
}

// listeners are called after every commit with a snapshot
// A snapshot older than one already delivered is skipped, so the last snapshot a listener
// sees is the current state. Listeners must not wait on another store commit.
func (self *Store) AddListener(listener StoreListener) func() {
	return self.listeners.Add(listener)
}

// marks the slice loading until the returned func is called
// an empty slice shows `SliceLoading`, a populated slice stays populated until the commit
func (self *Store) begin(s slice) func() {
	self.stateLock.Lock()
	self.pending[s] += 1
	if sliceState := self.state.sliceState(s); *sliceState == SliceEmpty {
		*sliceState = SliceLoading
	}
	self.stateLock.Unlock()

	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.pending[s] -= 1
		if sliceState := self.state.sliceState(s); self.pending[s] == 0 && *sliceState == SliceLoading {
			// nothing was committed
			*sliceState = SliceEmpty
		}
	}
}

// `update` runs under the state lock and returns false to skip the commit
func (self *Store) commit(s slice, update func(state *State) bool) bool {
	self.stateLock.Lock()
	if !update(&self.state) {
		self.stateLock.Unlock()
		return false
	}
	*self.state.sliceState(s) = SlicePopulated
	self.version += 1
	version := self.version
	snapshot := self.state.clone()
	self.stateLock.Unlock()

	glog.V(2).Infof("[s]commit %d v%d\n", s, version)
	self.notify(version, snapshot)
	return true
}

func (self *Store) clear(cleared ...slice) {
	self.stateLock.Lock()
	for _, s := range cleared {
		switch s {
		case sliceCurrentUser:
			self.state.CurrentUser = nil
		case sliceEvents:
			self.state.Events = nil
		case sliceCurrentEvent:
			self.state.CurrentEvent = nil
		}
		*self.state.sliceState(s) = SliceEmpty
	}
	self.version += 1
	version := self.version
	snapshot := self.state.clone()
	self.stateLock.Unlock()

	self.notify(version, snapshot)
}

func (self *Store) notify(version uint64, snapshot *State) {
	self.notifyLock.Lock()
	defer self.notifyLock.Unlock()
	if version <= self.notifiedVersion {
		glog.V(2).Infof("[s]skip notify v%d\n", version)
		return
	}
	self.notifiedVersion = version

	for _, listener := range self.listeners.Get() {
		HandleError(func() {
			listener(snapshot)
		})
	}
}

// FetchCurrentUser loads the authenticated user.
// An authentication error clears the current user and navigates to sign in, and is not returned.
// A null user is a valid commit.
func (self *Store) FetchCurrentUser(ctx context.Context) error {
	return traceError("[s]fetch current user", func() error {
		done := self.begin(sliceCurrentUser)
		defer done()

		result, err := self.client.Query(ctx, currentUserOperation, nil)
		if err != nil {
			return fmt.Errorf("Fetch current user: %w", err)
		}

		if HasAuthError(result.Errors) {
			glog.Infof("[s]auth error, clearing session: %s\n", result.Errors)
			self.clear(sliceCurrentUser)
			if err := self.navigator.Navigate(RouteSignIn); err != nil {
				glog.Infof("[s]navigate %s error = %s\n", RouteSignIn, err)
			}
			return nil
		}

		var data struct {
			CurrentUser *User `json:"currentUser"`
		}
		if err := result.Decode(&data); err != nil {
			return err
		}

		self.commit(sliceCurrentUser, func(state *State) bool {
			state.CurrentUser = data.CurrentUser
			return true
		})
		return nil
	})
}

func (self *Store) queryEvents(ctx context.Context, ids []string) ([]*Event, error) {
	if ids == nil {
		// the backend needs a list, not null
		ids = []string{}
	}
	result, err := self.client.Query(ctx, eventsOperation, map[string]any{
		"idIn": ids,
	})
	if err != nil {
		return nil, err
	}
	if !result.HasData() {
		// there is nothing to commit
		if err := result.Err(); err != nil {
			return nil, err
		}
	}

	var data struct {
		SpEvents []*Event `json:"spEvents"`
	}
	if err := result.Decode(&data); err != nil {
		return nil, err
	}
	if data.SpEvents == nil {
		data.SpEvents = []*Event{}
	}
	return data.SpEvents, nil
}

// FetchEvents replaces the event list with exactly the events for `ids`, in the backend order.
func (self *Store) FetchEvents(ctx context.Context, ids []string) error {
	return traceError("[s]fetch events", func() error {
		done := self.begin(sliceEvents)
		defer done()

		events, err := self.queryEvents(ctx, ids)
		if err != nil {
			return fmt.Errorf("Fetch events: %w", err)
		}

		self.commit(sliceEvents, func(state *State) bool {
			state.Events = events
			return true
		})
		return nil
	})
}

// FetchCurrentEvent does nothing for an empty id.
// When the backend has no event for `id` the current event is committed as nil (not found).
func (self *Store) FetchCurrentEvent(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return traceError("[s]fetch current event", func() error {
		done := self.begin(sliceCurrentEvent)
		defer done()

		events, err := self.queryEvents(ctx, []string{id})
		if err != nil {
			return fmt.Errorf("Fetch current event: %w", err)
		}

		var event *Event
		if 0 < len(events) {
			event = events[0]
		} else {
			glog.V(2).Infof("[s]event %s not found\n", id)
		}

		self.commit(sliceCurrentEvent, func(state *State) bool {
			state.CurrentEvent = event
			return true
		})
		return nil
	})
}

// RefreshUserEventMembership replaces the events of the current user with the events from
// the user lookup. Only when `userId` is the loaded current user, otherwise this does nothing.
func (self *Store) RefreshUserEventMembership(ctx context.Context, userId string) error {
	if userId == "" {
		return nil
	}
	return traceError("[s]refresh user events", func() error {
		users, err := self.lookup.Users(ctx)
		if err != nil {
			return fmt.Errorf("Refresh user events: %w", err)
		}

		i := slices.IndexFunc(users, func(user *User) bool {
			return user != nil && user.Id == userId
		})
		if i < 0 {
			glog.V(2).Infof("[s]user %s not in lookup\n", userId)
			return nil
		}
		events := slices.Clone(users[i].Events)

		// the current user is checked at commit time, the session may have changed while fetching
		self.commit(sliceCurrentUser, func(state *State) bool {
			if state.CurrentUser == nil || state.CurrentUser.Id != userId {
				return false
			}
			user := state.CurrentUser.Clone()
			user.Events = events
			state.CurrentUser = user
			return true
		})
		return nil
	})
}

// UpdateEvent sends the upload. Errors are returned and nothing is committed.
// With `applyToCurrent` the returned event becomes the current event.
// The event list is never updated here, callers refetch it when needed.
func (self *Store) UpdateEvent(ctx context.Context, upload *EventUpload, applyToCurrent bool) (*Event, error) {
	return TraceWithReturnError("[s]update event", func() (*Event, error) {
		variables, err := upload.Variables()
		if err != nil {
			return nil, err
		}

		result, err := self.client.Mutate(ctx, updateEventOperation, variables)
		if err != nil {
			return nil, fmt.Errorf("Update event: %w", err)
		}

		var data struct {
			UpdateEvent *Event `json:"updateEvent"`
		}
		if err := result.Decode(&data); err != nil {
			return nil, err
		}

		if applyToCurrent {
			self.commit(sliceCurrentEvent, func(state *State) bool {
				state.CurrentEvent = data.UpdateEvent
				return true
			})
		}
		return data.UpdateEvent.Clone(), nil
	})
}

// WatchCurrentEvent commits pushed updates of event `id` while it is the current event.
// The caller owns the returned subscription.
func (self *Store) WatchCurrentEvent(ctx context.Context, id string) (*Subscription, error) {
	subscription, err := self.client.Subscribe(ctx, eventUpdatedOperation, map[string]any{
		"id": id,
	})
	if err != nil {
		return nil, fmt.Errorf("Watch event %s: %w", id, err)
	}

	log := SubLogFn(LogFn(LogLevelDebug, "s"), fmt.Sprintf("watch %s", id))
	go func() {
		defer subscription.Close()
		log("start")
		defer log("end")
		for {
			select {
			case <-self.ctx.Done():
				return
			case result, ok := <-subscription.Events():
				if !ok {
					return
				}
				var data struct {
					EventUpdated *Event `json:"eventUpdated"`
				}
				if err := result.Decode(&data); err != nil || data.EventUpdated == nil {
					glog.Infof("[s]event %s update dropped: %v %s\n", id, err, result.Errors)
					continue
				}
				committed := self.commit(sliceCurrentEvent, func(state *State) bool {
					if state.CurrentEvent == nil || state.CurrentEvent.Id != id {
						return false
					}
					state.CurrentEvent = data.EventUpdated
					return true
				})
				if !committed {
					log("skip, not the current event")
				}
			}
		}
	}()

	return subscription, nil
}

// ClearSession empties every slice, e.g. on sign out.
func (self *Store) ClearSession() {
	self.clear(sliceCurrentUser, sliceEvents, sliceCurrentEvent)
}

func (self *Store) Close() {
	self.cancel()
}
