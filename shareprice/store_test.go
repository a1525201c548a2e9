package shareprice

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

type testCall struct {
	operation *Operation
	variables map[string]any
}

// answers each operation with a scripted response
type testRemoteClient struct {
	mutex     sync.Mutex
	calls     []testCall
	responses map[*Operation]func(variables map[string]any) (*Result, error)
}

func newTestRemoteClient() *testRemoteClient {
	return &testRemoteClient{
		responses: map[*Operation]func(variables map[string]any) (*Result, error){},
	}
}

func (self *testRemoteClient) respond(operation *Operation, respond func(variables map[string]any) (*Result, error)) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.responses[operation] = respond
}

func (self *testRemoteClient) respondData(operation *Operation, data any) {
	self.respond(operation, func(variables map[string]any) (*Result, error) {
		return testResult(data), nil
	})
}

func (self *testRemoteClient) do(operation *Operation, variables map[string]any) (*Result, error) {
	self.mutex.Lock()
	self.calls = append(self.calls, testCall{operation: operation, variables: variables})
	respond := self.responses[operation]
	self.mutex.Unlock()

	if respond == nil {
		return nil, errors.New("no response")
	}
	return respond(variables)
}

func (self *testRemoteClient) Query(ctx context.Context, operation *Operation, variables map[string]any) (*Result, error) {
	return self.do(operation, variables)
}

func (self *testRemoteClient) Mutate(ctx context.Context, operation *Operation, variables map[string]any) (*Result, error) {
	result, err := self.do(operation, variables)
	if err != nil {
		return nil, err
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (self *testRemoteClient) Subscribe(ctx context.Context, operation *Operation, variables map[string]any) (*Subscription, error) {
	return nil, errors.New("not supported")
}

func (self *testRemoteClient) callCount(operation *Operation) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	count := 0
	for _, call := range self.calls {
		if call.operation == operation {
			count += 1
		}
	}
	return count
}

func (self *testRemoteClient) lastVariables(operation *Operation) map[string]any {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for i := len(self.calls) - 1; 0 <= i; i -= 1 {
		if self.calls[i].operation == operation {
			return self.calls[i].variables
		}
	}
	return nil
}

type testNavigator struct {
	mutex     sync.Mutex
	navigated []RouteName
}

func (self *testNavigator) Navigate(name RouteName) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.navigated = append(self.navigated, name)
	return nil
}

func (self *testNavigator) last() RouteName {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if len(self.navigated) == 0 {
		return ""
	}
	return self.navigated[len(self.navigated)-1]
}

type testUserLookup struct {
	users []*User
	err   error
}

func (self *testUserLookup) Users(ctx context.Context) ([]*User, error) {
	return self.users, self.err
}

func testResult(data any) *Result {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	return &Result{Data: dataBytes}
}

func newTestStore(client RemoteClient, lookup UserLookup) (*Store, *testNavigator) {
	navigator := &testNavigator{}
	store := NewStore(context.Background(), client, navigator, lookup)
	return store, navigator
}

func TestFetchCurrentUser(t *testing.T) {
	client := newTestRemoteClient()
	store, navigator := newTestStore(client, &testUserLookup{})
	defer store.Close()

	assert.Equal(t, store.Snapshot().CurrentUserState, SliceEmpty)

	client.respondData(currentUserOperation, map[string]any{
		"currentUser": &User{Id: "u1", Name: "a", Events: []string{"e1"}},
	})

	err := store.FetchCurrentUser(context.Background())
	assert.Equal(t, err, nil)

	state := store.Snapshot()
	assert.Equal(t, state.CurrentUserState, SlicePopulated)
	assert.Equal(t, state.CurrentUser.Id, "u1")
	assert.Equal(t, state.CurrentUser.Events, []string{"e1"})
	assert.Equal(t, navigator.last(), RouteName(""))
}

func TestFetchCurrentUserNull(t *testing.T) {
	client := newTestRemoteClient()
	store, navigator := newTestStore(client, &testUserLookup{})
	defer store.Close()

	client.respondData(currentUserOperation, map[string]any{
		"currentUser": &User{Id: "u1"},
	})
	assert.Equal(t, store.FetchCurrentUser(context.Background()), nil)

	// no session is a commit of null, not a redirect
	client.respondData(currentUserOperation, map[string]any{
		"currentUser": nil,
	})
	assert.Equal(t, store.FetchCurrentUser(context.Background()), nil)

	state := store.Snapshot()
	assert.Equal(t, state.CurrentUser == nil, true)
	assert.Equal(t, state.CurrentUserState, SlicePopulated)
	assert.Equal(t, navigator.last(), RouteName(""))
}

func TestFetchCurrentUserAuthError(t *testing.T) {
	client := newTestRemoteClient()
	store, navigator := newTestStore(client, &testUserLookup{})
	defer store.Close()

	client.respondData(currentUserOperation, map[string]any{
		"currentUser": &User{Id: "u1"},
	})
	assert.Equal(t, store.FetchCurrentUser(context.Background()), nil)
	assert.Equal(t, store.Snapshot().CurrentUser.Id, "u1")

	// data next to the auth error is not committed
	client.respond(currentUserOperation, func(variables map[string]any) (*Result, error) {
		result := testResult(map[string]any{
			"currentUser": &User{Id: "u2"},
		})
		result.Errors = gqlerror.List{
			gqlerror.Errorf("Some field error"),
			gqlerror.Errorf("Auth required"),
		}
		return result, nil
	})

	err := store.FetchCurrentUser(context.Background())
	assert.Equal(t, err, nil)

	state := store.Snapshot()
	assert.Equal(t, state.CurrentUser == nil, true)
	assert.Equal(t, state.CurrentUserState, SliceEmpty)
	assert.Equal(t, navigator.last(), RouteSignIn)
}

func TestFetchCurrentUserTransportError(t *testing.T) {
	client := newTestRemoteClient()
	store, navigator := newTestStore(client, &testUserLookup{})
	defer store.Close()

	client.respond(currentUserOperation, func(variables map[string]any) (*Result, error) {
		return nil, errors.New("connection refused")
	})

	err := store.FetchCurrentUser(context.Background())
	assert.NotEqual(t, err, nil)
	// loading is reverted, nothing was committed
	assert.Equal(t, store.Snapshot().CurrentUserState, SliceEmpty)
	assert.Equal(t, navigator.last(), RouteName(""))
}

func TestFetchEvents(t *testing.T) {
	client := newTestRemoteClient()
	store, _ := newTestStore(client, &testUserLookup{})
	defer store.Close()

	// the backend order, not the input order
	client.respondData(eventsOperation, map[string]any{
		"spEvents": []*Event{
			{Id: "e2", Name: "b"},
			{Id: "e1", Name: "a"},
		},
	})

	err := store.FetchEvents(context.Background(), []string{"e1", "e2"})
	assert.Equal(t, err, nil)

	state := store.Snapshot()
	assert.Equal(t, state.EventsState, SlicePopulated)
	assert.Equal(t, len(state.Events), 2)
	assert.Equal(t, state.Events[0].Id, "e2")
	assert.Equal(t, state.Events[1].Id, "e1")
	assert.Equal(t, client.lastVariables(eventsOperation)["idIn"], []string{"e1", "e2"})
}

func TestFetchEventsEmpty(t *testing.T) {
	client := newTestRemoteClient()
	store, _ := newTestStore(client, &testUserLookup{})
	defer store.Close()

	client.respondData(eventsOperation, map[string]any{
		"spEvents": []*Event{{Id: "e1"}},
	})
	assert.Equal(t, store.FetchEvents(context.Background(), []string{"e1"}), nil)
	assert.Equal(t, len(store.Snapshot().Events), 1)

	client.respondData(eventsOperation, map[string]any{
		"spEvents": []*Event{},
	})
	assert.Equal(t, store.FetchEvents(context.Background(), []string{}), nil)

	// an empty list is committed, the previous list is replaced
	state := store.Snapshot()
	assert.Equal(t, state.Events != nil, true)
	assert.Equal(t, len(state.Events), 0)
	assert.Equal(t, client.callCount(eventsOperation), 2)
	assert.Equal(t, client.lastVariables(eventsOperation)["idIn"], []string{})

	// nil ids are sent as an empty list
	assert.Equal(t, store.FetchEvents(context.Background(), nil), nil)
	assert.Equal(t, client.lastVariables(eventsOperation)["idIn"], []string{})
}

func TestFetchEventsErrorsWithoutData(t *testing.T) {
	client := newTestRemoteClient()
	store, _ := newTestStore(client, &testUserLookup{})
	defer store.Close()

	client.respondData(eventsOperation, map[string]any{
		"spEvents": []*Event{{Id: "e1"}},
	})
	assert.Equal(t, store.FetchEvents(context.Background(), []string{"e1"}), nil)

	client.respond(eventsOperation, func(variables map[string]any) (*Result, error) {
		return &Result{
			Data:   json.RawMessage("null"),
			Errors: gqlerror.List{gqlerror.Errorf("Internal")},
		}, nil
	})
	err := store.FetchEvents(context.Background(), []string{"e1"})
	assert.NotEqual(t, err, nil)

	// the previous list stays
	assert.Equal(t, len(store.Snapshot().Events), 1)
}

func TestFetchCurrentEvent(t *testing.T) {
	client := newTestRemoteClient()
	store, _ := newTestStore(client, &testUserLookup{})
	defer store.Close()

	client.respondData(eventsOperation, map[string]any{
		"spEvents": []*Event{{Id: "e1", Name: "a"}},
	})

	err := store.FetchCurrentEvent(context.Background(), "e1")
	assert.Equal(t, err, nil)

	state := store.Snapshot()
	assert.Equal(t, state.CurrentEvent.Id, "e1")
	assert.Equal(t, state.CurrentEventState, SlicePopulated)
	assert.Equal(t, client.lastVariables(eventsOperation)["idIn"], []string{"e1"})
	// the list slice is independent
	assert.Equal(t, state.EventsState, SliceEmpty)
}

func TestFetchCurrentEventEmptyId(t *testing.T) {
	client := newTestRemoteClient()
	store, _ := newTestStore(client, &testUserLookup{})
	defer store.Close()

	client.respondData(eventsOperation, map[string]any{
		"spEvents": []*Event{{Id: "e1"}},
	})
	assert.Equal(t, store.FetchCurrentEvent(context.Background(), "e1"), nil)
	assert.Equal(t, client.callCount(eventsOperation), 1)

	assert.Equal(t, store.FetchCurrentEvent(context.Background(), ""), nil)

	assert.Equal(t, client.callCount(eventsOperation), 1)
	assert.Equal(t, store.Snapshot().CurrentEvent.Id, "e1")
}

func TestFetchCurrentEventNotFound(t *testing.T) {
	client := newTestRemoteClient()
	store, _ := newTestStore(client, &testUserLookup{})
	defer store.Close()

	client.respondData(eventsOperation, map[string]any{
		"spEvents": []*Event{{Id: "e1"}},
	})
	assert.Equal(t, store.FetchCurrentEvent(context.Background(), "e1"), nil)

	client.respondData(eventsOperation, map[string]any{
		"spEvents": []*Event{},
	})
	err := store.FetchCurrentEvent(context.Background(), "missing")
	assert.Equal(t, err, nil)

	state := store.Snapshot()
	assert.Equal(t, state.CurrentEvent == nil, true)
	assert.Equal(t, state.CurrentEventState, SlicePopulated)
}

func TestRefreshUserEventMembership(t *testing.T) {
	client := newTestRemoteClient()
	lookup := &testUserLookup{
		users: []*User{
			{Id: "u0", Events: []string{"x"}},
			{Id: "u1", Name: "ignored", Events: []string{"e1", "e2"}},
		},
	}
	store, _ := newTestStore(client, lookup)
	defer store.Close()

	client.respondData(currentUserOperation, map[string]any{
		"currentUser": &User{Id: "u1", Name: "a", Email: "a@b.c", Events: []string{}},
	})
	assert.Equal(t, store.FetchCurrentUser(context.Background()), nil)

	err := store.RefreshUserEventMembership(context.Background(), "u1")
	assert.Equal(t, err, nil)

	currentUser := store.Snapshot().CurrentUser
	assert.Equal(t, currentUser, &User{Id: "u1", Name: "a", Email: "a@b.c", Events: []string{"e1", "e2"}})
}

func TestRefreshUserEventMembershipMismatch(t *testing.T) {
	client := newTestRemoteClient()
	lookup := &testUserLookup{
		users: []*User{
			{Id: "u1", Events: []string{"e1"}},
			{Id: "u2", Events: []string{"e2"}},
		},
	}
	store, _ := newTestStore(client, lookup)
	defer store.Close()

	client.respondData(currentUserOperation, map[string]any{
		"currentUser": &User{Id: "u1", Name: "a", Events: []string{"e0"}},
	})
	assert.Equal(t, store.FetchCurrentUser(context.Background()), nil)
	before, err := json.Marshal(store.Snapshot().CurrentUser)
	assert.Equal(t, err, nil)

	commits := 0
	removeListener := store.AddListener(func(state *State) {
		commits += 1
	})
	defer removeListener()

	// not the current user
	assert.Equal(t, store.RefreshUserEventMembership(context.Background(), "u2"), nil)
	// not in the lookup
	assert.Equal(t, store.RefreshUserEventMembership(context.Background(), "u3"), nil)
	// absent
	assert.Equal(t, store.RefreshUserEventMembership(context.Background(), ""), nil)

	after, err := json.Marshal(store.Snapshot().CurrentUser)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(after), string(before))
	assert.Equal(t, commits, 0)
}

func TestRefreshUserEventMembershipNoSession(t *testing.T) {
	client := newTestRemoteClient()
	lookup := &testUserLookup{
		users: []*User{{Id: "u1", Events: []string{"e1"}}},
	}
	store, _ := newTestStore(client, lookup)
	defer store.Close()

	assert.Equal(t, store.RefreshUserEventMembership(context.Background(), "u1"), nil)
	assert.Equal(t, store.Snapshot().CurrentUser == nil, true)
}

func TestUpdateEvent(t *testing.T) {
	client := newTestRemoteClient()
	store, _ := newTestStore(client, &testUserLookup{})
	defer store.Close()

	client.respondData(eventsOperation, map[string]any{
		"spEvents": []*Event{{Id: "e1", Name: "a", Owner: "u1"}},
	})
	assert.Equal(t, store.FetchCurrentEvent(context.Background(), "e1"), nil)
	assert.Equal(t, store.FetchEvents(context.Background(), []string{"e1"}), nil)

	client.respond(updateEventOperation, func(variables map[string]any) (*Result, error) {
		return testResult(map[string]any{
			"updateEvent": &Event{Id: variables["_id"].(string), Name: variables["name"].(string), Owner: "u1"},
		}), nil
	})

	upload := store.Snapshot().CurrentEvent.Upload()
	upload.Name = "b"

	event, err := store.UpdateEvent(context.Background(), upload, false)
	assert.Equal(t, err, nil)
	assert.Equal(t, event.Name, "b")

	// not applied
	state := store.Snapshot()
	assert.Equal(t, state.CurrentEvent.Name, "a")
	assert.Equal(t, state.Events[0].Name, "a")

	variables := client.lastVariables(updateEventOperation)
	_, hasOwner := variables["owner"]
	assert.Equal(t, hasOwner, false)

	event, err = store.UpdateEvent(context.Background(), upload, true)
	assert.Equal(t, err, nil)
	assert.Equal(t, event.Name, "b")

	state = store.Snapshot()
	assert.Equal(t, state.CurrentEvent.Name, "b")
	// the list is not kept consistent by the update
	assert.Equal(t, state.Events[0].Name, "a")
}

func TestUpdateEventError(t *testing.T) {
	client := newTestRemoteClient()
	store, _ := newTestStore(client, &testUserLookup{})
	defer store.Close()

	client.respondData(eventsOperation, map[string]any{
		"spEvents": []*Event{{Id: "e1", Name: "a"}},
	})
	assert.Equal(t, store.FetchCurrentEvent(context.Background(), "e1"), nil)

	client.respond(updateEventOperation, func(variables map[string]any) (*Result, error) {
		return &Result{
			Errors: gqlerror.List{gqlerror.Errorf("Not allowed")},
		}, nil
	})

	_, err := store.UpdateEvent(context.Background(), &EventUpload{Id: "e1", Name: "b"}, true)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, store.Snapshot().CurrentEvent.Name, "a")
}

func TestLastCommitWins(t *testing.T) {
	client := newTestRemoteClient()
	store, _ := newTestStore(client, &testUserLookup{})
	defer store.Close()

	release := map[string]chan struct{}{
		"e1": make(chan struct{}),
		"e2": make(chan struct{}),
	}
	client.respond(eventsOperation, func(variables map[string]any) (*Result, error) {
		id := variables["idIn"].([]string)[0]
		<-release[id]
		return testResult(map[string]any{
			"spEvents": []*Event{{Id: id}},
		}), nil
	})

	var wg sync.WaitGroup
	done := map[string]chan struct{}{
		"e1": make(chan struct{}),
		"e2": make(chan struct{}),
	}
	for _, id := range []string{"e1", "e2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(done[id])
			store.FetchEvents(context.Background(), []string{id})
		}()
	}

	// e2 resolves first, e1 last
	close(release["e2"])
	<-done["e2"]
	assert.Equal(t, store.Snapshot().Events[0].Id, "e2")
	// the slice stays populated while e1 is in flight
	assert.Equal(t, store.Snapshot().EventsState, SlicePopulated)

	close(release["e1"])
	wg.Wait()
	assert.Equal(t, store.Snapshot().Events[0].Id, "e1")
}

func TestListenerSeesLastCommit(t *testing.T) {
	client := newTestRemoteClient()
	store, _ := newTestStore(client, &testUserLookup{})
	defer store.Close()

	client.respond(eventsOperation, func(variables map[string]any) (*Result, error) {
		id := variables["idIn"].([]string)[0]
		return testResult(map[string]any{
			"spEvents": []*Event{{Id: id}},
		}), nil
	})

	var mutex sync.Mutex
	observed := []string{}
	slow := make(chan struct{})
	removeListener := store.AddListener(func(state *State) {
		id := state.Events[0].Id
		if id == "a" {
			close(slow)
			// "b" commits while this listener is still running
			time.Sleep(100 * time.Millisecond)
		}
		mutex.Lock()
		defer mutex.Unlock()
		observed = append(observed, id)
	})
	defer removeListener()

	done := make(chan struct{})
	go func() {
		defer close(done)
		store.FetchEvents(context.Background(), []string{"a"})
	}()

	<-slow
	assert.Equal(t, store.FetchEvents(context.Background(), []string{"b"}), nil)
	<-done

	assert.Equal(t, store.Snapshot().Events[0].Id, "b")
	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, observed[len(observed)-1], "b")
}

func TestSnapshotIsCopy(t *testing.T) {
	client := newTestRemoteClient()
	store, _ := newTestStore(client, &testUserLookup{})
	defer store.Close()

	client.respondData(currentUserOperation, map[string]any{
		"currentUser": &User{Id: "u1", Events: []string{"e1"}},
	})
	assert.Equal(t, store.FetchCurrentUser(context.Background()), nil)

	snapshot := store.Snapshot()
	snapshot.CurrentUser.Events[0] = "changed"
	snapshot.CurrentUser = nil

	assert.Equal(t, store.Snapshot().CurrentUser.Events, []string{"e1"})
}

func TestStoreListener(t *testing.T) {
	client := newTestRemoteClient()
	store, _ := newTestStore(client, &testUserLookup{})
	defer store.Close()

	client.respondData(currentUserOperation, map[string]any{
		"currentUser": &User{Id: "u1"},
	})

	states := []*State{}
	removeListener := store.AddListener(func(state *State) {
		states = append(states, state)
	})
	// a panicking listener does not break the commit
	removePanic := store.AddListener(func(state *State) {
		panic("listener")
	})
	defer removePanic()

	assert.Equal(t, store.FetchCurrentUser(context.Background()), nil)
	assert.Equal(t, len(states), 1)
	assert.Equal(t, states[0].CurrentUser.Id, "u1")

	removeListener()
	assert.Equal(t, store.FetchCurrentUser(context.Background()), nil)
	assert.Equal(t, len(states), 1)

	store.ClearSession()
	state := store.Snapshot()
	assert.Equal(t, state.CurrentUser == nil, true)
	assert.Equal(t, state.CurrentUserState, SliceEmpty)
}

func TestClientUserLookup(t *testing.T) {
	client := newTestRemoteClient()
	client.respondData(usersOperation, map[string]any{
		"users": []*User{{Id: "u1", Events: []string{"e1"}}},
	})

	users, err := NewClientUserLookup(client).Users(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, len(users), 1)
	assert.Equal(t, users[0].Events, []string{"e1"})
}

func TestWatchCurrentEvent(t *testing.T) {
	client, _, duplex := newTestClient(func(operation *Operation, variables map[string]any) (*Result, error) {
		id := variables["idIn"].([]string)[0]
		return testResult(map[string]any{
			"spEvents": []*Event{{Id: id, Name: "a"}},
		}), nil
	})
	defer client.Close()
	store, _ := newTestStore(client, &testUserLookup{})
	defer store.Close()

	assert.Equal(t, store.FetchCurrentEvent(context.Background(), "e1"), nil)

	states := make(chan *State, 16)
	removeListener := store.AddListener(func(state *State) {
		states <- state
	})
	defer removeListener()

	subscription, err := store.WatchCurrentEvent(context.Background(), "e1")
	assert.Equal(t, err, nil)
	defer subscription.Close()

	duplex.subscription(t, 0).deliver(testResult(map[string]any{
		"eventUpdated": &Event{Id: "e1", Name: "b"},
	}), 0)

	select {
	case state := <-states:
		assert.Equal(t, state.CurrentEvent.Name, "b")
	case <-time.After(5 * time.Second):
		t.Fatalf("No commit.")
	}

	// the current event changes, updates for e1 are no longer committed
	assert.Equal(t, store.FetchCurrentEvent(context.Background(), "e2"), nil)
	<-states

	duplex.subscription(t, 0).deliver(testResult(map[string]any{
		"eventUpdated": &Event{Id: "e1", Name: "c"},
	}), 0)

	select {
	case state := <-states:
		t.Fatalf("Unexpected commit %s.", state.CurrentEvent.Name)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, store.Snapshot().CurrentEvent.Id, "e2")

	subscription.Close()
	_, ok := <-subscription.Events()
	assert.Equal(t, ok, false)
}
