package shareprice

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

var ErrRouteNotFound = errors.New("Route not found.")

type RouteName string

const (
	RouteHome   RouteName = "Home"
	RouteSimple RouteName = "Simple"
	RouteUser   RouteName = "User"
	RouteEvents RouteName = "Events"
	RouteEvent  RouteName = "Event"
	RouteSignIn RouteName = "SignIn"
	RouteSignUp RouteName = "SignUp"
)

const DefaultRoute = RouteHome

type Route struct {
	Name RouteName
	// segments starting with ":" are params
	Path string
}

var Routes = []*Route{
	{Name: RouteHome, Path: "/home"},
	{Name: RouteSimple, Path: "/simple-calculations"},
	{Name: RouteUser, Path: "/user"},
	{Name: RouteEvents, Path: "/events"},
	{Name: RouteEvent, Path: "/event/:id"},
	{Name: RouteSignIn, Path: "/signin"},
	{Name: RouteSignUp, Path: "/signup"},
}

// reachable without a credential
var SafeRoutes = []RouteName{RouteSignIn, RouteSignUp}

type Location struct {
	Name   RouteName
	Path   string
	Params map[string]string
}

func (self *Location) String() string {
	return fmt.Sprintf("%s(%s)", self.Name, self.Path)
}

type Decision struct {
	// the zero value allows the transition
	Redirect RouteName
}

func (self Decision) Allowed() bool {
	return self.Redirect == ""
}

// Guard decides a transition from the credential presence alone.
// It never fetches and never reads the store.
func Guard(to RouteName, credentials CredentialAccessor) Decision {
	isAuthenticated := credentials.AuthCookie() != ""
	if !slices.Contains(SafeRoutes, to) && !isAuthenticated {
		return Decision{Redirect: RouteSignIn}
	}
	return Decision{}
}

func findRoute(name RouteName) *Route {
	for _, route := range Routes {
		if route.Name == name {
			return route
		}
	}
	return nil
}

func ResolveRoute(name RouteName, params map[string]string) (*Location, error) {
	route := findRoute(name)
	if route == nil {
		return nil, fmt.Errorf("%w: %s", ErrRouteNotFound, name)
	}

	segments := strings.Split(route.Path, "/")
	locationParams := map[string]string{}
	for i, segment := range segments {
		if param, ok := strings.CutPrefix(segment, ":"); ok {
			value := params[param]
			if value == "" {
				return nil, fmt.Errorf("Route %s missing param %s.", name, param)
			}
			segments[i] = url.PathEscape(value)
			locationParams[param] = value
		}
	}

	return &Location{
		Name:   name,
		Path:   strings.Join(segments, "/"),
		Params: locationParams,
	}, nil
}

// "/" redirects to the default route
func ResolvePath(path string) (*Location, error) {
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		return ResolveRoute(DefaultRoute, nil)
	}

	pathSegments := strings.Split(path, "/")
	for _, route := range Routes {
		routeSegments := strings.Split(route.Path, "/")
		if len(routeSegments) != len(pathSegments) {
			continue
		}
		params := map[string]string{}
		match := true
		for i, routeSegment := range routeSegments {
			if param, ok := strings.CutPrefix(routeSegment, ":"); ok {
				value, err := url.PathUnescape(pathSegments[i])
				if err != nil || value == "" {
					match = false
					break
				}
				params[param] = value
			} else if routeSegment != pathSegments[i] {
				match = false
				break
			}
		}
		if match {
			return &Location{
				Name:   route.Name,
				Path:   path,
				Params: params,
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRouteNotFound, path)
}

type LocationListener func(location *Location)

// Router holds the current location. Every transition runs the guard first.
type Router struct {
	credentials CredentialAccessor

	mutex   sync.Mutex
	current *Location

	listeners *CallbackList[LocationListener]
}

func NewRouter(credentials CredentialAccessor) *Router {
	return &Router{
		credentials: credentials,
		listeners:   NewCallbackList[LocationListener](),
	}
}

func (self *Router) Push(name RouteName, params map[string]string) (*Location, error) {
	location, err := ResolveRoute(name, params)
	if err != nil {
		return nil, err
	}
	return self.transition(location)
}

func (self *Router) PushPath(path string) (*Location, error) {
	location, err := ResolvePath(path)
	if err != nil {
		return nil, err
	}
	return self.transition(location)
}

// implements `Navigator`
func (self *Router) Navigate(name RouteName) error {
	_, err := self.Push(name, nil)
	return err
}

func (self *Router) transition(to *Location) (*Location, error) {
	decision := Guard(to.Name, self.credentials)
	if !decision.Allowed() {
		glog.V(2).Infof("[r]%s redirect %s\n", to, decision.Redirect)
		redirect, err := ResolveRoute(decision.Redirect, nil)
		if err != nil {
			return nil, err
		}
		to = redirect
	}

	self.mutex.Lock()
	self.current = to
	self.mutex.Unlock()

	for _, listener := range self.listeners.Get() {
		HandleError(func() {
			listener(to)
		})
	}
	return to, nil
}

func (self *Router) Current() *Location {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.current
}

func (self *Router) AddListener(listener LocationListener) func() {
	return self.listeners.Add(listener)
}
