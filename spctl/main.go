package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/shareprice/client/shareprice"
)

const SpCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Shareprice client control.

The endpoints are chosen by SP_ENV (development or production),
and can be overridden with SP_HTTP_URL and SP_WS_URL or a config file.
The token is read from --token or SP_TOKEN.

Usage:
    spctl sign-in [--config=<config>] --email=<email> [-v]
    spctl user [--config=<config>] [--token=<token>] [-v]
    spctl events [--config=<config>] [--token=<token>] [-v] [<event_ids>...]
    spctl event [--config=<config>] [--token=<token>] [-v] <event_id>
    spctl update-event [--config=<config>] [--token=<token>] [-v] <event_id>
        [--name=<name>]
        [--currency=<currency>]
        [--date=<date>]
    spctl watch-event [--config=<config>] [--token=<token>] [-v] <event_id>
        [--count=<count>]
    spctl navigate [--token=<token>] <path>
    spctl claims [--token=<token>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    -v                       Debug logging.
    --config=<config>        Yaml config file.
    --token=<token>          Your auth token.
    --email=<email>          Sign in email. The password is read from the terminal.
    --name=<name>            New event name.
    --currency=<currency>    New event currency.
    --date=<date>            New event date.
    --count=<count>          Print this many updates then exit.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SpCtlVersion)
	if err != nil {
		panic(err)
	}

	initGlog(opts)

	if signIn_, _ := opts.Bool("sign-in"); signIn_ {
		signIn(opts)
	} else if user_, _ := opts.Bool("user"); user_ {
		user(opts)
	} else if events_, _ := opts.Bool("events"); events_ {
		events(opts)
	} else if event_, _ := opts.Bool("event"); event_ {
		event(opts)
	} else if updateEvent_, _ := opts.Bool("update-event"); updateEvent_ {
		updateEvent(opts)
	} else if watchEvent_, _ := opts.Bool("watch-event"); watchEvent_ {
		watchEvent(opts)
	} else if navigate_, _ := opts.Bool("navigate"); navigate_ {
		navigate(opts)
	} else if claims_, _ := opts.Bool("claims"); claims_ {
		claims(opts)
	}
}

func initGlog(opts docopt.Opts) {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	if debug, _ := opts.Bool("-v"); debug {
		flag.Set("v", "2")
	} else {
		flag.Set("v", "0")
	}
}

// the process lives for one command. The client and store are torn down on exit.
type app struct {
	ctx         context.Context
	cancel      context.CancelFunc
	config      *shareprice.Config
	credentials *shareprice.Credentials
	client      *shareprice.Client
	router      *shareprice.Router
	store       *shareprice.Store
}

func newApp(opts docopt.Opts) *app {
	configPath, _ := opts.String("--config")
	config, err := shareprice.LoadConfig(configPath)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	if token, _ := opts.String("--token"); token != "" {
		config.Token = token
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	credentials := shareprice.NewCredentials(config.Token)
	client := shareprice.NewClient(ctx, config.Endpoints(), credentials, config.ClientSettings())
	router := shareprice.NewRouter(credentials)
	store := shareprice.NewStoreWithDefaults(ctx, client, router)

	router.AddListener(func(location *shareprice.Location) {
		if location.Name == shareprice.RouteSignIn {
			Err.Printf("Not signed in. Run `spctl sign-in`.")
		}
	})

	return &app{
		ctx:         ctx,
		cancel:      cancel,
		config:      config,
		credentials: credentials,
		client:      client,
		router:      router,
		store:       store,
	}
}

func (self *app) Close() {
	self.store.Close()
	self.client.Close()
	self.cancel()
}

// the same guard the pages use
func (self *app) requireRoute(name shareprice.RouteName, params map[string]string) {
	location, err := self.router.Push(name, params)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	if location.Name != name {
		self.Close()
		os.Exit(1)
	}
}

func signIn(opts docopt.Opts) {
	a := newApp(opts)
	defer a.Close()

	email, _ := opts.String("--email")

	fmt.Fprint(os.Stderr, "Password: ")
	passwordBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		Err.Fatalf("%s", err)
	}

	err = shareprice.SignIn(a.ctx, a.client, a.credentials, &shareprice.SignInArgs{
		Email:    email,
		Password: string(passwordBytes),
	})
	if err != nil {
		Err.Fatalf("%s", err)
	}

	Out.Printf("%s", a.credentials.AuthCookie())
}

func user(opts docopt.Opts) {
	a := newApp(opts)
	defer a.Close()

	a.requireRoute(shareprice.RouteUser, nil)

	if err := a.store.FetchCurrentUser(a.ctx); err != nil {
		Err.Fatalf("%s", err)
	}
	printJson(a.store.Snapshot().CurrentUser)
}

// with no ids, the events of the current user
func events(opts docopt.Opts) {
	a := newApp(opts)
	defer a.Close()

	a.requireRoute(shareprice.RouteEvents, nil)

	eventIds, _ := opts["<event_ids>"].([]string)
	if len(eventIds) == 0 {
		if err := a.store.FetchCurrentUser(a.ctx); err != nil {
			Err.Fatalf("%s", err)
		}
		currentUser := a.store.Snapshot().CurrentUser
		if currentUser == nil {
			Err.Fatalf("No current user.")
		}
		eventIds = currentUser.Events
	}

	if err := a.store.FetchEvents(a.ctx, eventIds); err != nil {
		Err.Fatalf("%s", err)
	}
	printJson(a.store.Snapshot().Events)
}

func event(opts docopt.Opts) {
	a := newApp(opts)
	defer a.Close()

	eventId, _ := opts.String("<event_id>")
	a.requireRoute(shareprice.RouteEvent, map[string]string{"id": eventId})

	if err := a.store.FetchCurrentEvent(a.ctx, eventId); err != nil {
		Err.Fatalf("%s", err)
	}
	currentEvent := a.store.Snapshot().CurrentEvent
	if currentEvent == nil {
		Err.Fatalf("Event %s not found.", eventId)
	}
	printJson(currentEvent)
}

func updateEvent(opts docopt.Opts) {
	a := newApp(opts)
	defer a.Close()

	eventId, _ := opts.String("<event_id>")
	a.requireRoute(shareprice.RouteEvent, map[string]string{"id": eventId})

	if err := a.store.FetchCurrentEvent(a.ctx, eventId); err != nil {
		Err.Fatalf("%s", err)
	}
	currentEvent := a.store.Snapshot().CurrentEvent
	if currentEvent == nil {
		Err.Fatalf("Event %s not found.", eventId)
	}

	upload := currentEvent.Upload()
	if name, err := opts.String("--name"); err == nil && name != "" {
		upload.Name = name
	}
	if currency, err := opts.String("--currency"); err == nil && currency != "" {
		upload.Currency = currency
	}
	if date, err := opts.String("--date"); err == nil && date != "" {
		upload.Date = date
	}

	if _, err := a.store.UpdateEvent(a.ctx, upload, true); err != nil {
		Err.Fatalf("%s", err)
	}
	printJson(a.store.Snapshot().CurrentEvent)
}

func watchEvent(opts docopt.Opts) {
	a := newApp(opts)
	defer a.Close()

	eventId, _ := opts.String("<event_id>")
	a.requireRoute(shareprice.RouteEvent, map[string]string{"id": eventId})

	count := -1
	if countStr, err := opts.String("--count"); err == nil && countStr != "" {
		count, err = strconv.Atoi(countStr)
		if err != nil {
			Err.Fatalf("%s", err)
		}
	}

	if err := a.store.FetchCurrentEvent(a.ctx, eventId); err != nil {
		Err.Fatalf("%s", err)
	}

	updates := make(chan *shareprice.Event)
	removeListener := a.store.AddListener(func(state *shareprice.State) {
		if state.CurrentEvent != nil {
			select {
			case updates <- state.CurrentEvent:
			case <-a.ctx.Done():
			}
		}
	})
	defer removeListener()

	subscription, err := a.store.WatchCurrentEvent(a.ctx, eventId)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	defer subscription.Close()

	for i := 0; count < 0 || i < count; i += 1 {
		select {
		case <-a.ctx.Done():
			return
		case <-subscription.Done():
			if err := subscription.Err(); err != nil {
				Err.Printf("%s", err)
			}
			return
		case update := <-updates:
			printJson(update)
		case <-time.After(time.Minute):
			Err.Printf("No update for %s.", eventId)
		}
	}
}

func navigate(opts docopt.Opts) {
	token, _ := opts.String("--token")
	if token == "" {
		token = os.Getenv("SP_TOKEN")
	}
	path, _ := opts.String("<path>")

	router := shareprice.NewRouter(shareprice.NewCredentials(token))
	location, err := router.PushPath(path)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s", location.Path)
}

func claims(opts docopt.Opts) {
	token, _ := opts.String("--token")
	if token == "" {
		token = os.Getenv("SP_TOKEN")
	}
	authClaims, err := shareprice.ParseAuthClaimsUnverified(token)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	printJson(authClaims)
	if authClaims.Expired(time.Now()) {
		Err.Printf("Token expired at %s.", authClaims.ExpiresAt)
	}
}

func printJson(v any) {
	vJson, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s", vJson)
}
