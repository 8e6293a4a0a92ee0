package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/joho/godotenv"
	"golang.org/x/term"

	"meteorwire.com/ddp"
)

const DdpCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

	// optional .env with DDP_URL etc
	godotenv.Load()
}

func main() {
	usage := `DDP control.

The server url defaults to the DDP_URL environment variable
(e.g. wss://example.meteorapp.com/websocket).

Usage:
    ddpctl call [--url=<url>] [--token=<token>] <method> [<params_json>]
    ddpctl watch [--url=<url>] [--token=<token>] --collection=<collection>
        [--sub=<name>] [--sub_params=<params_json>]
    ddpctl collections [--url=<url>] [--token=<token>] --sub=<name>
        [--sub_params=<params_json>]
    ddpctl login [--url=<url>] --user=<user_auth> [--password=<password>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --url=<url>                  Server websocket url.
    --token=<token>              Resume token from a previous login.
    --collection=<collection>    Collection to watch.
    --sub=<name>                 Subscription to issue after connect.
    --sub_params=<params_json>   Subscription params as a JSON array.
    --user=<user_auth>           Username or email.
    --password=<password>        Password. Prompted when omitted.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DdpCtlVersion)
	if err != nil {
		panic(err)
	}

	if call_, _ := opts.Bool("call"); call_ {
		call(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if collections_, _ := opts.Bool("collections"); collections_ {
		collections(opts)
	} else if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	}
}

func serverUrl(opts docopt.Opts) string {
	if url, err := opts.String("--url"); err == nil && url != "" {
		return url
	}
	if url := os.Getenv("DDP_URL"); url != "" {
		return url
	}
	Err.Fatalf("No server url. Pass --url or set DDP_URL.")
	return ""
}

func parseParams(opts docopt.Opts, key string) []any {
	paramsJson, err := opts.String(key)
	if err != nil || paramsJson == "" {
		return nil
	}
	params := []any{}
	if err := json.Unmarshal([]byte(paramsJson), &params); err != nil {
		Err.Fatalf("Invalid params json (%s).", err)
	}
	return params
}

// connect and wait for the session to be ready. resumes the token
// first when one was given.
func connectClient(opts docopt.Opts, cancelCtx context.Context) *ddp.Client {
	client := ddp.NewClientWithDefaults(cancelCtx, serverUrl(opts))

	ready := make(chan struct{}, 1)
	client.AddReadyCallback(func() {
		select {
		case ready <- struct{}{}:
		default:
		}
	})

	if token, err := opts.String("--token"); err == nil && token != "" {
		client.LoginWithToken(token, nil)
	}

	client.Connect()

	select {
	case <-ready:
	case <-time.After(30 * time.Second):
		Err.Fatalf("Connect timeout.")
	}
	return client
}

func call(opts docopt.Opts) {
	method, _ := opts.String("<method>")
	params := parseParams(opts, "<params_json>")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := connectClient(opts, cancelCtx)
	defer client.Close()

	done := make(chan struct{})
	client.Call(method, params, func(result any, err error) {
		defer close(done)
		if err != nil {
			Err.Printf("Call error (%s).", err)
			return
		}
		resultJson, _ := json.MarshalIndent(result, "", "  ")
		Out.Printf("%s", resultJson)
	})

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		Err.Fatalf("Call timeout.")
	}
}

func watch(opts docopt.Opts) {
	collection, _ := opts.String("--collection")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := connectClient(opts, cancelCtx)
	defer client.Close()

	client.Watch(collection, nil, func(reason ddp.ChangeReason, id string, value any) {
		valueJson, _ := json.Marshal(value)
		Out.Printf("%s %s %s", reason, id, valueJson)
	})

	if sub, err := opts.String("--sub"); err == nil && sub != "" {
		client.Subscribe(sub, parseParams(opts, "--sub_params"), func() {
			Out.Printf("ready: %s", sub)
		})
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

func collections(opts docopt.Opts) {
	sub, _ := opts.String("--sub")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := connectClient(opts, cancelCtx)
	defer client.Close()

	ready := make(chan struct{})
	client.Subscribe(sub, parseParams(opts, "--sub_params"), func() {
		close(ready)
	})

	select {
	case <-ready:
	case <-time.After(30 * time.Second):
		Err.Fatalf("Subscription timeout.")
	}

	for _, name := range client.CollectionNames() {
		Out.Printf("%s (%d)", name, len(client.Ids(name)))
		for _, id := range client.Ids(name) {
			value, _ := client.Get(name, id)
			valueJson, _ := json.Marshal(value)
			Out.Printf("  %s %s", id, valueJson)
		}
	}
}

func login(opts docopt.Opts) {
	userAuth, _ := opts.String("--user")

	password, err := opts.String("--password")
	if err != nil || password == "" {
		fmt.Fprintf(os.Stderr, "Password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintf(os.Stderr, "\n")
		if err != nil {
			Err.Fatalf("Cannot read password (%s).", err)
		}
		password = string(passwordBytes)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := connectClient(opts, cancelCtx)
	defer client.Close()

	done := make(chan error, 1)
	callback := func(result any, err error) {
		done <- err
	}
	if strings.Contains(userAuth, "@") {
		client.LoginWithEmail(userAuth, password, callback)
	} else {
		client.LoginWithUsername(userAuth, password, callback)
	}

	select {
	case err := <-done:
		if err != nil {
			Err.Fatalf("Login failed (%s).", err)
		}
	case <-time.After(30 * time.Second):
		Err.Fatalf("Login timeout.")
	}

	Out.Printf("user_id: %s", client.UserId())
	Out.Printf("token: %s", client.ResumeToken())
}
