package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/voicelayer/compass/compass"
)

const CompassCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Compass control.

Connects to a Compass platform, prints the synchronized company model, and
optionally tails live events.

Usage:
    compassctl users --basedom=<basedom> --jid=<jid> [--password=<password>]
    compassctl queues --basedom=<basedom> --jid=<jid> [--password=<password>]
    compassctl calls --basedom=<basedom> --jid=<jid> [--password=<password>]
    compassctl watch --basedom=<basedom> --jid=<jid> [--password=<password>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --basedom=<basedom>      Base domain of the platform, e.g. pbx.example.com
    --jid=<jid>              Account jid, <username>@uc.<basedom>
    --password=<password>    Account password. Prompted when omitted.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CompassCtlVersion)
	if err != nil {
		panic(err)
	}

	basedom, _ := opts.String("--basedom")
	jid, _ := opts.String("--jid")
	password, _ := opts.String("--password")
	if password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			Err.Fatalf("read password error = %s", err)
		}
		password = string(passwordBytes)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connection := compass.NewConnectionWithDefaults(ctx, basedom)
	connection.StatusCallback = func(state compass.ConnectionState, message string) {
		Err.Printf("status: %s", message)
	}
	defer connection.Close()

	credentials := &compass.Credentials{
		Jid:      jid,
		Password: password,
	}
	if err := connection.Connect(ctx, credentials); err != nil {
		Err.Fatalf("connect error = %s", err)
	}

	model := connection.Model()

	if users_, _ := opts.Bool("users"); users_ {
		printUsers(model)
	} else if queues_, _ := opts.Bool("queues"); queues_ {
		printQueues(model)
	} else if calls_, _ := opts.Bool("calls"); calls_ {
		printCalls(model)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(ctx, model)
	}
}

func printUsers(model *compass.Model) {
	users := model.Users()
	sort.Slice(users, func(i int, j int) bool {
		return users[i].Id < users[j].Id
	})
	for _, user := range users {
		loggedIn := " "
		if user.LoggedIn {
			loggedIn = "*"
		}
		Out.Printf("%s %s %s <%s> ext=%s queues=%d",
			loggedIn,
			user.Id,
			user.Name,
			user.Jid,
			strings.Join(user.Extensions, ","),
			len(user.Queues()),
		)
	}
}

func printQueues(model *compass.Model) {
	queues := model.Queues()
	sort.Slice(queues, func(i int, j int) bool {
		return queues[i].Id < queues[j].Id
	})
	for _, queue := range queues {
		Out.Printf("%s %s members=%d paused=%d calls=%d",
			queue.Id,
			queue.Name,
			len(queue.Members),
			len(queue.PausedUsers()),
			len(queue.Calls()),
		)
	}
}

func printCalls(model *compass.Model) {
	calls := model.Calls()
	sort.Slice(calls, func(i int, j int) bool {
		return calls[i].Id < calls[j].Id
	})
	for _, call := range calls {
		parent := ""
		if call.ParentCall != nil {
			parent = fmt.Sprintf(" parent=%s", call.ParentCall.Id)
		}
		Out.Printf("%s %s %s -> %s%s",
			call.Id,
			call.State,
			describeCallPoint(call.Source),
			describeCallPoint(call.Destination),
			parent,
		)
	}
}

func describeCallPoint(callPoint *compass.CallPoint) string {
	switch callPoint.Type {
	case compass.CallPointTypeUser:
		return fmt.Sprintf("user(%s,%s)", callPoint.UserId, callPoint.State)
	case compass.CallPointTypeQueue:
		return fmt.Sprintf("queue(%s,%s)", callPoint.QueueId, callPoint.State)
	case compass.CallPointTypeExternal:
		return fmt.Sprintf("external(%s,%s)", callPoint.Number, callPoint.State)
	case compass.CallPointTypeDialplan:
		return fmt.Sprintf("dialplan(%s,%s)", callPoint.Exten, callPoint.State)
	default:
		return fmt.Sprintf("%s(%s,%s)", callPoint.Type, callPoint.Id, callPoint.State)
	}
}

func watch(ctx context.Context, model *compass.Model) {
	printEvent := func(channel string) compass.EventFunction {
		return func(event *compass.Event) {
			emitter := "-"
			if event.Emitter != nil {
				emitter = fmt.Sprintf("%s", event.Emitter)
			}
			Out.Printf("[%s] %s %s", channel, event.Type, emitter)
		}
	}

	unsubUsers := model.AddUserEventCallback(printEvent("user"))
	defer unsubUsers()
	unsubQueues := model.AddQueueEventCallback(printEvent("queue"))
	defer unsubQueues()
	unsubCalls := model.AddCallEventCallback(printEvent("call"))
	defer unsubCalls()

	Err.Printf("watching events, ^C to stop")
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-ctx.Done():
	case <-stop:
	}
}
