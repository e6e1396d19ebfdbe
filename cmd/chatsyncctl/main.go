package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/ctlclient"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	if args[0] == "profiles" {
		cmdProfiles(*jsonFlag)
		return
	}

	c, err := ctlclient.Dial(profile.SocketPath(profileName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", profileName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		cmdWatch(c, args[1:], *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out := output{json: *jsonFlag}

	switch args[0] {
	case "status":
		out.status(must(c.Status(ctx)))
	case "login":
		need(args, 2, "login <address>")
		out.status(must(c.Login(ctx, args[1], readSecret())))
	case "register":
		need(args, 3, "register <name> <address>")
		out.status(must(c.Register(ctx, args[1], args[2], readSecret())))
	case "logout":
		out.status(must(c.Logout(ctx)))
	case "conversations":
		out.conversations(must(c.ListConversations(ctx)))
	case "open":
		need(args, 2, "open <user-id>")
		id, err := c.Resolve(ctx, args[1])
		if err != nil {
			fail(err)
		}
		out.messages(must(c.SetActive(ctx, id)))
	case "messages":
		out.messages(must(c.ListMessages(ctx)))
	case "send":
		need(args, 3, "send <conversation-id> <text>")
		out.message(must(c.Send(ctx, args[1], strings.Join(args[2:], " "))))
	case "typing":
		need(args, 3, "typing <conversation-id> <start|stop>")
		switch args[2] {
		case "start":
			check(c.StartTyping(ctx, args[1]))
		case "stop":
			check(c.StopTyping(ctx, args[1]))
		default:
			usage("typing <conversation-id> <start|stop>")
		}
	case "friends":
		out.friends(must(c.ListFriends(ctx)))
	case "requests":
		out.requests(must(c.ListRequests(ctx)))
	case "add":
		need(args, 2, "add <user-id>")
		out.raw(must(c.SendRequest(ctx, args[1])))
	case "add-code":
		need(args, 2, "add-code <code>")
		id, err := c.SendRequestByInvite(ctx, parseInvite(args[1]))
		if err != nil {
			fail(err)
		}
		out.raw(map[string]any{"request_id": id})
	case "accept":
		need(args, 2, "accept <request-id>")
		check(c.Accept(ctx, args[1]))
	case "reject":
		need(args, 2, "reject <request-id>")
		check(c.Reject(ctx, args[1]))
	case "invite":
		code, err := c.GenerateInvite(ctx)
		if err != nil {
			fail(err)
		}
		out.invite(code)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatsyncctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                          Show session status")
	fmt.Fprintln(os.Stderr, "  login <address>                 Sign in (secret from CHATSYNC_SECRET or stdin)")
	fmt.Fprintln(os.Stderr, "  register <name> <address>       Create an account")
	fmt.Fprintln(os.Stderr, "  logout                          Sign out")
	fmt.Fprintln(os.Stderr, "  conversations                   List conversations")
	fmt.Fprintln(os.Stderr, "  open <user-id>                  Open the direct conversation with a user")
	fmt.Fprintln(os.Stderr, "  messages                        Show the active conversation")
	fmt.Fprintln(os.Stderr, "  send <conversation-id> <text>   Send a message")
	fmt.Fprintln(os.Stderr, "  typing <conversation-id> <start|stop>")
	fmt.Fprintln(os.Stderr, "  friends                         List friends")
	fmt.Fprintln(os.Stderr, "  requests                        List pending friend requests")
	fmt.Fprintln(os.Stderr, "  add <user-id>                   Send a friend request")
	fmt.Fprintln(os.Stderr, "  add-code <code>                 Send a friend request by invite code")
	fmt.Fprintln(os.Stderr, "  accept <request-id>             Accept a friend request")
	fmt.Fprintln(os.Stderr, "  reject <request-id>             Reject a friend request")
	fmt.Fprintln(os.Stderr, "  invite                          Generate an invite code and show its QR code")
	fmt.Fprintln(os.Stderr, "  watch [prefix...]               Stream daemon events")
	fmt.Fprintln(os.Stderr, "  profiles                        List local profiles")
}

func readSecret() string {
	if s := os.Getenv("CHATSYNC_SECRET"); s != "" {
		return s
	}
	fmt.Fprint(os.Stderr, "password: ")
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	return strings.TrimRight(line, "\r\n")
}

func cmdWatch(c *ctlclient.Client, prefixes []string, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err := c.Watch(ctx, prefixes, func(evt map[string]any) error {
		if jsonOut {
			return json.NewEncoder(os.Stdout).Encode(evt)
		}
		ts := time.UnixMilli(int64(num(evt["occurred_at_ms"]))).Format(time.TimeOnly)
		payload, _ := json.Marshal(evt["payload"])
		fmt.Printf("%s %-28s %s\n", ts, str(evt["kind"]), payload)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		fail(err)
	}
}

func cmdProfiles(jsonOut bool) {
	entries, err := os.ReadDir(filepath.Join(profile.BaseDir(), "profiles"))
	if err != nil && !os.IsNotExist(err) {
		fail(err)
	}
	var list []map[string]any
	for _, e := range entries {
		if !e.IsDir() || profile.ValidateName(e.Name()) != nil {
			continue
		}
		pid, running := lock.Holder(profile.LockPath(e.Name()))
		list = append(list, map[string]any{
			"name":    e.Name(),
			"path":    profile.Dir(e.Name()),
			"running": running,
			"pid":     pid,
		})
	}
	if jsonOut {
		outputJSON(list)
		return
	}
	if len(list) == 0 {
		fmt.Println("No profiles found.")
		return
	}
	for _, p := range list {
		state := "stopped"
		if p["running"].(bool) {
			state = fmt.Sprintf("running, pid %d", p["pid"])
		}
		fmt.Printf("%-20s %s (%s)\n", p["name"], p["path"], state)
	}
}

func must(v map[string]any, err error) map[string]any {
	if err != nil {
		fail(err)
	}
	return v
}

func check(err error) {
	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	if code := api.FailureCode(err); code != "" {
		fmt.Fprintf(os.Stderr, "error [%s]: %v\n", code, err)
	} else {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(1)
}

func need(args []string, n int, form string) {
	if len(args) < n {
		usage(form)
	}
}

func usage(form string) {
	fmt.Fprintln(os.Stderr, "usage: chatsyncctl "+form)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
