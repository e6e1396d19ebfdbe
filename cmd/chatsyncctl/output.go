package main

import (
	"fmt"
	"os"
	"time"
)

// output prints control responses either as JSON or as short text.
type output struct {
	json bool
}

func (o output) raw(v map[string]any) {
	if o.json {
		outputJSON(v)
		return
	}
	for k, val := range v {
		fmt.Printf("%s: %v\n", k, val)
	}
}

func (o output) status(v map[string]any) {
	if o.json {
		outputJSON(v)
		return
	}
	fmt.Printf("Profile: %s\n", str(v["profile"]))
	fmt.Printf("State:   %s\n", str(v["state"]))
	if self, ok := v["self"].(map[string]any); ok {
		fmt.Printf("User:    %s <%s> (%s)\n", str(self["display_name"]), str(self["address"]), str(self["id"]))
	}
	if addr := str(v["pending_verification"]); addr != "" {
		fmt.Printf("Pending: confirm %s to finish signing up\n", addr)
	}
	if msg := str(v["last_error"]); msg != "" {
		fmt.Printf("Error:   %s\n", msg)
	}
	fmt.Printf("Uptime:  %s\n", (time.Duration(num(v["uptime_ms"])) * time.Millisecond).Round(time.Second))
}

func (o output) conversations(v map[string]any) {
	if o.json {
		outputJSON(v)
		return
	}
	list, _ := v["conversations"].([]any)
	if len(list) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, item := range list {
		c, _ := item.(map[string]any)
		var names []string
		for _, p := range asList(c["participants"]) {
			names = append(names, str(p["display_name"]))
		}
		preview := ""
		if m, ok := c["preview"].(map[string]any); ok {
			preview = fmt.Sprintf("%s: %s", str(m["sender_name"]), str(m["content"]))
		}
		fmt.Printf("%s  %-30v %s\n", str(c["id"]), names, preview)
	}
}

func (o output) messages(v map[string]any) {
	if o.json {
		outputJSON(v)
		return
	}
	fmt.Printf("Conversation %s\n", str(v["conversation_id"]))
	for _, m := range asList(v["messages"]) {
		printMessage(m)
	}
}

func (o output) message(v map[string]any) {
	if o.json {
		outputJSON(v)
		return
	}
	if m, ok := v["message"].(map[string]any); ok {
		printMessage(m)
	}
}

func (o output) friends(v map[string]any) {
	if o.json {
		outputJSON(v)
		return
	}
	list := asList(v["friends"])
	if len(list) == 0 {
		fmt.Println("No friends yet.")
		return
	}
	for _, f := range list {
		fmt.Printf("%s  %-20s %s\n", str(f["id"]), str(f["display_name"]), str(f["status"]))
	}
}

func (o output) requests(v map[string]any) {
	if o.json {
		outputJSON(v)
		return
	}
	section := func(title string, list []map[string]any) {
		fmt.Println(title)
		if len(list) == 0 {
			fmt.Println("  (none)")
		}
		for _, r := range list {
			who := ""
			if cp, ok := r["counterpart"].(map[string]any); ok {
				who = str(cp["display_name"])
			}
			fmt.Printf("  %s  %s\n", str(r["id"]), who)
		}
	}
	section("Incoming:", asList(v["incoming"]))
	section("Outgoing:", asList(v["outgoing"]))
}

func (o output) invite(code string) {
	if o.json {
		outputJSON(map[string]any{"code": code, "uri": inviteURI(code)})
		return
	}
	fmt.Printf("Invite code: %s\n\n", code)
	qr, err := renderQR(inviteURI(code))
	if err != nil {
		fmt.Fprintf(os.Stderr, "(QR generation failed: %v)\n", err)
		return
	}
	fmt.Print(qr)
}

func printMessage(m map[string]any) {
	at := time.UnixMilli(int64(num(m["created_at_ms"]))).Format("2006-01-02 15:04")
	fmt.Printf("[%s] %s: %s\n", at, str(m["sender_name"]), str(m["content"]))
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// num reads a number decoded from a protobuf Struct, where every number is
// a float64.
func num(v any) float64 {
	f, _ := v.(float64)
	return f
}

func asList(v any) []map[string]any {
	items, _ := v.([]any)
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
