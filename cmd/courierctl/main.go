package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/courierhq/courier/internal/api"
	"github.com/courierhq/courier/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := api.NewClient(profile.SocketPath(profileName))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch args[0] {
	case "status":
		err = cmdStatus(ctx, c, *jsonFlag)
	case "convos":
		err = cmdConvos(ctx, c, *jsonFlag)
	case "start":
		err = requireArgs(args, 2, "courierctl start <peer>", func() error {
			return cmdStart(ctx, c, args[1])
		})
	case "send":
		err = requireArgs(args, 3, "courierctl send <conversation> <text>", func() error {
			return cmdSend(ctx, c, args[1], args[2])
		})
	case "messages":
		err = requireArgs(args, 2, "courierctl messages <conversation>", func() error {
			return cmdMessages(ctx, c, args[1], *jsonFlag)
		})
	case "read":
		err = requireArgs(args, 2, "courierctl read <conversation>", func() error {
			return c.MarkRead(ctx, args[1])
		})
	case "retry":
		err = requireArgs(args, 2, "courierctl retry <msg-id>", func() error {
			return c.Retry(ctx, args[1])
		})
	case "watch":
		err = cmdWatch(c)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func requireArgs(args []string, n int, usage string, fn func() error) error {
	if len(args) < n {
		return fmt.Errorf("usage: %s", usage)
	}
	return fn()
}

func cmdStatus(ctx context.Context, c *api.Client, asJSON bool) error {
	if err := c.Health(ctx); err != nil {
		return err
	}
	online, err := c.Network(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(map[string]any{"daemon": "up", "online": online})
	}
	state := "offline"
	if online {
		state = "online"
	}
	fmt.Printf("daemon up, network %s\n", state)
	return nil
}

func cmdConvos(ctx context.Context, c *api.Client, asJSON bool) error {
	convos, err := c.Conversations(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(convos)
	}
	for _, cv := range convos {
		fmt.Printf("%s  last=%q  unread=%v\n", cv.ID, cv.LastMsgPreview, cv.Unread)
	}
	return nil
}

func cmdStart(ctx context.Context, c *api.Client, peer string) error {
	id, err := c.StartConversation(ctx, peer)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func cmdSend(ctx context.Context, c *api.Client, conversationID, text string) error {
	if err := c.Open(ctx, conversationID); err != nil {
		return err
	}
	m, err := c.Send(ctx, conversationID, text)
	if err != nil {
		return err
	}
	fmt.Printf("%s  %s\n", m.MsgID, m.Status)
	return nil
}

func cmdMessages(ctx context.Context, c *api.Client, conversationID string, asJSON bool) error {
	msgs, err := c.Messages(ctx, conversationID, 50, 0, "")
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(msgs)
	}
	for _, m := range msgs {
		ts := time.UnixMilli(m.CreatedAt).Format("15:04:05")
		fmt.Printf("[%s] %-10s %s: %s\n", ts, m.Status, m.SenderID, m.Body)
	}
	return nil
}

func cmdWatch(c *api.Client) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return c.Watch(ctx, "", func(env api.EventEnvelope) error {
		return printJSON(env)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: courierctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                      Show daemon and network state")
	fmt.Fprintln(os.Stderr, "  convos                      List conversations")
	fmt.Fprintln(os.Stderr, "  start <peer>                Start a conversation with peer")
	fmt.Fprintln(os.Stderr, "  send <conversation> <text>  Send a message")
	fmt.Fprintln(os.Stderr, "  messages <conversation>     List messages")
	fmt.Fprintln(os.Stderr, "  read <conversation>         Mark conversation read")
	fmt.Fprintln(os.Stderr, "  retry <msg-id>              Retry a failed message")
	fmt.Fprintln(os.Stderr, "  watch                       Stream core events")
}
