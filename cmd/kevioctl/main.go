package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/kevio/internal/bus"
	"github.com/loqalabs/kevio/internal/config"
	"github.com/loqalabs/kevio/internal/protocol"
)

var version = "0.1.0-dev"

const usage = "expected one of: validate, toggle, listen, idle, status, watch, version"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	flags := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := flags.String("config", config.DefaultPath(), "Path to configuration file")
	timeout := flags.Duration("timeout", 3*time.Second, "Request timeout")

	switch cmd {
	case "version":
		fmt.Println(version)
		return
	case "validate", "toggle", "listen", "idle", "status", "watch":
		_ = flags.Parse(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", cmd, usage)
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cmd == "validate" {
		fmt.Println("config valid")
		return
	}

	if err := run(cmd, cfg, *timeout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig tolerates a missing default file so kevioctl works against a
// daemon running on defaults.
func loadConfig(path string) (config.Config, error) {
	if path == config.DefaultPath() {
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	return config.Load(path)
}

func run(cmd string, cfg config.Config, timeout time.Duration) error {
	busCfg := cfg.Bus
	if busCfg.Embedded {
		busCfg.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", cfg.Bus.Port)}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	client, err := bus.Connect(ctx, busCfg, logger)
	if err != nil {
		return fmt.Errorf("is kevio running? %w", err)
	}
	defer client.Close()

	switch cmd {
	case "toggle":
		return control(ctx, client, protocol.ControlRequest{Action: protocol.ActionToggle})
	case "listen":
		return control(ctx, client, protocol.ControlRequest{Action: protocol.ActionSetMode, Mode: "listening"})
	case "idle":
		return control(ctx, client, protocol.ControlRequest{Action: protocol.ActionSetMode, Mode: "idle"})
	case "status":
		st, err := nextState(ctx, client)
		if err != nil {
			return err
		}
		return printJSON(st)
	case "watch":
		return watch(client)
	}
	return nil
}

func control(ctx context.Context, client *bus.Client, req protocol.ControlRequest) error {
	var reply protocol.ControlReply
	if err := client.RequestJSON(ctx, protocol.SubjectControl, req, &reply); err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("kevio refused %s: %s", req.Action, reply.Error)
	}
	fmt.Printf("%s (generation %d)\n", reply.State.Mode, reply.State.Generation)
	return nil
}

// nextState waits for the next state broadcast; the daemon republishes its
// state on every heartbeat.
func nextState(ctx context.Context, client *bus.Client) (protocol.StateMessage, error) {
	sub, err := client.Conn().SubscribeSync(protocol.SubjectState)
	if err != nil {
		return protocol.StateMessage{}, err
	}
	defer sub.Unsubscribe()
	msg, err := sub.NextMsgWithContext(ctx)
	if err != nil {
		return protocol.StateMessage{}, fmt.Errorf("no state received: %w", err)
	}
	var st protocol.StateMessage
	if err := json.Unmarshal(msg.Data, &st); err != nil {
		return protocol.StateMessage{}, err
	}
	return st, nil
}

// watch prints state changes, transcripts and errors until interrupted.
func watch(client *bus.Client) error {
	msgs := make(chan *nats.Msg, 64)
	for _, subject := range []string{protocol.SubjectState, protocol.SubjectTranscriptFinal, protocol.SubjectTranscriptPartial, protocol.SubjectError} {
		sub, err := client.Conn().ChanSubscribe(subject, msgs)
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
	}
	for msg := range msgs {
		fmt.Printf("%s %s\n", msg.Subject, msg.Data)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
