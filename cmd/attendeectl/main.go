package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Paul-M-Kallarackal/attendee/internal/control"
	"github.com/Paul-M-Kallarackal/attendee/internal/logging"
)

var version = "dev"

const usage = `usage: attendeectl [-url URL] <command> [args]

commands:
  speak TEXT             synthesize TEXT and play it into the meeting
  play NAME              play a WAV clip from the bot's clips directory
  play-raw FILE RATE     play raw PCM16 mono from FILE at RATE Hz
  stop                   stop the current playback
  status                 print pipeline counters
  version`

func main() {
	url := flag.String("url", envOr("CONTROL_URL", "http://localhost:8081/mcp/ws"), "control server MCP websocket URL")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if args[0] == "version" {
		fmt.Println(version)
		return
	}
	tool, toolArgs, err := parseCommand(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logging.Init()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := control.NewClient("attendeectl", version)
	if err := c.Connect(ctx, *url); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer c.Close()

	out, err := c.Call(ctx, tool, toolArgs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(out)
}

// parseCommand maps a command line onto a control tool call.
func parseCommand(args []string) (string, map[string]any, error) {
	switch args[0] {
	case "speak":
		if len(args) != 2 {
			return "", nil, fmt.Errorf("speak takes one TEXT argument")
		}
		return "speak", map[string]any{"text": args[1]}, nil
	case "play":
		if len(args) != 2 {
			return "", nil, fmt.Errorf("play takes one NAME argument")
		}
		return "play_clip", map[string]any{"name": args[1]}, nil
	case "play-raw":
		if len(args) != 3 {
			return "", nil, fmt.Errorf("play-raw takes FILE and RATE")
		}
		var rate int
		if _, err := fmt.Sscanf(args[2], "%d", &rate); err != nil || rate <= 0 {
			return "", nil, fmt.Errorf("invalid rate %q", args[2])
		}
		b, err := os.ReadFile(args[1])
		if err != nil {
			return "", nil, err
		}
		return "play_clip", map[string]any{"audio_base64": base64.StdEncoding.EncodeToString(b), "sample_rate": rate}, nil
	case "stop":
		return "stop_playback", nil, nil
	case "status":
		return "pipeline_status", nil, nil
	default:
		return "", nil, fmt.Errorf("unknown command %q", args[0])
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
