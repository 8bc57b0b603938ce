// Command chatclient connects to the chat relay and bridges it to the
// terminal: stdin lines are published, inbound messages are printed. Lines
// starting with "@name " go only to that peer.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"gophersnake-go/internal/chat"
	"gophersnake-go/internal/config"
	"gophersnake-go/internal/logging"
	"gophersnake-go/internal/version"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (YAML or JSON)")
		debug       = flag.Bool("debug", false, "enable debug logging")
		name        = flag.String("name", "", "display name (overrides config)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Version)
		return
	}

	manager, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	defer manager.Stop()

	cfg := manager.Get()
	if *debug {
		cfg.Debug = true
	}
	if err := logging.Setup(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}

	displayName := cfg.Player.DisplayName
	if *name != "" {
		displayName = *name
	}

	client := chat.NewClient(
		cfg.Chat.ServerURL+"?name="+url.QueryEscape(displayName),
		chat.WithReconnectPolicy(cfg.Chat.MaxReconnectAttempts, cfg.ReconnectDelay()),
	)
	client.OnChat(func(sender, message string) {
		fmt.Printf("[%s] %s\n", sender, message)
	})
	client.OnConnectionState(func(connected bool) {
		if connected {
			log.Info("joined chat")
		} else {
			log.Warn("left chat")
		}
	})

	client.Connect(true)
	defer client.Disconnect()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-sigCh:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			message, target := line, ""
			if rest, found := strings.CutPrefix(line, "@"); found {
				if peer, text, ok := strings.Cut(rest, " "); ok && peer != "" {
					target, message = peer, strings.TrimSpace(text)
				}
			}
			if err := client.Send(message, target); err != nil {
				log.WithError(err).Warn("message not sent")
			}
		}
	}
}
