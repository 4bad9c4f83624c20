package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"sync_core/internal/domain"
	"sync_core/internal/logger"
	"sync_core/realtime"
)

// Demo consumer for the realtime library: connects, prints feed changes,
// and sends whatever you type to the group channel.
func main() {
	server := flag.String("server", "localhost:8080", "sync-core host:port")
	peerID := flag.String("peer", "", "peer id")
	name := flag.String("name", "", "display name")
	flag.Parse()
	if *peerID == "" {
		fmt.Fprintln(os.Stderr, "usage: sync-client -peer <id> [-name <name>] [-server host:port]")
		os.Exit(1)
	}
	if *name == "" {
		*name = *peerID
	}

	log, err := logger.New(logger.Config{Development: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	client := realtime.NewClient(realtime.Config{
		WSURL:    "ws://" + *server + "/ws",
		RESTBase: "http://" + *server,
		SelfID:   *peerID,
		SelfName: *name,
		Logger:   log,
	})

	unsubscribe := client.Subscribe(func(ch realtime.Change) {
		switch ch.Kind {
		case realtime.ChangeConnection:
			fmt.Printf("-- connection: %s\n", client.State())
		case realtime.ChangePeers:
			online := client.OnlinePeers()
			names := make([]string, len(online))
			for i, p := range online {
				names[i] = p.DisplayName
			}
			fmt.Printf("-- online (%d): %s\n", len(online), strings.Join(names, ", "))
		case realtime.ChangeNotifications:
			for _, n := range client.Notifications() {
				fmt.Printf("-- [%s] %s: %s\n", n.Priority, n.Title, n.Message)
			}
		case realtime.ChangeChannel:
			if view, ok := client.Channel(ch.ChannelID); ok && len(view.Messages) > 0 {
				last := view.Messages[len(view.Messages)-1]
				fmt.Printf("[%s] %s: %s (%s)\n", view.ID, last.SenderID, last.Content, last.DeliveryState)
			}
		}
	})
	defer unsubscribe()

	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		log.Fatalw("failed to start client", "err", err)
	}
	defer client.Close()

	if err := client.FocusChannel(ctx, domain.GroupChannelID); err != nil {
		log.Warnw("failed to focus group channel", "err", err)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return
		}
		if _, err := client.SendMessage(ctx, domain.GroupChannelID, line); err != nil {
			fmt.Printf("!! send failed: %v\n", err)
		}
	}
}
