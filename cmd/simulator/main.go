package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// Global flags
	apiURL := "http://localhost:5000"
	if envURL := os.Getenv("API_URL"); envURL != "" {
		apiURL = envURL
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "populate":
		populateCmd(apiURL, args)
	case "chat":
		chatCmd(apiURL, args)
	case "roster":
		rosterCmd(apiURL, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Chat Simulator - Development tool for exercising the relay

USAGE:
  simulator <command> [options]

COMMANDS:
  populate  Connect fake users and keep them online until interrupted
  chat      Send messages between two users and report acknowledgements
  roster    List users and their online status
  help      Show this help message

ENVIRONMENT:
  API_URL   Backend API URL (default: http://localhost:5000)

EXAMPLES:
  # Keep 20 fake users online
  simulator populate --count=20

  # Send 5 messages from guest1 to guest2
  simulator chat --from=guest1 --to=guest2 --count=5

  # Show who is online
  simulator roster`)
}

func populateCmd(apiURL string, args []string) {
	fs := flag.NewFlagSet("populate", flag.ExitOnError)
	count := fs.Int("count", 10, "Number of fake users to connect")
	prefix := fs.String("prefix", "guest", "Username prefix")
	interval := fs.Duration("heartbeat", 30*time.Second, "Heartbeat interval")
	fs.Parse(args)

	if *count < 1 {
		fmt.Println("Error: --count must be at least 1")
		os.Exit(1)
	}

	fmt.Printf("Connecting %d users...\n\n", *count)

	stop := make(chan struct{})
	var sessions []*Session
	for i := 1; i <= *count; i++ {
		username := fmt.Sprintf("%s%d", *prefix, i)
		s, err := Connect(apiURL, username)
		if err != nil {
			fmt.Printf("  [%d/%d] FAILED to connect %s: %v\n", i, *count, username, err)
			continue
		}
		go s.Heartbeat(*interval, stop)
		sessions = append(sessions, s)
		fmt.Printf("  [%d/%d] %s online\n", i, *count, username)
	}

	fmt.Println()
	fmt.Printf("%d users online. Press Ctrl-C to disconnect them.\n", len(sessions))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	close(stop)
	for _, s := range sessions {
		s.Close()
	}
	fmt.Println("Disconnected.")
}

func chatCmd(apiURL string, args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	from := fs.String("from", "", "Sender username (required)")
	to := fs.String("to", "", "Recipient username (required)")
	count := fs.Int("count", 1, "Number of messages to send")
	body := fs.String("body", "hello", "Message body")
	fs.Parse(args)

	if *from == "" || *to == "" {
		fmt.Println("Error: --from and --to are required")
		fmt.Println("\nUsage: simulator chat --from=alice --to=bob [--count=1]")
		os.Exit(1)
	}

	sender, err := Connect(apiURL, *from)
	if err != nil {
		fmt.Printf("Failed to connect %s: %v\n", *from, err)
		os.Exit(1)
	}
	defer sender.Close()

	recipient, err := Connect(apiURL, *to)
	if err != nil {
		fmt.Printf("Failed to connect %s: %v\n", *to, err)
		os.Exit(1)
	}
	defer recipient.Close()

	delivered := 0
	for i := 1; i <= *count; i++ {
		ack, err := sender.Chat(*to, fmt.Sprintf("%s #%d", *body, i))
		switch {
		case err != nil:
			fmt.Printf("  [%d/%d] FAILED: %v\n", i, *count, err)
		case !ack.Success:
			fmt.Printf("  [%d/%d] rejected (%s): %s\n", i, *count, ack.Code, ack.Error)
		default:
			delivered++
			fmt.Printf("  [%d/%d] acked %s\n", i, *count, ack.ID)
		}
	}

	time.Sleep(500 * time.Millisecond)
	received := recipient.Incoming()

	history, err := NewAPIClient(apiURL).History(recipient.Token, *to)
	if err != nil {
		fmt.Printf("Warning: failed to load history for %s: %v\n", *to, err)
	}

	fmt.Println()
	fmt.Println("=========================================")
	fmt.Printf("  Acked:     %d/%d\n", delivered, *count)
	fmt.Printf("  Received:  %d live\n", len(received))
	fmt.Printf("  History:   %d stored for %s\n", len(history), *to)
	fmt.Println("=========================================")
}

func rosterCmd(apiURL string, args []string) {
	fs := flag.NewFlagSet("roster", flag.ExitOnError)
	username := fs.String("user", "", "Only check this username")
	fs.Parse(args)

	client := NewAPIClient(apiURL)

	if *username != "" {
		exists, err := client.Exists(*username)
		if err != nil {
			fmt.Printf("Failed to check %s: %v\n", *username, err)
			os.Exit(1)
		}
		fmt.Printf("%s exists: %v\n", *username, exists)
		return
	}

	users, err := client.ListUsers()
	if err != nil {
		fmt.Printf("Failed to list users: %v\n", err)
		os.Exit(1)
	}

	online := 0
	for _, u := range users {
		status := "offline"
		if u.Online {
			status = "online"
			online++
		}
		fmt.Printf("  %-24s %-8s last seen %s\n", u.Username, status, u.LastSeen.Format(time.RFC3339))
	}
	fmt.Printf("\n%d users, %d online\n", len(users), online)
}
