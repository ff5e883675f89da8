// Command lanchat is a line-oriented LanChat client. It discovers servers on
// the LAN, pins their certificates on first use and speaks the chat protocol
// over TLS.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lanchat/lanchat/pkg/client"
	"github.com/lanchat/lanchat/pkg/discovery"
	"github.com/lanchat/lanchat/pkg/trust"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	args := parseArgs()

	prefs, err := client.OpenPrefs(args.prefsPath)
	if err != nil {
		return err
	}
	defer prefs.Close()

	nickname := args.nickname
	if nickname == "" {
		nickname = prompt(fmt.Sprintf("Nickname [%s]: ", prefs.LastNickname()))
		if nickname == "" {
			nickname = prefs.LastNickname()
		}
	}
	if nickname == "" {
		return fmt.Errorf("a nickname is required")
	}

	addr := args.server
	if addr == "" {
		addr, err = pickServer()
		if err != nil {
			return err
		}
	}

	store, err := trust.OpenStore(args.trustPath)
	if err != nil {
		return err
	}

	fmt.Printf("Connecting to %s...\n", addr)
	conn, err := client.Dial(addr, store, terminalPrompter{})
	if err != nil {
		return err
	}
	defer conn.Close()

	ui := &console{current: ""}
	state := client.NewState(nickname, conn, ui)
	ui.state = state

	runErr := make(chan error, 1)
	go func() { runErr <- state.Run() }()

	if err := state.Login(); err != nil {
		return err
	}
	prefs.SetLastNickname(nickname)
	prefs.RememberServer(addr, addr)

	go ui.inputLoop(conn)

	if err := <-runErr; err != nil {
		return fmt.Errorf("connection lost: %w", err)
	}
	fmt.Println("Disconnected.")
	return nil
}

type cliArgs struct {
	server    string
	nickname  string
	trustPath string
	prefsPath string
}

func parseArgs() cliArgs {
	home, _ := os.UserHomeDir()
	var args cliArgs
	flag.StringVar(&args.server, "server", "", "Server address (host:port); discovered on the LAN when empty")
	flag.StringVar(&args.nickname, "nick", "", "Nickname to connect with")
	flag.StringVar(&args.trustPath, "trust-file", filepath.Join(home, ".lanchat", "known_servers"), "Path to the pinned certificate store")
	flag.StringVar(&args.prefsPath, "prefs", filepath.Join(home, ".lanchat", "client.db"), "Path to the preferences database")
	flag.Parse()
	return args
}

// pickServer listens for LAN announcements and lets the user choose.
func pickServer() (string, error) {
	fmt.Println("Searching for servers on the LAN...")
	listener := discovery.NewListener()
	if err := listener.Start(); err != nil {
		return "", err
	}
	defer listener.Stop()

	time.Sleep(discovery.AnnounceInterval + time.Second)
	servers := listener.Servers()
	if len(servers) == 0 {
		return "", fmt.Errorf("no servers found; use -server host:port")
	}

	for i, srv := range servers {
		fmt.Printf("  %d) %s (%s)\n", i+1, srv.Name, srv.Addr())
	}
	choice := prompt("Server: ")
	var index int
	if _, err := fmt.Sscanf(choice, "%d", &index); err != nil || index < 1 || index > len(servers) {
		return "", fmt.Errorf("invalid selection")
	}
	return servers[index-1].Addr(), nil
}

// terminalPrompter asks TOFU questions on stdin.
type terminalPrompter struct{}

func (terminalPrompter) ConfirmNewCertificate(addr, fingerprint string) bool {
	fmt.Printf("First connection to %s.\nCertificate fingerprint: %s\n", addr, fingerprint)
	return strings.EqualFold(prompt("Trust this server? [y/N]: "), "y")
}

func (terminalPrompter) ConfirmChangedCertificate(addr, pinned, presented string) bool {
	fmt.Printf("WARNING: the certificate for %s has CHANGED.\n  pinned:    %s\n  presented: %s\n", addr, pinned, presented)
	return strings.EqualFold(prompt("Trust the new certificate? [y/N]: "), "y")
}

func prompt(msg string) string {
	fmt.Print(msg)
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return ""
	}
	return strings.TrimSpace(scanner.Text())
}

// console is the interactive loop plus the Notifier that prints incoming
// messages. The "current" channel is whichever conversation the user last
// addressed; its messages print inline and never count as unread.
type console struct {
	state   *client.State
	current string
}

func (c *console) Notify(channel string, msg client.Message) bool {
	if channel == c.current {
		if msg.Author == "" {
			fmt.Printf("* %s\n", msg.Text)
		} else {
			fmt.Printf("<%s> %s\n", msg.Author, msg.Text)
		}
		return true
	}
	fmt.Printf("(%s) new message\n", channel)
	return false
}

func (c *console) inputLoop(conn *client.Connection) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if c.current == "" {
				fmt.Println("No active conversation. /msg <nick> <text> or /join <room>")
				continue
			}
			c.say(line)
			continue
		}
		if !c.command(line, conn) {
			return
		}
	}
}

func (c *console) say(text string) {
	if _, ok := c.state.Channel(client.ChannelRoom, c.current); ok {
		if err := c.state.SendRoomMessage(c.current, text); err != nil {
			fmt.Printf("Send failed: %v\n", err)
		}
		return
	}
	if err := c.state.SendDirect(c.current, text); err != nil {
		fmt.Printf("Send failed: %v\n", err)
	}
}

// command executes one slash command; the false return exits the loop.
func (c *console) command(line string, conn *client.Connection) bool {
	fields := strings.Fields(line)
	rest := func(n int) string {
		if len(fields) > n {
			return strings.Join(fields[n:], " ")
		}
		return ""
	}

	switch fields[0] {
	case "/quit":
		conn.Disconnect()
		return false
	case "/who":
		for _, name := range c.state.Clients() {
			fmt.Println(" ", name)
		}
	case "/rooms":
		for _, room := range c.state.Rooms() {
			marker := ""
			if room.Encrypted {
				marker = " [encrypted]"
			}
			fmt.Printf("  %s%s %s\n", room.Name, marker, room.Topic)
		}
	case "/msg":
		if len(fields) < 3 {
			fmt.Println("Usage: /msg <nick> <text>")
			break
		}
		c.current = fields[1]
		if err := c.state.SendDirect(fields[1], rest(2)); err != nil {
			fmt.Printf("Send failed: %v\n", err)
		}
	case "/create":
		if len(fields) < 2 {
			fmt.Println("Usage: /create <room> [topic]")
			break
		}
		if err := c.state.CreateRoom(fields[1], rest(2), ""); err != nil {
			fmt.Printf("Create failed: %v\n", err)
		}
	case "/create-encrypted":
		if len(fields) < 3 {
			fmt.Println("Usage: /create-encrypted <room> <password> [topic]")
			break
		}
		if err := c.state.CreateRoom(fields[1], rest(3), fields[2]); err != nil {
			fmt.Printf("Create failed: %v\n", err)
		}
	case "/join":
		if len(fields) < 2 {
			fmt.Println("Usage: /join <room> [password]")
			break
		}
		var err error
		if len(fields) >= 3 {
			err = c.state.JoinEncryptedRoom(fields[1], fields[2])
		} else {
			err = c.state.JoinRoom(fields[1])
		}
		if err != nil {
			fmt.Printf("Join failed: %v\n", err)
			break
		}
		c.current = fields[1]
		c.state.MarkRead(client.ChannelRoom, fields[1])
	case "/leave":
		if len(fields) < 2 {
			fmt.Println("Usage: /leave <room>")
			break
		}
		if err := c.state.LeaveRoom(fields[1]); err != nil {
			fmt.Printf("Leave failed: %v\n", err)
		}
		if c.current == fields[1] {
			c.current = ""
		}
	case "/delete":
		if len(fields) < 2 {
			fmt.Println("Usage: /delete <room>")
			break
		}
		if err := c.state.DeleteRoom(fields[1]); err != nil {
			fmt.Printf("Delete failed: %v\n", err)
		}
	default:
		fmt.Println("Commands: /msg /create /create-encrypted /join /leave /delete /rooms /who /quit")
	}
	return true
}
