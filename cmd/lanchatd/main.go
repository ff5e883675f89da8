// Command lanchatd is the LanChat server: a TLS chat server with rooms,
// direct messages and LAN discovery.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/lanchat/lanchat/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.lanchat/server.toml", "Path to config file")
	port := flag.Int("port", 0, "TCP port to listen on (overrides config)")
	name := flag.String("name", "", "Server name announced on the LAN (overrides config)")
	noDiscovery := flag.Bool("no-discovery", false, "Disable LAN discovery announcements")
	debug := flag.Bool("debug", false, "Enable debug logging to stderr")
	writeConfig := flag.Bool("write-config", false, "Write a default config file and exit")
	flag.Parse()

	path := server.ExpandPath(*configPath)

	if *writeConfig {
		if err := server.SaveDefaultConfig(path); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return
	}

	config, err := server.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *port != 0 {
		config.TCPPort = *port
	}
	if *name != "" {
		config.ServerName = *name
	}
	if *noDiscovery {
		config.DiscoveryEnabled = false
	}
	if *debug {
		server.EnableDebugLogging(os.Stderr)
	}

	srv := server.NewServer(config)
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start server: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v", sig)

	srv.Stop()
}
