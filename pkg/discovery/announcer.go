package discovery

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// AnnounceInterval is how often a server re-announces itself.
const AnnounceInterval = 4 * time.Second

// Announcer periodically multicasts a server's name and TCP port so clients
// on the same LAN can find it without configuration.
type Announcer struct {
	serverName string
	tcpPort    int
	interval   time.Duration

	conn     *net.UDPConn
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewAnnouncer creates an announcer for a server. Nothing is sent until
// Start.
func NewAnnouncer(serverName string, tcpPort int) *Announcer {
	return &Announcer{
		serverName: serverName,
		tcpPort:    tcpPort,
		interval:   AnnounceInterval,
		shutdown:   make(chan struct{}),
	}
}

// Start opens the multicast socket and begins the announce loop. The first
// announcement goes out immediately.
func (a *Announcer) Start() error {
	addr, err := net.ResolveUDPAddr("udp4", MulticastAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve multicast address: %w", err)
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("failed to open multicast socket: %w", err)
	}
	a.conn = conn

	a.wg.Add(1)
	go a.announceLoop()
	return nil
}

// Stop halts announcements and closes the socket. Listeners drop the server
// after its last announcement goes stale.
func (a *Announcer) Stop() {
	close(a.shutdown)
	a.wg.Wait()
	if a.conn != nil {
		a.conn.Close()
	}
}

func (a *Announcer) announceLoop() {
	defer a.wg.Done()

	payload := encodeAnnouncement(a.serverName, a.tcpPort)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.conn.Write(payload)
	for {
		select {
		case <-a.shutdown:
			return
		case <-ticker.C:
			a.conn.Write(payload)
		}
	}
}
