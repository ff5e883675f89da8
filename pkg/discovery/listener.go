package discovery

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// StaleAfter is how long a server stays listed after its last announcement.
// Three missed announce intervals and it is considered gone.
const StaleAfter = 3 * AnnounceInterval

// DiscoveredServer is one server seen on the multicast group.
type DiscoveredServer struct {
	Name     string
	Host     string
	Port     int
	LastSeen time.Time
}

// Addr returns the server's dialable TCP address.
func (s DiscoveredServer) Addr() string {
	return HostPort(s.Host, s.Port)
}

// Listener collects server announcements from the multicast group. Servers
// are keyed by address, so a renamed server replaces its old entry.
type Listener struct {
	mu      sync.Mutex
	servers map[string]DiscoveredServer

	conn     *net.UDPConn
	shutdown chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewListener creates a listener. Nothing is received until Start.
func NewListener() *Listener {
	return &Listener{
		servers:  make(map[string]DiscoveredServer),
		shutdown: make(chan struct{}),
		now:      time.Now,
	}
}

// Start joins the multicast group and begins collecting announcements.
func (l *Listener) Start() error {
	addr, err := net.ResolveUDPAddr("udp4", MulticastAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve multicast address: %w", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("failed to join multicast group: %w", err)
	}
	conn.SetReadBuffer(MaxDatagramSize)
	l.conn = conn

	l.wg.Add(1)
	go l.readLoop()
	return nil
}

// Stop leaves the multicast group.
func (l *Listener) Stop() {
	close(l.shutdown)
	if l.conn != nil {
		l.conn.Close()
	}
	l.wg.Wait()
}

func (l *Listener) readLoop() {
	defer l.wg.Done()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, src, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.shutdown:
				return
			default:
				continue
			}
		}
		name, port, ok := decodeAnnouncement(buf[:n])
		if !ok {
			continue
		}
		l.record(name, src.IP.String(), port)
	}
}

func (l *Listener) record(name, host string, port int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	addr := HostPort(host, port)
	l.servers[addr] = DiscoveredServer{
		Name:     name,
		Host:     host,
		Port:     port,
		LastSeen: l.now(),
	}
}

// Servers returns the currently known servers, pruning any whose last
// announcement is older than StaleAfter.
func (l *Listener) Servers() []DiscoveredServer {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-StaleAfter)
	servers := make([]DiscoveredServer, 0, len(l.servers))
	for addr, srv := range l.servers {
		if srv.LastSeen.Before(cutoff) {
			delete(l.servers, addr)
			continue
		}
		servers = append(servers, srv)
	}
	return servers
}
