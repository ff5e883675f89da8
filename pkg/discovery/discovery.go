// Package discovery implements LAN server discovery over UDP multicast.
// Servers announce themselves on a fixed multicast group every few seconds;
// clients listen on the group and keep a table of recently seen servers.
package discovery

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// MulticastAddr is the group and port all announcements use.
	MulticastAddr = "224.168.9.55:19502"

	// Magic prefixes every announcement so unrelated traffic on the group
	// is ignored.
	Magic = "LanChatMcastMsg_"

	// MaxDatagramSize bounds a single announcement.
	MaxDatagramSize = 512
)

// encodeAnnouncement builds the wire form: magic, server name, TCP port.
// The name may contain anything but a '|'.
func encodeAnnouncement(serverName string, tcpPort int) []byte {
	return []byte(Magic + serverName + "|" + strconv.Itoa(tcpPort))
}

// decodeAnnouncement parses an announcement datagram. Returns ok=false for
// traffic without the magic prefix or with a malformed payload.
func decodeAnnouncement(data []byte) (serverName string, tcpPort int, ok bool) {
	payload, found := strings.CutPrefix(string(data), Magic)
	if !found {
		return "", 0, false
	}
	name, portStr, found := strings.Cut(payload, "|")
	if !found || name == "" {
		return "", 0, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, false
	}
	return name, port, true
}

// HostPort joins a discovered server's host and TCP port into a dialable
// address.
func HostPort(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
