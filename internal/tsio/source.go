// Package tsio implements PacketSource: opening an MPEG-TS input from any
// of the transports the segmenter accepts, and aligning the resulting byte
// stream to 188-byte packet boundaries before any parser sees it.
package tsio

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"

	"github.com/futzu/x9kgo/internal/errs"
)

const (
	packetSize = 188
	syncByte   = 0x47
)

// Open resolves uri to a readable, closable byte stream: a local file
// path, an http(s):// URL, a udp:// address (joining the multicast group
// when the address is a multicast address), or "-"/"" for standard input.
func Open(uri string) (io.ReadCloser, error) {
	if uri == "" || uri == "-" {
		return io.NopCloser(os.Stdin), nil
	}

	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" {
		return openFile(uri)
	}

	switch u.Scheme {
	case "file":
		return openFile(u.Path)
	case "http", "https":
		return openHTTP(uri)
	case "udp":
		return openUDP(u.Host)
	default:
		return nil, errs.Wrap(errs.SourceIO, fmt.Errorf("tsio: unsupported scheme %q in %s", u.Scheme, uri))
	}
}

func openFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.SourceIO, fmt.Errorf("tsio: open %s: %w", path, err))
	}
	return f, nil
}

func openHTTP(uri string) (io.ReadCloser, error) {
	resp, err := http.Get(uri)
	if err != nil {
		return nil, errs.Wrap(errs.SourceIO, fmt.Errorf("tsio: get %s: %w", uri, err))
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errs.Wrap(errs.SourceIO, fmt.Errorf("tsio: get %s: status %s", uri, resp.Status))
	}
	return resp.Body, nil
}

func openUDP(hostport string) (io.ReadCloser, error) {
	addr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return nil, errs.Wrap(errs.SourceIO, fmt.Errorf("tsio: resolve udp://%s: %w", hostport, err))
	}
	var conn *net.UDPConn
	if addr.IP != nil && addr.IP.IsMulticast() {
		conn, err = net.ListenMulticastUDP("udp", nil, addr)
	} else {
		conn, err = net.ListenUDP("udp", addr)
	}
	if err != nil {
		return nil, errs.Wrap(errs.SourceIO, fmt.Errorf("tsio: listen udp://%s: %w", hostport, err))
	}
	return conn, nil
}
