// Package upstream dials destinations through HTTP and SOCKS5 upstream
// proxies.
package upstream

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// Dial opens a TCP connection to destination ("host:port") through the
// upstream proxy. The returned conn is a raw byte pipe: for HTTP upstreams
// the CONNECT handshake has already completed.
func Dial(ctx context.Context, upstream *url.URL, destination string) (net.Conn, error) {
	switch upstream.Scheme {
	case "http", "https":
		return dialHTTP(ctx, upstream, destination)
	case "socks5":
		return dialSOCKS5(ctx, upstream, destination)
	default:
		return nil, fmt.Errorf("unsupported upstream scheme: %s", upstream.Scheme)
	}
}

// BasicAuth returns the value of a Proxy-Authorization header for the
// credentials carried by the upstream URL, and whether any are present.
func BasicAuth(upstream *url.URL) (string, bool) {
	if upstream.User == nil {
		return "", false
	}
	user := upstream.User.Username()
	pass, _ := upstream.User.Password()
	creds := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
	return "Basic " + creds, true
}

// dialHTTP performs the CONNECT handshake with an HTTP upstream proxy:
//
//	CONNECT host:port HTTP/1.1
//	Host: host:port
//	[Proxy-Authorization: Basic <b64>]
//
// and returns the connection once the proxy answers 200.
func dialHTTP(ctx context.Context, upstream *url.URL, destination string) (net.Conn, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", upstream.Host)
	if err != nil {
		return nil, fmt.Errorf("dial upstream proxy %s: %w", upstream.Host, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\n", destination)
	fmt.Fprintf(&b, "Host: %s\r\n", destination)
	if auth, ok := BasicAuth(upstream); ok {
		fmt.Fprintf(&b, "Proxy-Authorization: %s\r\n", auth)
	}
	b.WriteString("\r\n")

	if _, err := conn.Write([]byte(b.String())); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	// Drain the remaining response headers up to the blank line.
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("read CONNECT response headers: %w", err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	fields := strings.Fields(status)
	if len(fields) < 2 || fields[1] != "200" {
		conn.Close()
		return nil, fmt.Errorf("upstream proxy refused CONNECT: %s", strings.TrimSpace(status))
	}

	_ = conn.SetDeadline(time.Time{})
	// The reader may have buffered bytes the proxy sent right after its
	// response; replay them ahead of the raw connection.
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// dialSOCKS5 dials through a SOCKS5 upstream proxy.
func dialSOCKS5(ctx context.Context, upstream *url.URL, destination string) (net.Conn, error) {
	var auth *proxy.Auth
	if upstream.User != nil {
		pass, _ := upstream.User.Password()
		auth = &proxy.Auth{User: upstream.User.Username(), Password: pass}
	}

	dialer, err := proxy.SOCKS5("tcp", upstream.Host, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("create socks5 dialer: %w", err)
	}

	type contextDialer interface {
		DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	}
	if cd, ok := dialer.(contextDialer); ok {
		conn, err := cd.DialContext(ctx, "tcp", destination)
		if err != nil {
			return nil, fmt.Errorf("socks5 dial %s: %w", destination, err)
		}
		return conn, nil
	}

	conn, err := dialer.Dial("tcp", destination)
	if err != nil {
		return nil, fmt.Errorf("socks5 dial %s: %w", destination, err)
	}
	return conn, nil
}

// bufferedConn prepends bytes already consumed by a bufio.Reader to the
// read stream.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}
