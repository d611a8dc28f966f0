// Package sip is a signaling-only adapter for SIP trunks and registrars.
//
// Health checks send a SIP OPTIONS request over UDP and accept any final
// response below 500. Media is not bridged here; calls through a SIP trunk go
// through the gateway's WebRTC leg, so NewTransport reports
// telephony.ErrMediaUnsupported.
package sip

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"coldcaller-telephony/internal/telephony"

	"github.com/google/uuid"
)

var ErrBadResponse = errors.New("sip: malformed response")

type Provider struct {
	name string
	log  *slog.Logger
}

func New(name string, log *slog.Logger) *Provider {
	if name == "" {
		name = "sip"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Provider{name: name, log: log}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) NewTransport(telephony.Endpoint) (telephony.Transport, error) {
	return nil, telephony.ErrMediaUnsupported
}

// HealthCheck sends OPTIONS to ep.Server and waits for a final response.
func (p *Provider) HealthCheck(ctx context.Context, ep telephony.Endpoint) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", ep.Server)
	if err != nil {
		return fmt.Errorf("sip: dial %s: %w", ep.Server, err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	// Unblock the read if ctx is cancelled without a deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	callID := uuid.NewString()
	req := buildOptions(ep, conn.LocalAddr().String(), callID)
	p.log.Debug("sip options", "server", ep.Server, "call_id", callID)

	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("sip: send options: %w", err)
	}

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The only deadline on conn is the one taken from ctx.
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return fmt.Errorf("sip: read response: %w", context.DeadlineExceeded)
			}
			return fmt.Errorf("sip: read response: %w", err)
		}
		code, err := parseStatus(buf[:n])
		if err != nil {
			return err
		}
		if code < 200 {
			// Provisional; wait for the final response.
			continue
		}
		if code >= 500 {
			return fmt.Errorf("sip: server answered %d", code)
		}
		return nil
	}
}

func buildOptions(ep telephony.Endpoint, local, callID string) []byte {
	host := ep.Server
	if h, _, err := net.SplitHostPort(ep.Server); err == nil {
		host = h
	}
	user := ep.Username
	if user == "" {
		user = "healthcheck"
	}
	branch := "z9hG4bK-" + strings.ReplaceAll(callID, "-", "")[:16]

	var b strings.Builder
	fmt.Fprintf(&b, "OPTIONS sip:%s SIP/2.0\r\n", host)
	fmt.Fprintf(&b, "Via: SIP/2.0/UDP %s;branch=%s;rport\r\n", local, branch)
	fmt.Fprintf(&b, "From: <sip:%s@%s>;tag=%s\r\n", user, host, callID[:8])
	fmt.Fprintf(&b, "To: <sip:%s>\r\n", host)
	fmt.Fprintf(&b, "Call-ID: %s\r\n", callID)
	b.WriteString("CSeq: 1 OPTIONS\r\n")
	fmt.Fprintf(&b, "Contact: <sip:%s@%s>\r\n", user, local)
	b.WriteString("Max-Forwards: 70\r\n")
	b.WriteString("User-Agent: coldcaller\r\n")
	b.WriteString("Accept: application/sdp\r\n")
	b.WriteString("Content-Length: 0\r\n\r\n")
	return []byte(b.String())
}

// parseStatus reads the status code from a "SIP/2.0 <code> <reason>" line.
func parseStatus(msg []byte) (int, error) {
	line, err := bufio.NewReader(bytes.NewReader(msg)).ReadString('\n')
	if err != nil && line == "" {
		return 0, ErrBadResponse
	}
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "SIP/2.0" {
		return 0, fmt.Errorf("%w: %q", ErrBadResponse, strings.TrimSpace(line))
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadResponse, fields[1])
	}
	return code, nil
}
