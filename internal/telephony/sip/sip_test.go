package sip

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"coldcaller-telephony/internal/telephony"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRegistrar answers every datagram with the given raw responses.
func fakeRegistrar(t *testing.T, responses ...string) (addr string, got chan string) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	got = make(chan string, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			select {
			case got <- string(buf[:n]):
			default:
			}
			for _, r := range responses {
				_, _ = pc.WriteTo([]byte(r), from)
			}
		}
	}()
	return pc.LocalAddr().String(), got
}

func TestHealthCheck_AcceptsFinalResponseAfterProvisional(t *testing.T) {
	addr, got := fakeRegistrar(t, "SIP/2.0 100 Trying\r\n\r\n", "SIP/2.0 200 OK\r\n\r\n")
	p := New("", nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.HealthCheck(ctx, telephony.Endpoint{Server: addr, Username: "agent7"}))

	req := <-got
	assert.True(t, strings.HasPrefix(req, "OPTIONS sip:127.0.0.1 SIP/2.0\r\n"))
	assert.Contains(t, req, "CSeq: 1 OPTIONS")
	assert.Contains(t, req, "From: <sip:agent7@127.0.0.1>")
}

func TestHealthCheck_AuthChallengeCountsAsReachable(t *testing.T) {
	addr, _ := fakeRegistrar(t, "SIP/2.0 401 Unauthorized\r\n\r\n")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, New("", nil).HealthCheck(ctx, telephony.Endpoint{Server: addr}))
}

func TestHealthCheck_ServerErrorFails(t *testing.T) {
	addr, _ := fakeRegistrar(t, "SIP/2.0 503 Service Unavailable\r\n\r\n")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := New("", nil).HealthCheck(ctx, telephony.Endpoint{Server: addr})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestHealthCheck_MalformedResponse(t *testing.T) {
	addr, _ := fakeRegistrar(t, "HTTP/1.1 200 OK\r\n\r\n")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := New("", nil).HealthCheck(ctx, telephony.Endpoint{Server: addr})
	assert.True(t, errors.Is(err, ErrBadResponse), "got %v", err)
}

func TestHealthCheck_SilentServerHonorsDeadline(t *testing.T) {
	addr, _ := fakeRegistrar(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := New("", nil).HealthCheck(ctx, telephony.Endpoint{Server: addr})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewTransport_Unsupported(t *testing.T) {
	_, err := New("trunk", nil).NewTransport(telephony.Endpoint{})
	assert.ErrorIs(t, err, telephony.ErrMediaUnsupported)
}
