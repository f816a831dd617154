package testutil

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// SleepingEngine is a stand-in engine binary. It stays alive until
// signalled and never touches its autohost socket, leaving the UDP
// side of the protocol to the test.
const SleepingEngine = "#!/bin/sh\nexec sleep 60\n"

// InstallEngine stages an engine version into dir the way the real
// installer does: assembled outside and moved in with one rename.
func InstallEngine(t testing.TB, dir, version, script string) {
	t.Helper()
	staging := filepath.Join(t.TempDir(), version)
	require.NoError(t, os.MkdirAll(staging, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "spring-dedicated"), []byte(script), 0o755))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.Rename(staging, filepath.Join(dir, version)))
}

// FreeUDPPort reserves a UDP port and immediately releases it.
func FreeUDPPort(t testing.TB) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

// EnginePeer plays the engine's side of the autohost UDP link. It
// sends from an unconnected socket so the autohost learns the engine
// address from the first datagram, like it does with the real engine.
type EnginePeer struct {
	conn *net.UDPConn
	addr *net.UDPAddr
}

func NewEnginePeer(t testing.TB, autohostPort int) *EnginePeer {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &EnginePeer{
		conn: conn,
		addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: autohostPort},
	}
}

func (p *EnginePeer) Send(t testing.TB, data []byte) {
	t.Helper()
	_, err := p.conn.WriteToUDP(data, p.addr)
	require.NoError(t, err)
}

// Recv returns the next datagram the autohost sent to the engine.
func (p *EnginePeer) Recv(t testing.TB) []byte {
	t.Helper()
	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 2048)
	n, _, err := p.conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return buf[:n]
}
