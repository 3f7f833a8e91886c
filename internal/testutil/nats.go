// Package testutil runs an embedded NATS server for tests.
package testutil

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// StartJetStream starts a JetStream enabled server on a random local port
// with its store under t.TempDir(). The server and connection are shut down
// when the test ends.
func StartJetStream(t *testing.T) (*server.Server, *nats.Conn, nats.JetStreamContext) {
	t.Helper()

	s, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	})
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		s.Shutdown()
		t.Fatal("embedded NATS server not ready")
	}

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)

	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	require.NoError(t, err)

	t.Cleanup(func() {
		nc.Close()
		s.Shutdown()
		s.WaitForShutdown()
	})
	return s, nc, js
}

// StoredMessages returns the payloads stored in stream under subject, oldest
// first. It waits until at least want messages are stored or timeout passes.
func StoredMessages(t *testing.T, js nats.JetStreamContext, stream, subject string, want int, timeout time.Duration) [][]byte {
	t.Helper()

	require.Eventually(t, func() bool {
		info, err := js.StreamInfo(stream, &nats.StreamInfoRequest{SubjectsFilter: subject})
		if err != nil {
			return false
		}
		return int(info.State.Subjects[subject]) >= want
	}, timeout, 20*time.Millisecond, "stream %s: fewer than %d messages on %s", stream, want, subject)

	info, err := js.StreamInfo(stream)
	require.NoError(t, err)

	var payloads [][]byte
	for seq := info.State.FirstSeq; seq <= info.State.LastSeq && seq != 0; seq++ {
		msg, err := js.GetMsg(stream, seq)
		if err != nil {
			continue
		}
		if msg.Subject == subject {
			payloads = append(payloads, msg.Data)
		}
	}
	return payloads
}
