package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"
)

// startTestNATSServer starts an embedded JetStream server for the test.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestNATSStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded NATS in short mode")
	}
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	js, err := jetstream.New(nc)
	require.NoError(t, err)

	var n atomic.Int32
	runContract(t, func(t *testing.T) Store {
		kv, err := getOrCreateBucket(context.Background(), js, fmt.Sprintf("TEST_%d", n.Add(1)))
		require.NoError(t, err)
		return NewNATSStore(kv, nil)
	})
}

func TestOpenNATS_Embedded(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded NATS in short mode")
	}
	ctx := context.Background()
	s, err := OpenNATS(ctx, NATSOptions{Embedded: true, StoreDir: t.TempDir(), Bucket: "EMBEDDED"}, nil)
	require.NoError(t, err)
	defer s.Close()

	created, err := s.Create(ctx, newManifest("feat-1"))
	require.NoError(t, err)
	require.EqualValues(t, 1, created.Version)
	got, err := s.Get(ctx, "feat-1")
	require.NoError(t, err)
	require.Equal(t, "feat-1", got.FeatureID)
}
