// Package mqtttest runs an in-process MQTT broker for tests.
package mqtttest

import (
	"errors"
	"net"
	"strconv"
	"testing"

	mqttserver "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
)

// Broker is an embedded broker listening on a free loopback port.
type Broker struct {
	Server *mqttserver.Server
	Host   string
	Port   int
}

// Start launches a broker that accepts any client and stops it when the test ends.
func Start(tb testing.TB) *Broker {
	tb.Helper()

	port := freePort(tb)

	server := mqttserver.New(nil)
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		tb.Fatalf("mqtttest: add auth hook: %v", err)
	}

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "mqtttest",
		Address: net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
	})
	if err := server.AddListener(tcp); err != nil {
		tb.Fatalf("mqtttest: add listener: %v", err)
	}

	go func() {
		_ = server.Serve() //nolint:errcheck // Close stops it
	}()

	tb.Cleanup(func() {
		_ = server.Close() //nolint:errcheck // Test cleanup
	})

	return &Broker{Server: server, Host: "127.0.0.1", Port: port}
}

// Kick drops the connection of the client with the given ID, as a network
// failure would. It reports whether the client was connected.
func (b *Broker) Kick(clientID string) bool {
	cl, ok := b.Server.Clients.Get(clientID)
	if !ok {
		return false
	}
	cl.Stop(errors.New("mqtttest: kicked"))
	return true
}

func freePort(tb testing.TB) int {
	tb.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("mqtttest: find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
