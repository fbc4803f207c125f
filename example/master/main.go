// Command master reads a few holding registers from a Modbus/TCP slave.
package main

import (
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/Zereker/modbus"
)

func main() {
	addr := "127.0.0.1:1502"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		slog.Error("failed to connect", "addr", addr, "error", err)
		os.Exit(1)
	}

	client, err := modbus.NewClient(conn, modbus.TimeoutOption(5*time.Second))
	if err != nil {
		slog.Error("failed to create client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	resp, err := client.Do(&modbus.ReadHoldingRegistersRequest{
		Header:   modbus.Header{UnitID: 1},
		Address:  100,
		Quantity: 2,
	})
	if err != nil {
		slog.Error("request failed", "error", err)
		os.Exit(1)
	}

	values := resp.(*modbus.ReadHoldingRegistersResponse).Values
	slog.Info("read holding registers", "address", 100, "values", values)
}
