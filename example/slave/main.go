// Command slave runs a small Modbus/TCP slave exposing an in-memory block
// of holding registers.
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Zereker/modbus"
)

type config struct {
	Addr                 string `toml:"addr"`
	ReceiveTimeoutMillis int    `toml:"receive_timeout_millis"`
}

func defaultConfig() config {
	return config{
		Addr:                 "127.0.0.1:1502",
		ReceiveTimeoutMillis: 30000,
	}
}

// loadConfig reads the TOML config file if it exists; missing files fall
// back to defaults so the demo runs without setup.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	_, err := toml.DecodeFile(path, &cfg)
	return cfg, err
}

// registers is a concurrency-safe holding register block.
type registers struct {
	sync.Mutex
	values map[uint16]uint16
}

func (r *registers) Handle(req modbus.Request) (modbus.Response, error) {
	r.Lock()
	defer r.Unlock()

	switch m := req.(type) {
	case *modbus.ReadHoldingRegistersRequest:
		values := make([]uint16, m.Quantity)
		for i := range values {
			values[i] = r.values[m.Address+uint16(i)]
		}
		return &modbus.ReadHoldingRegistersResponse{Values: values}, nil
	case *modbus.WriteSingleRegisterRequest:
		r.values[m.Address] = m.Value
		return &modbus.WriteSingleRegisterResponse{Address: m.Address, Value: m.Value}, nil
	default:
		return nil, modbus.ExceptionIllegalFunction
	}
}

func main() {
	cfg, err := loadConfig("slave.toml")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.Addr)
	if err != nil {
		slog.Error("failed to resolve address", "addr", cfg.Addr, "error", err)
		os.Exit(1)
	}

	server, err := modbus.NewServer(addr,
		modbus.TimeoutOption(time.Duration(cfg.ReceiveTimeoutMillis)*time.Millisecond),
	)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down slave...")
		cancel()
	}()

	slog.Info("slave start", "addr", cfg.Addr)
	handler := &registers{values: map[uint16]uint16{100: 0x1234, 101: 0x5678}}
	if err := server.Serve(ctx, handler); err != nil && err != context.Canceled {
		slog.Error("server error", "error", err)
	}
}
