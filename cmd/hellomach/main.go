// hellomach sends "Hello, World!\n" to the standard-output port through
// the Mach IPC bridge: the classic smoke test for the whole stack.
//
// With -kernel it dials an out-of-process kernel facility over its unix
// socket; without it, the exchange runs against the in-memory facility.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/osbridge/machipc/internal/config"
	"github.com/osbridge/machipc/internal/hurd"
	"github.com/osbridge/machipc/internal/ipc"
	"github.com/osbridge/machipc/internal/kernel"
	"github.com/osbridge/machipc/internal/kernel/kerneltest"
	"github.com/osbridge/machipc/internal/logging"
	"github.com/osbridge/machipc/internal/monitoring"
	"github.com/osbridge/machipc/internal/port"
)

func main() {
	socket := flag.String("kernel", "", "Kernel facility unix socket (empty: in-memory facility)")
	flag.Parse()

	cfg := config.LoadOrDefault()
	if *socket != "" {
		cfg.Kernel.Socket = *socket
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	var facility kernel.Facility
	if cfg.Kernel.Socket != "" {
		client, err := kernel.Dial(cfg.Kernel.Socket)
		if err != nil {
			logger.Fatal("Failed to dial kernel facility", zap.Error(err))
		}
		defer client.Close()
		facility = client
	} else {
		facility = kerneltest.New()
		logger.Info("Using in-memory kernel facility")
	}

	metrics := monitoring.New()
	registry := port.New(facility, logger.Logger, metrics)
	exchange := ipc.New(facility, registry, logger.Logger, metrics)
	authority := hurd.New(facility, exchange)
	authority.Timeout = time.Duration(cfg.IPC.TimeoutMillis) * time.Millisecond
	authority.RecvCapacity = cfg.IPC.RecvCapacity

	stdout, err := authority.Stdout()
	if err != nil {
		logger.Fatal("Failed to resolve stdout port", zap.Error(err))
	}

	amount, err := authority.Write(context.Background(), stdout, []byte("Hello, World!\n"), hurd.CurrentOffset)
	if err != nil {
		logger.Fatal("io write failed", zap.Error(err))
	}
	logger.Info("io write complete", zap.Int("amount", amount))

	if err := stdout.Deallocate(); err != nil {
		logger.Warn("stdout port deallocate failed", zap.Error(err))
	}
}
