// kernelstub serves the in-memory kernel facility on a unix socket, so
// bridge clients can exercise the full wire path without a real kernel.
package main

import (
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/osbridge/machipc/internal/kernel"
	"github.com/osbridge/machipc/internal/kernel/kerneltest"
	"github.com/osbridge/machipc/internal/logging"
)

func main() {
	socket := flag.String("socket", "/tmp/machipc-kernel.sock", "Unix socket to listen on")
	flag.Parse()

	logger, err := logging.New(logging.Config{Level: "debug", Development: true})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	_ = os.Remove(*socket)
	listener, err := net.Listen("unix", *socket)
	if err != nil {
		logger.Fatal("Failed to listen", zap.String("socket", *socket), zap.Error(err))
	}
	defer listener.Close()

	server := kernel.NewServer(kerneltest.New(), logger.Logger)
	logger.Info("Kernel facility stub listening", zap.String("socket", *socket))

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Serve(listener)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Shutting down")
	case err := <-errChan:
		if err != nil {
			logger.Fatal("Serve failed", zap.Error(err))
		}
	}
}
