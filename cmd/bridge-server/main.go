package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/parcelry/bridge/daemon"
)

// Config is the top-level configuration object of a bridge server.
var Config = new(daemon.Config)

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	daemon.InitLog(Config)

	// The vault key stays out of the boot log.
	log.WithFields(log.Fields{
		"addr":   Config.Serve.Addr,
		"role":   Config.Serve.Role,
		"ffnEnv": Config.FFN.Environment,
	}).Info("bridge-server configuration")

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	// Install signal handler.
	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		var sig = <-signalCh
		log.WithField("signal", sig).Info("caught signal")
		cancel()
	}()

	if err := daemon.Run(ctx, *Config); err != nil {
		return err
	}
	log.Info("goodbye")
	return nil
}

func main() {
	// A local .env supplies development configuration when present.
	_ = godotenv.Load()

	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve the integration bridge", `
Serve the webhook ingress and queue workers, plus the periodic sync
loops when --serve.role=scheduler, until signaled to exit (via SIGTERM).
`, &cmdServe{})

	if _, err := parser.Parse(); err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) {
			if flagErr.Type == flags.ErrHelp {
				return
			}
			os.Exit(1) // go-flags already printed the usage error
		}
		log.WithError(err).Fatal("bridge-server failed")
	}
}
