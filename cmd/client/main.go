// A headless demo client: connects a bridge, drives a scripted input
// pattern, and prints one snapshot summary per second. Useful for poking a
// running server without the game in front of it.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"

	"github.com/voiddrifter/netcode/internal/bridge"
	"github.com/voiddrifter/netcode/internal/protocol"
	"github.com/voiddrifter/netcode/internal/sharedstate"
)

type Config struct {
	ServerAddr string `envconfig:"SERVER_ADDR" default:"127.0.0.1:8080"`
	Name       string `envconfig:"NAME" default:"drifter"`
}

func configureLogger() *log.Logger {
	logger := log.DefaultLogger

	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}

func erringMain() error {
	config := new(Config)
	if err := envconfig.Process("", config); err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := configureLogger()

	host, portStr, err := net.SplitHostPort(config.ServerAddr)
	if err != nil {
		return fmt.Errorf("invalid server addr %q: %w", config.ServerAddr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return fmt.Errorf("invalid server port %q: %w", portStr, err)
	}

	shared := sharedstate.New()
	b := bridge.New(shared, config.Name, logger)
	b.Connect(host, uint16(port))
	defer b.Disconnect()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	inputTicker := time.NewTicker(time.Second / 30)
	defer inputTicker.Stop()
	reportTicker := time.NewTicker(time.Second)
	defer reportTicker.Stop()

	start := time.Now()
	for {
		select {
		case sig := <-signalChan:
			logger.Info().Msgf("received %+v signal", sig)
			return nil

		case <-inputTicker.C:
			// Pace back and forth, firing the spread weapon.
			flags := protocol.InputRight | protocol.InputFire
			if int(time.Since(start).Seconds())%4 >= 2 {
				flags = protocol.InputLeft | protocol.InputFire
			}
			shared.SetInput(flags, protocol.WeaponSpread)

		case <-reportTicker.C:
			status, message := shared.Status()
			if status != sharedstate.StatusConnected {
				logger.Info().Msgf("status: %s (%s)", status, message)
				if status == sharedstate.StatusError {
					return fmt.Errorf("session failed: %s", message)
				}
				continue
			}

			players, bullets, tick := shared.World()
			x, y, ok := shared.LocalPosition()
			if ok {
				logger.Info().Msgf(
					"tick=%d players=%d bullets=%d pos=(%.1f, %.1f) ping=%.1fms",
					tick, len(players), len(bullets), x, y, shared.PingMillis(),
				)
			} else {
				logger.Info().Msgf("tick=%d players=%d bullets=%d (waiting for own state)",
					tick, len(players), len(bullets))
			}
		}
	}
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
