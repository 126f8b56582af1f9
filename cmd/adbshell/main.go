// Command adbshell is a minimal demonstration client: it loads a
// config.Config, dials a daemon, completes the handshake, opens one
// shell: stream and relays it to stdio. It exists to exercise the
// public surface of adbcore end to end, not as a full adb CLI
// replacement.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"adbcore/internal/config"
	"adbcore/internal/handshake"
	"adbcore/internal/mux"
	"adbcore/internal/reconnect"
	"adbcore/internal/transport"
)

func main() {
	configPath := flag.String("config", "adbcore.yaml", "path to config file")
	addr := flag.String("addr", "localhost:5555", "adbd host:port")
	cmd := flag.String("shell", "", "shell command to run; empty opens an interactive shell")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := run(ctx, *configPath, *addr, *cmd); err != nil {
		log.Fatalf("adbshell: %v", err)
	}
}

func handleSignals(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
}

// dialWithBackoff dials addr and runs the handshake, retrying the whole
// attempt with jittered exponential backoff and a circuit breaker so a
// daemon that's still booting (or refusing every connection) doesn't
// get hammered.
func dialWithBackoff(ctx context.Context, cfg *config.Config, addr string) (transport.Transport, *handshake.Result, error) {
	strategy := reconnect.NewStrategy()
	strategy.CircuitBreaker = reconnect.NewCircuitBreaker(5, 30*time.Second)

	var tr transport.Transport
	var result *handshake.Result
	err := reconnect.Retry(ctx, strategy, func() error {
		candidate, err := transport.DialTCP(ctx, addr)
		if err != nil {
			return fmt.Errorf("dial %s: %w", addr, err)
		}

		hsOpts, err := cfg.HandshakeOptions(nil)
		if err != nil {
			candidate.Close()
			return fmt.Errorf("build handshake options: %w", err)
		}
		events := make(chan handshake.ConnectionState, 4)
		hsOpts.Events = events
		go logConnectionStates(events)

		res, err := handshake.Run(ctx, candidate, hsOpts)
		if err != nil {
			candidate.Close()
			return fmt.Errorf("handshake: %w", err)
		}
		tr, result = candidate, res
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return tr, result, nil
}

func run(ctx context.Context, configPath, addr, shellCmd string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tr, result, err := dialWithBackoff(ctx, cfg, addr)
	if err != nil {
		return err
	}
	defer tr.Close()
	log.Printf("connected: version=%#x max_data=%d banner=%q", result.ActiveVersion, result.ActiveMaxData, result.RemoteBanner)

	m := mux.New(tr, mux.Options{ActiveVersion: result.ActiveVersion, ActiveMaxData: result.ActiveMaxData})
	m.Start()

	destination := "shell:"
	if shellCmd != "" {
		destination = "shell:" + shellCmd
	}
	stream, err := m.Open(ctx, destination)
	if err != nil {
		return fmt.Errorf("open %s: %w", destination, err)
	}

	return relayStdio(ctx, stream)
}

func logConnectionStates(events <-chan handshake.ConnectionState) {
	for s := range events {
		log.Printf("state: %s", s)
	}
}

// relayStdio copies stdin to the stream and the stream to stdout
// concurrently, joined by errgroup so that either side closing ends the
// other: a real terminal's stdin never returns EOF on its own, so the
// stream-to-stdout copy finishing (remote closed, or an error) is what
// must cancel the still-blocked stdin copy.
func relayStdio(ctx context.Context, stream *mux.Stream) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if _, werr := stream.Write(ctx, buf[:n]); werr != nil {
					return werr
				}
			}
			if err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}
		}
	})
	g.Go(func() error {
		defer cancel()
		buf := make([]byte, 4096)
		for {
			n, err := stream.Read(ctx, buf)
			if n > 0 {
				if _, werr := os.Stdout.Write(buf[:n]); werr != nil {
					return werr
				}
			}
			if err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}
		}
	})
	err := g.Wait()
	_ = stream.Close()
	return err
}
