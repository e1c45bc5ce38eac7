package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/udpctl/internal/logging"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9504", "server host:port")
	count := flag.Int("count", 16, "datagrams to send")
	timeout := flag.Duration("timeout", 2*time.Second, "wait for replies")
	flag.Parse()

	if err := logging.ConfigureRuntime(""); err != nil {
		fmt.Fprintf(os.Stderr, "udpping: %v\n", err)
		os.Exit(1)
	}
	res, err := ping(*addr, *count, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "udpping: %v\n", err)
		os.Exit(1)
	}
	log.Info().
		Str("addr", *addr).
		Int("sent", res.Sent).
		Int("received", len(res.Received)).
		Int("missing", len(res.Missing)).
		Dur("elapsed", res.Elapsed).
		Msg("udpping done")
	if len(res.Missing) > 0 {
		os.Exit(1)
	}
}
