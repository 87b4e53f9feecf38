// Command relayfeed sends an audio file, or every entry of a playlist, to an
// audio-relay daemon and optionally waits for it to finish playing.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"audio-relay/work/feeder"
	"audio-relay/work/logger"
)

func main() {
	addr := pflag.StringP("addr", "a", "127.0.0.1:7700", "relay address")
	control := pflag.BoolP("control", "C", true, "open a control connection and wait for completion")
	dialTimeout := pflag.Duration("dial-timeout", 5*time.Second, "connect timeout")
	waitTimeout := pflag.Duration("wait-timeout", 0, "give up waiting for completion after this long (0 waits forever)")
	logLevel := pflag.String("log-level", "INFO", "DEBUG, INFO, WARN or ERROR")
	pflag.Usage = func() {
		os.Stderr.WriteString("usage: relayfeed [flags] <file.mp3|file.wav|playlist.m3u8>\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if pflag.NArg() != 1 {
		pflag.Usage()
		os.Exit(2)
	}

	logger.SetLogLevel(*logLevel)

	// the first interrupt sends STOP; the relay still confirms with the
	// completion notice before we exit
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := feeder.Run(ctx, feeder.Options{
		Address:     *addr,
		Source:      pflag.Arg(0),
		Control:     *control,
		DialTimeout: *dialTimeout,
		WaitTimeout: *waitTimeout,
	})
	if err != nil {
		logger.Error("relayfeed: %v", err)
		os.Exit(1)
	}
}
