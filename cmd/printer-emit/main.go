// Command printer-emit replays a JSON array of observations onto an MQTT
// topic, or simulates readings for one printer.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"printerwatch/internal/config"
	"printerwatch/internal/emit"
	"printerwatch/internal/logging"
	"printerwatch/internal/mqtt"
)

const usage = "usage: printer-emit [--dry-run] [--delay 300ms] [--broker URL] <topic> <json_file>\n" +
	"       printer-emit --simulate N --device ID [--base 50] [--spread 45] [--broker URL] [topic]\n"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("printer-emit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	dryRun := fs.Bool("dry-run", false, "Print messages instead of publishing")
	delay := fs.Duration("delay", 300*time.Millisecond, "Pause after each message")
	broker := fs.String("broker", os.Getenv("PRINTERWATCH_MQTT_BROKER"), "MQTT broker URL, e.g. tcp://localhost:1883")
	username := fs.String("username", "", "MQTT username")
	password := fs.String("password", "", "MQTT password")
	simulate := fs.Int("simulate", 0, "Publish N synthetic observations instead of replaying a file")
	device := fs.String("device", "", "Printer id for --simulate")
	base := fs.Float64("base", 50, "Centre value for --simulate")
	spread := fs.Float64("spread", 45, "Maximum distance from --base for --simulate")
	logLevel := fs.String("log-level", "warn", "Log level")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := logging.New(stderr, *logLevel, "text")
	opts := emit.Options{
		DryRun: *dryRun,
		Delay:  *delay,
		Out:    stdout,
		Logger: logger,
	}

	var replayFile string
	switch {
	case *simulate > 0:
		opts.Topic = config.DefaultInboundTopic
		if fs.NArg() > 0 {
			opts.Topic = fs.Arg(0)
		}
	case fs.NArg() == 2:
		opts.Topic, replayFile = fs.Arg(0), fs.Arg(1)
	default:
		fs.Usage()
		return 2
	}

	var pub emit.Publisher
	if !*dryRun && *broker != "" {
		client, err := mqtt.Connect(ctx, config.MQTTConfig{
			Broker:         *broker,
			ClientID:       "printer-emit",
			Username:       *username,
			Password:       *password,
			ConnectTimeout: 10 * time.Second,
		}, logger)
		if err != nil {
			return fail(stderr, err)
		}
		defer client.Close()
		pub = client
	}

	var err error
	if *simulate > 0 {
		_, err = emit.Simulate(ctx, pub, emit.SimOptions{
			Options: opts,
			Device:  *device,
			Count:   *simulate,
			Base:    *base,
			Spread:  *spread,
		})
	} else {
		_, err = emit.Replay(ctx, pub, replayFile, opts)
	}
	if err != nil {
		return fail(stderr, err)
	}
	return 0
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}
