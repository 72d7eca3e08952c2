// Command rdtsim demonstrates the RDT stack end to end: two hosts on a
// simulated lossy network, a listener accepting one connection and
// reading everything the client sends, a client sending a fixed
// payload a number of times. Options come from command-line flags
// only. An optional env file is merged into the process environment,
// but no option is read from the environment.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/soypat/rdtnet/metrics"
	"github.com/soypat/rdtnet/rdt"
	"github.com/soypat/rdtnet/substrate"
)

var opt struct {
	Help       bool
	EnvFile    string
	Loss       float64
	Per        float64
	Retx       time.Duration
	Payload    string
	Iterations int
	Verbose    bool
	MetricsFmt bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "show this help text")
	pflag.StringVar(&opt.EnvFile, "env-file", "", "merge this env file into the process environment (variables already set are kept)")
	pflag.Float64Var(&opt.Loss, "loss", 0.0, "probability a segment is dropped in transit")
	pflag.Float64Var(&opt.Per, "per", 0.0, "probability a delivered segment has one byte corrupted")
	pflag.DurationVar(&opt.Retx, "retx", rdt.DefaultRetx, "retransmission timeout")
	pflag.StringVar(&opt.Payload, "payload", "hello over rdt", "message the client repeats to the server")
	pflag.IntVar(&opt.Iterations, "iterations", 10, "number of times the client sends payload")
	pflag.BoolVarP(&opt.Verbose, "verbose", "v", false, "enable library-level trace logging")
	pflag.BoolVar(&opt.MetricsFmt, "print-metrics", true, "print the server and client metrics collector ids at exit (counter values are not printed)")
}

func main() {
	pflag.Parse()
	if opt.Help {
		fmt.Printf("usage: %s [options]\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		os.Exit(0)
	}
	if err := loadEnvFile(opt.EnvFile); err != nil {
		fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
		os.Exit(1)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	if err := run(log); err != nil {
		log.Error().Err(err).Msg("rdtsim failed")
		os.Exit(1)
	}
}

// loadEnvFile merges every key of an env file (if path is non-empty)
// into the process environment. Variables already set in the
// environment keep their values; keys are not filtered by prefix.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	m, err := envparse.Parse(f)
	if err != nil {
		return err
	}
	for k, v := range m {
		if _, set := os.LookupEnv(k); !set {
			os.Setenv(k, v)
		}
	}
	return nil
}

func run(log zerolog.Logger) error {
	traceLevel := slog.LevelWarn
	if opt.Verbose {
		traceLevel = slog.LevelDebug - 2 // matches rdt's internal levelTrace.
	}
	slogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: traceLevel}))

	seed := time.Now().UnixNano()
	net := substrate.New(substrate.Config{
		Loss:   substrate.ProbabilityTrial(opt.Loss, rand.New(rand.NewSource(seed))),
		Per:    substrate.ProbabilityTrial(opt.Per, rand.New(rand.NewSource(seed+1))),
		Rand:   rand.New(rand.NewSource(seed + 2)),
		Logger: slogger,
	})

	const serverAddr, clientAddr = "10.0.0.1", "10.0.0.2"
	serverHost, err := substrate.NewHost(net, serverAddr, slogger)
	if err != nil {
		return err
	}
	clientHost, err := substrate.NewHost(net, clientAddr, slogger)
	if err != nil {
		return err
	}

	serverMetrics := metrics.New("rdtsim_server", nil)
	clientMetrics := metrics.New("rdtsim_client", nil)

	serverProto, err := rdt.NewProtocol(serverHost, rdt.Config{Retx: opt.Retx, Logger: slogger, Metrics: serverMetrics})
	if err != nil {
		return err
	}
	clientProto, err := rdt.NewProtocol(clientHost, rdt.Config{Retx: opt.Retx, Logger: slogger, Metrics: clientMetrics})
	if err != nil {
		return err
	}

	const port = 9000
	listener := serverProto.NewSocket()
	if err := listener.Bind(port); err != nil {
		return err
	}
	if err := listener.Listen(); err != nil {
		return err
	}

	accepted := make(chan *rdt.Socket, 1)
	go func() {
		conn, remoteIP, remotePort, err := listener.Accept()
		if err != nil {
			log.Error().Err(err).Msg("accept failed")
			return
		}
		log.Info().Str("remote_ip", remoteIP).Uint("remote_port", uint(remotePort)).Msg("accepted connection")
		accepted <- conn
	}()

	client := clientProto.NewSocket()
	if err := client.Connect(serverAddr, port); err != nil {
		return err
	}
	conn := <-accepted

	payload := []byte(opt.Payload)
	log.Info().Int("iterations", opt.Iterations).Str("payload", opt.Payload).Msg("starting transfer")

	recvDone := make(chan []byte, 1)
	go func() {
		total := len(payload) * opt.Iterations
		var received []byte
		for len(received) < total {
			received = append(received, conn.Recv(total-len(received))...)
		}
		recvDone <- received
	}()

	for i := 0; i < opt.Iterations; i++ {
		if err := client.Send(payload); err != nil {
			return err
		}
	}

	received := <-recvDone
	log.Info().Int("bytes_received", len(received)).Msg("transfer complete")

	if opt.MetricsFmt {
		printMetrics(os.Stdout, "server", serverMetrics)
		printMetrics(os.Stdout, "client", clientMetrics)
	}
	return nil
}

func printMetrics(w io.Writer, label string, c *metrics.Collector) {
	fmt.Fprintf(w, "%s metrics collector id: %s\n", label, c.ID())
}
