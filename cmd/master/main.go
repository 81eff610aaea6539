// Command master runs the build coordinator's populator/dispatcher loop and
// serves both transport bindings (polling HTTP and long-lived gRPC) over one or
// more build environments. Flag handling follows the teacher's cmd/distri
// flat-flag style rather than per-subcommand FlagSets, since master has no
// verb table of its own.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"google.golang.org/grpc"

	"github.com/forgecoord/bco"
	"github.com/forgecoord/bco/internal/addrfd"
	"github.com/forgecoord/bco/internal/masterloop"
	grpctransport "github.com/forgecoord/bco/internal/transport/grpc"
	httptransport "github.com/forgecoord/bco/internal/transport/http"
)

var (
	host          = flag.String("H", "0.0.0.0", "host to listen on for the HTTP binding")
	port          = flag.Int("p", 7000, "port to listen on for the HTTP binding")
	grpcListen    = flag.String("grpc-listen", "", "host:port to listen on for the long-lived gRPC binding (disabled if empty)")
	interval      = flag.Int64("i", 30, "check_interval: populator/dispatcher tick period, in seconds")
	buildAll      = flag.Bool("build-all", false, "enqueue every revision per platform instead of only the newest")
	timewarp      = flag.Bool("timewarp", false, "adjust_timestamps: shift a slave's step and stop timestamps back toward the built revision's commit time")
	slaveTimeout  = flag.Int64("slave-timeout", 3600, "seconds an IN_PROGRESS build may go without activity before being reclaimed")
	stabilizeWait = flag.Int64("stabilize-wait", 0, "seconds a revision must age before it is enqueued")
	debug         = flag.Bool("debug", false, "format error messages with additional detail (%+v)")
	verbose       = flag.Bool("v", false, "verbose logging")
	quiet         = flag.Bool("q", false, "accepted for command-line compatibility; does not reduce what is logged")
)

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	if err := run(flag.Args()); err != nil {
		if *debug {
			log.Fatalf("master: %+v", err)
		}
		log.Fatalf("master: %v", err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] ENV_PATH...\n\n", os.Args[0])
	flag.PrintDefaults()
}

func run(envPaths []string) error {
	if !isatty.IsTerminal(os.Stdout.Fd()) || *quiet {
		log.SetFlags(log.Ldate | log.Ltime)
	}

	ctx, cancel := bco.InterruptibleContext()
	defer cancel()

	qopts := queueOptions{buildAll: *buildAll, stabilizeWait: *stabilizeWait, slaveTimeout: *slaveTimeout}

	var environments []*masterloop.Environment
	for _, path := range envPaths {
		env, err := openEnvironment(ctx, path, qopts)
		if err != nil {
			log.Printf("master: skipping %s: %v", path, err)
			continue
		}
		environments = append(environments, env)
		if *verbose {
			log.Printf("master: serving environment %s", env.Name)
		}
	}
	if len(environments) == 0 {
		return fmt.Errorf("no usable environment among %v", envPaths)
	}

	// Each environment gets its own /<name>/builds... namespace on the
	// shared listener, since httptransport.Handler itself only knows the
	// unprefixed /builds route table of one environment.
	mux := http.NewServeMux()
	for _, env := range environments {
		h := httptransport.NewHandler(env.Store, env.Queue)
		h.AdjustTimestamps = *timewarp
		h.CheckInterval = *interval
		prefix := "/" + env.Name
		mux.Handle(prefix+"/", http.StripPrefix(prefix, h))
	}

	httpAddr := fmt.Sprintf("%s:%d", *host, *port)
	ln, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", httpAddr, err)
	}
	// Lets an integration test started with -H 127.0.0.1 -p 0 learn the
	// port the kernel picked, the same way cmd/distri's builder/export
	// commands report back their listening address.
	addrfd.MustWrite(ln.Addr().String())

	httpSrv := &http.Server{Handler: mux}
	go func() {
		log.Printf("master: HTTP binding listening on %s", ln.Addr())
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("master: HTTP server: %v", err)
		}
	}()

	var grpcSrv *grpc.Server
	if *grpcListen != "" {
		lis, err := net.Listen("tcp", *grpcListen)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", *grpcListen, err)
		}
		// The hand-written ServiceDesc carries one fixed service name
		// ("bco.Session"), so only the first environment gets the gRPC
		// binding; grpc.Server.RegisterService would panic on a second
		// registration under the same name. Multi-environment masters
		// still get the HTTP binding for every environment above.
		if len(environments) > 1 {
			log.Printf("master: gRPC binding only serves environment %s (%d configured)",
				environments[0].Name, len(environments))
		}
		grpcSrv = grpc.NewServer()
		grpctransport.RegisterSessionServer(grpcSrv, &grpctransport.Server{
			Store:            environments[0].Store,
			Queue:            environments[0].Queue,
			Registry:         environments[0].Registry,
			AdjustTimestamps: *timewarp,
			CheckInterval:    *interval,
		})
		go func() {
			log.Printf("master: gRPC binding listening on %s", *grpcListen)
			if err := grpcSrv.Serve(lis); err != nil {
				log.Printf("master: gRPC server: %v", err)
			}
		}()
	}

	loop := &masterloop.Loop{Environments: environments, CheckInterval: time.Duration(*interval) * time.Second}
	go func() {
		if err := loop.Run(ctx); err != nil {
			log.Printf("master: loop: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("master: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	return bco.RunAtExit()
}
