package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/banshee-data/routelock/internal/capture"
	"github.com/banshee-data/routelock/internal/config"
	"github.com/banshee-data/routelock/internal/dispatch"
	"github.com/banshee-data/routelock/internal/emitter"
	"github.com/banshee-data/routelock/internal/navigation"
	"github.com/banshee-data/routelock/internal/pipeline"
	"github.com/banshee-data/routelock/internal/reassembly"
	"github.com/banshee-data/routelock/internal/ridelog"
	"github.com/banshee-data/routelock/internal/version"
	"github.com/banshee-data/routelock/internal/world"
)

// options holds the command-line flags. Flags left empty fall back to the
// config file and environment.
type options struct {
	configPath  string
	envFile     string
	showVersion bool
	device      string
	pcapFile    string
	replay      string
	journal     string
	worldFile   string
	routeFile   string
	relay       string
	debugListen string
	noRideLog   bool
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var o options
	fs.StringVar(&o.configPath, "config", "", "Path to JSON config file")
	fs.StringVar(&o.envFile, "env-file", ".env", "Optional .env file with ROUTELOCK_* overrides")
	fs.BoolVar(&o.showVersion, "version", false, "Print version and exit")
	fs.StringVar(&o.device, "device", "", "Capture live from this network interface")
	fs.StringVar(&o.pcapFile, "pcap", "", "Replay a PCAP file")
	fs.StringVar(&o.replay, "replay", "", "Replay a segment journal")
	fs.StringVar(&o.journal, "journal", "", "Record captured segments to this journal")
	fs.StringVar(&o.worldFile, "world", "", "World segment file (.json)")
	fs.StringVar(&o.routeFile, "route", "", "Planned route file (.json)")
	fs.StringVar(&o.relay, "relay", "", "Relay address (host:port) for outbound commands")
	fs.StringVar(&o.debugListen, "debug-listen", "", "Debug HTTP listen address")
	fs.BoolVar(&o.noRideLog, "no-ridelog", false, "Do not record sessions")
	err := fs.Parse(args)
	return o, err
}

// loadConfig layers the config file, the .env file, ROUTELOCK_* variables
// and finally the flags.
func loadConfig(o options, lookup func(string) (string, bool)) (*config.Config, error) {
	cfg := config.Empty()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	}

	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", o.envFile, err)
		}
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}

	set := func(dst **string, v string) {
		if v != "" {
			*dst = &v
		}
	}
	set(&cfg.CaptureDevice, o.device)
	set(&cfg.CaptureFile, o.pcapFile)
	set(&cfg.JournalFile, o.journal)
	set(&cfg.WorldFile, o.worldFile)
	set(&cfg.RouteFile, o.routeFile)
	set(&cfg.RelayAddress, o.relay)
	set(&cfg.DebugListen, o.debugListen)
	if o.device != "" {
		cfg.CaptureFile = nil
	}
	if o.pcapFile != "" {
		cfg.CaptureDevice = nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openSource picks the capture source: a journal replay, a PCAP file or a
// live device, optionally teed into a new journal.
func openSource(cfg *config.Config, replay string) (capture.Source, func() error, error) {
	var src capture.Source
	var err error
	switch {
	case replay != "":
		src, err = capture.OpenJournal(replay)
	case cfg.GetCaptureFile() != "":
		src, err = capture.OpenFile(cfg.GetCaptureFile(), cfg.GetBPFFilter())
	case cfg.GetCaptureDevice() != "":
		src, err = capture.OpenLive(cfg.GetCaptureDevice(), cfg.GetBPFFilter())
	default:
		return nil, nil, fmt.Errorf("no capture source: set -device, -pcap or -replay")
	}
	if err != nil {
		return nil, nil, err
	}

	closeJournal := func() error { return nil }
	if path := cfg.GetJournalFile(); path != "" && replay == "" {
		jw, err := capture.CreateJournal(path)
		if err != nil {
			src.Close()
			return nil, nil, err
		}
		log.Printf("recording segments to %s", path)
		src = capture.Tee(src, jw)
		closeJournal = jw.Close
	}
	return src, closeJournal, nil
}

func loadWorld(cfg *config.Config) (*world.World, *world.PlannedRoute, error) {
	sport, err := world.ParseSport(cfg.GetSport())
	if err != nil {
		return nil, nil, err
	}
	if cfg.GetWorldFile() == "" {
		return nil, nil, fmt.Errorf("world_file is required")
	}
	w, err := world.LoadSegments(cfg.GetWorldFile(), sport)
	if err != nil {
		return nil, nil, err
	}
	log.Printf("loaded world %d: %d segments", w.ID, len(w.Segments()))

	if cfg.GetRouteFile() == "" {
		log.Printf("no route_file configured; tracking segments only")
		return w, nil, nil
	}
	route, err := world.LoadRoute(cfg.GetRouteFile())
	if err != nil {
		return nil, nil, err
	}
	if err := w.Validate(route); err != nil {
		return nil, nil, err
	}
	log.Printf("loaded route %q: %d entries, %d loops", route.Name, len(route.Sequence), route.NumberOfLoops)
	return w, route, nil
}

func navigatorOptions(cfg *config.Config) navigation.Options {
	return navigation.Options{
		MatchTolerance:          cfg.GetMatchToleranceMeters(),
		CompletionTolerance:     cfg.GetCompletionToleranceMeters(),
		EndActivityOnCompletion: cfg.GetEndActivityOnCompletion(),
		ActivityName:            cfg.GetActivityName(),
	}
}

func main() {
	o, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	if o.showVersion {
		fmt.Println(version.String())
		return
	}
	log.Printf("starting %s", version.String())

	cfg, err := loadConfig(o, os.LookupEnv)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	w, route, err := loadWorld(cfg)
	if err != nil {
		log.Fatalf("failed to load world: %v", err)
	}

	src, closeJournal, err := openSource(cfg, o.replay)
	if err != nil {
		log.Fatalf("failed to open capture: %v", err)
	}
	defer func() {
		if err := closeJournal(); err != nil {
			log.Printf("failed to close journal: %v", err)
		}
	}()

	var commander pipeline.Commander
	if addr := cfg.GetRelayAddress(); addr != "" {
		conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err != nil {
			log.Fatalf("failed to connect to relay %s: %v", addr, err)
		}
		defer conn.Close()
		commander = emitter.New(conn)
		log.Printf("sending commands to %s", addr)
	} else {
		log.Printf("relay_address not set; decisions are logged only")
	}

	updates := dispatch.New[navigation.Update]()
	updates.Subscribe("log", dispatch.ListenerFunc[navigation.Update](func(u navigation.Update) error {
		log.Printf("%s %s", u.Notification.Kind(), u.State.Name())
		return nil
	}))

	var rides *ridelog.DB
	if !o.noRideLog {
		rides, err = ridelog.Open(cfg.GetRideLogPath())
		if err != nil {
			log.Fatalf("failed to open ride log: %v", err)
		}
		defer rides.Close()
		updates.Subscribe("ridelog", ridelog.NewRecorder(rides))
	}

	runner, err := pipeline.New(pipeline.Config{
		Source: src,
		Tracker: reassembly.TrackerOptions{
			RelayPort:       uint16(cfg.GetRelayPort()),
			MaxBytes:        cfg.GetMaxReassemblyBytes(),
			AttachMidStream: cfg.GetAttachMidStream(),
		},
		Navigator: navigation.NewNavigator(w, navigatorOptions(cfg)),
		Route:     route,
		Commander: commander,
		Updates:   updates,
	})
	if err != nil {
		log.Fatalf("failed to build pipeline: %v", err)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stop()
		if err := runner.Run(ctx); err != nil {
			log.Printf("pipeline stopped: %v", err)
		}
		log.Print("pipeline routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		runner.AttachAdminRoutes(mux)
		if rides != nil {
			rides.AttachAdminRoutes(mux)
		}

		server := &http.Server{
			Addr:              cfg.GetDebugListen(),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf("debug server listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("debug server failed: %v", err)
			}
		}()

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("debug server shutdown error: %v", err)
			server.Close()
		}
	}()

	wg.Wait()
	log.Printf("final state: %s", navigation.Describe(runner.Navigator().State()).State)
	log.Printf("graceful shutdown complete")
}
