package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/banshee-data/routelock/internal/capture"
)

func noEnv(string) (string, bool) { return "", false }

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseFlagsDefaults(t *testing.T) {
	o, err := parseFlags(flag.NewFlagSet("routelock", flag.ContinueOnError), nil)
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if o.envFile != ".env" {
		t.Errorf("envFile = %q, want .env", o.envFile)
	}
	if o.showVersion || o.noRideLog {
		t.Error("boolean flags should default to false")
	}
}

func TestLoadConfigLayering(t *testing.T) {
	cfgPath := writeFile(t, "routelock.json", `{"relay_port": 3022, "world_file": "from-file.json", "capture_device": "en0"}`)
	env := map[string]string{
		"ROUTELOCK_WORLD_FILE": "from-env.json",
		"ROUTELOCK_ROUTE_FILE": "route-env.json",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	o, err := parseFlags(flag.NewFlagSet("routelock", flag.ContinueOnError), []string{
		"-config", cfgPath, "-env-file", "", "-route", "route-flag.json", "-pcap", "ride.pcap",
	})
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(o, lookup)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if got := cfg.GetRelayPort(); got != 3022 {
		t.Errorf("relay port = %d, want 3022 from file", got)
	}
	if got := cfg.GetWorldFile(); got != "from-env.json" {
		t.Errorf("world file = %q, want env override", got)
	}
	if got := cfg.GetRouteFile(); got != "route-flag.json" {
		t.Errorf("route file = %q, want flag override", got)
	}
	if got := cfg.GetCaptureFile(); got != "ride.pcap" {
		t.Errorf("capture file = %q", got)
	}
	if got := cfg.GetCaptureDevice(); got != "" {
		t.Errorf("capture device = %q, want cleared by -pcap", got)
	}
}

func TestLoadConfigEnvFile(t *testing.T) {
	envPath := writeFile(t, "test.env", "ROUTELOCK_TEST_ENVFILE_ACTIVITY=unused\n")
	t.Cleanup(func() { os.Unsetenv("ROUTELOCK_TEST_ENVFILE_ACTIVITY") })

	o := options{envFile: envPath}
	if _, err := loadConfig(o, os.LookupEnv); err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if got := os.Getenv("ROUTELOCK_TEST_ENVFILE_ACTIVITY"); got != "unused" {
		t.Errorf(".env not loaded, got %q", got)
	}

	o.envFile = filepath.Join(t.TempDir(), "absent.env")
	if _, err := loadConfig(o, noEnv); err != nil {
		t.Errorf("missing .env should be ignored, got %v", err)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	bad := writeFile(t, "bad.json", `{"relay_port": 0}`)
	if _, err := loadConfig(options{configPath: bad}, noEnv); err == nil {
		t.Error("expected validation error for relay_port 0")
	}

	badEnv := func(k string) (string, bool) {
		if k == "ROUTELOCK_MATCH_TOLERANCE_M" {
			return "wide", true
		}
		return "", false
	}
	if _, err := loadConfig(options{}, badEnv); err == nil {
		t.Error("expected error for unparsable env override")
	}
}

func TestOpenSourceReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ride.rlj")
	jw, err := capture.CreateJournal(path)
	if err != nil {
		t.Fatal(err)
	}
	want := capture.Segment{SrcPort: 50123, DstPort: 21587, Seq: 1, Flags: capture.Flags{SYN: true}}
	if err := jw.Write(want); err != nil {
		t.Fatal(err)
	}
	if err := jw.Close(); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(options{journal: filepath.Join(t.TempDir(), "ignored.rlj")}, noEnv)
	if err != nil {
		t.Fatal(err)
	}
	src, closeJournal, err := openSource(cfg, path)
	if err != nil {
		t.Fatalf("openSource() error = %v", err)
	}
	defer src.Close()
	defer closeJournal()

	got, err := src.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if got.Seq != want.Seq || !got.Flags.SYN {
		t.Errorf("Next() = %v, want %v", got, want)
	}
	if _, err := src.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestOpenSourceNoneConfigured(t *testing.T) {
	cfg, err := loadConfig(options{}, noEnv)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := openSource(cfg, ""); err == nil {
		t.Error("expected error without a capture source")
	}
}

func TestLoadWorld(t *testing.T) {
	worldPath := writeFile(t, "world.json", `{"world_id": 1, "segments": [
		{"id": "a", "points": [[0, 0, 0], [0, 0.001, 0]], "next_b": [{"direction": "straight", "segment": "b"}]},
		{"id": "b", "points": [[0, 0.001, 0], [0, 0.002, 0]]}
	]}`)
	routePath := writeFile(t, "route.json", `{"world_id": 1, "name": "short", "sequence": [
		{"segment": "a", "direction": "A->B", "type": "lead-in", "next": "b", "turn": "straight"},
		{"segment": "b", "direction": "A->B", "type": "lead-out"}
	]}`)
	missingRoute := writeFile(t, "missing.json", `{"world_id": 1, "name": "bad", "sequence": [
		{"segment": "zzz", "direction": "A->B", "type": "regular"}
	]}`)

	cfg, err := loadConfig(options{worldFile: worldPath, routeFile: routePath}, noEnv)
	if err != nil {
		t.Fatal(err)
	}
	w, route, err := loadWorld(cfg)
	if err != nil {
		t.Fatalf("loadWorld() error = %v", err)
	}
	if len(w.Segments()) != 2 || route == nil || route.Name != "short" {
		t.Errorf("loadWorld() = %d segments, route %v", len(w.Segments()), route)
	}

	cfg, _ = loadConfig(options{worldFile: worldPath}, noEnv)
	if _, route, err := loadWorld(cfg); err != nil || route != nil {
		t.Errorf("world without route: route=%v err=%v", route, err)
	}

	cfg, _ = loadConfig(options{worldFile: worldPath, routeFile: missingRoute}, noEnv)
	if _, _, err := loadWorld(cfg); err == nil {
		t.Error("expected error for route referencing a missing segment")
	}

	cfg, _ = loadConfig(options{}, noEnv)
	if _, _, err := loadWorld(cfg); err == nil {
		t.Error("expected error without world_file")
	}
}

func TestNavigatorOptions(t *testing.T) {
	cfg, err := loadConfig(options{}, func(k string) (string, bool) {
		if k == "ROUTELOCK_END_ACTIVITY_ON_COMPLETION" {
			return "true", true
		}
		return "", false
	})
	if err != nil {
		t.Fatal(err)
	}
	opts := navigatorOptions(cfg)
	if !opts.EndActivityOnCompletion || opts.MatchTolerance != 25 || opts.ActivityName != "routelock ride" {
		t.Errorf("navigatorOptions() = %+v", opts)
	}
}
