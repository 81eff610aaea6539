// Command slave implements a polling build slave: it registers with a
// master over the HTTP binding, executes whatever recipe it is handed, and
// reports step-by-step results back. Grounded on the original bitten.slave
// module's register/build/report loop, including its -k/-n/-s flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"runtime"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/forgecoord/bco"
	"github.com/forgecoord/bco/internal/wire"
)

var (
	name       = flag.String("name", "", "slave name to register as (defaults to the hostname)")
	configPath = flag.String("f", "", "path to a slave config file (platform/package overrides)")
	workDir    = flag.String("d", "", "working directory for build execution (defaults to a temp dir)")
	keepFiles  = flag.Bool("k", false, "keep the working directory after a build instead of removing it")
	dryRun     = flag.Bool("n", false, "register and fetch a recipe but do not execute steps; report a synthetic success")
	singleShot = flag.Bool("s", false, "exit after completing a single build instead of looping forever")
	debug      = flag.Bool("debug", false, "format error messages with additional detail (%+v)")
)

const pollInterval = 30 * time.Second

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	if err := run(flag.Args()); err != nil {
		if *debug {
			log.Fatalf("slave: %+v", err)
		}
		log.Fatalf("slave: %v", err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] URL-or-HOST [PORT]\n\n", os.Args[0])
	flag.PrintDefaults()
}

func run(args []string) error {
	baseURL := args[0]
	if len(args) > 1 {
		baseURL = fmt.Sprintf("http://%s:%s", args[0], args[1])
	} else if !hasScheme(baseURL) {
		baseURL = "http://" + baseURL
	}

	slaveName := *name
	if slaveName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return xerrors.Errorf("determining slave name: %w", err)
		}
		slaveName = hostname
	}

	dir := *workDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "bco-slave")
		if err != nil {
			return xerrors.Errorf("creating work dir: %w", err)
		}
		dir = tmp
	}
	if !*keepFiles {
		defer os.RemoveAll(dir)
	}

	reg := wire.Register{
		Name:      slaveName,
		Machine:   runtime.GOARCH,
		Processor: runtime.GOARCH,
		OSName:    runtime.GOOS,
		OSFamily:  osFamily(),
		OSVersion: "",
	}
	if *configPath != "" {
		props, err := readConfigProperties(*configPath)
		if err != nil {
			return xerrors.Errorf("reading config %s: %w", *configPath, err)
		}
		reg.Properties = props
	}

	if !isInteractive() {
		log.SetFlags(log.Ldate | log.Ltime)
	}

	ctx, cancel := bco.InterruptibleContext()
	defer cancel()
	defer func() {
		if err := bco.RunAtExit(); err != nil {
			log.Printf("slave: at-exit cleanup: %v", err)
		}
	}()

	c := newClient(baseURL)
	for {
		built, err := c.buildOnce(ctx, reg, dir)
		if err != nil {
			return err
		}
		if *singleShot && built {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pollInterval):
		}
	}
}

// buildOnce runs one register -> fetch -> execute -> report cycle. built is
// true only if a build was actually allocated and processed.
func (c *client) buildOnce(ctx context.Context, reg wire.Register, dir string) (built bool, err error) {
	location, recipe, err := c.createBuild(reg)
	if err != nil {
		return false, err
	}
	if location == "" {
		return false, nil
	}

	steps, err := wire.ParseRecipeSteps(recipe)
	if err != nil {
		return true, c.putAborted(location)
	}

	for _, step := range steps {
		started := time.Now()
		result, lines, stepErr := runStep(ctx, step, dir, *dryRun)
		wireStep := wire.Step{
			ID:          step.ID,
			Description: step.Description,
			Time:        wire.FormatTime(started),
			Duration:    time.Since(started).Seconds(),
			Result:      result,
		}
		if len(lines) > 0 {
			wireStep.Logs = []wire.Log{{Messages: lines}}
		}
		if stepErr != nil {
			wireStep.Errors = []string{stepErr.Error()}
		}
		if err := c.putStep(location, step.ID, wireStep); err != nil {
			return true, err
		}
		if result == "failure" {
			return true, c.putCompleted(location, wire.Completed{Time: wire.FormatTime(time.Now()), Result: "failure"})
		}
	}

	return true, c.putCompleted(location, wire.Completed{Time: wire.FormatTime(time.Now()), Result: "success"})
}

// runStep executes one recipe step's commands in sequence, stopping at the
// first failing command. dryRun skips execution entirely and reports
// success, for connectivity checks against a master.
func runStep(ctx context.Context, step wire.RecipeStep, dir string, dryRun bool) (result string, lines []string, err error) {
	if dryRun {
		return "success", []string{"dry-run: step not executed"}, nil
	}
	for _, argv := range step.Commands {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = dir
		out, runErr := cmd.CombinedOutput()
		lines = append(lines, splitLines(string(out))...)
		if runErr != nil {
			return "failure", lines, xerrors.Errorf("%v: %w", argv, runErr)
		}
	}
	return "success", lines, nil
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func hasScheme(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return true
		}
		if s[i] == '/' {
			return false
		}
	}
	return false
}

// osFamily reports a bitten-style OS family string ("posix" or "nt"),
// matching the original slave config's family detection.
func osFamily() string {
	if runtime.GOOS == "windows" {
		return "nt"
	}
	return "posix"
}

// isInteractive reports whether stdout is a terminal; run uses it to choose
// the log line format. Grounded on the teacher's unix.IoctlGetTermios
// terminal check in cmd/distri/batch.go.
func isInteractive() bool {
	_, err := unix.IoctlGetTermios(int(os.Stdout.Fd()), unix.TCGETS)
	return err == nil
}
