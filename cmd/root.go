// Package cmd defines the spiderwho command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JakeFAU/spiderwho/internal/config"
)

// Process exit codes.
const (
	ExitOK        = 0
	ExitError     = 1
	ExitUsage     = 2
	ExitExhausted = 3
)

// exitError carries the exit code chosen for a failed run.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func usageErr(err error) error { return &exitError{code: ExitUsage, err: err} }

// flagBindings maps flags onto configuration keys.
var flagBindings = map[string]string{
	"numProxies":  "proxies.max",
	"out":         "output.dir",
	"skip":        "input.skip_done",
	"skipNumber":  "input.skip_count",
	"split":       "output.split_thick",
	"debug":       "logging.development",
	"emailVerify": "lookup.email_verify",
	"log":         "logging.save_logs",
	"lazy":        "lookup.lazy",
	"metrics":     "metrics.listen_addr",
	"gcs":         "output.gcs_bucket",
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "spiderwho <proxies> <domains>",
		Short: "Harvest WHOIS records through a pool of SOCKS proxies.",
		Long: `spiderwho looks up the WHOIS record of every domain in a list, spreading
queries over one worker per SOCKS proxy, and writes the thin and thick
records to a compressed archive or to individual files.`,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 2 {
				return usageErr(fmt.Errorf("expected <proxies> and <domains>, got %d argument(s)", len(args)))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := config.New()
			if err := bindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			v.Set("proxies.path", args[0])
			v.Set("input.domains", args[1])

			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return usageErr(err)
			}
			return run(cmd.Context(), cfg, stdout)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	f := cmd.Flags()
	f.StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	f.IntP("numProxies", "n", 0, "maximum number of proxies to use, 0 for all")
	f.StringP("out", "o", "results", "output directory")
	f.BoolP("files", "f", false, "write results as individual files instead of an archive")
	f.BoolP("skip", "s", false, "skip domains that already have results (files mode only)")
	f.Int64("skipNumber", 0, "skip this many domains at the start of the list")
	f.Bool("split", false, "write thin and thick records to separate folders")
	f.BoolP("debug", "d", false, "enable development logging")
	f.BoolP("emailVerify", "e", false, "treat records without an e-mail address as failures")
	f.BoolP("log", "l", false, "print lookup exception counts at exit")
	f.BoolP("quiet", "q", false, "disable the status display")
	f.BoolP("lazy", "z", false, "retire a proxy after a few rate limits")
	f.Bool("lps", false, "report lookups per second instead of domains per second")
	f.String("metrics", "", "serve metrics and health endpoints on this address")
	f.String("gcs", "", "write result files to this GCS bucket (files mode only)")
	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagBindings {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	if flags.Changed("files") {
		files, _ := flags.GetBool("files")
		v.Set("output.archive", !files)
	}
	if flags.Changed("quiet") {
		quiet, _ := flags.GetBool("quiet")
		v.Set("status.enabled", !quiet)
	}
	if lps, _ := flags.GetBool("lps"); lps {
		v.Set("status.basis", "lookups")
	}
	return nil
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	// Interrupts stay captured until the run has been finalized.
	return execute(withSignalRelease(ctx, stop), os.Args[1:], os.Stdout, os.Stderr)
}

type signalReleaseKey struct{}

func withSignalRelease(ctx context.Context, release func()) context.Context {
	return context.WithValue(ctx, signalReleaseKey{}, release)
}

// releaseSignals restores the default signal handling installed by Execute,
// so a further interrupt terminates the process.
func releaseSignals(ctx context.Context) {
	if release, ok := ctx.Value(signalReleaseKey{}).(func()); ok {
		release()
	}
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}

	var ee *exitError
	if !errors.As(err, &ee) {
		// Flag parse failures come straight from cobra.
		fmt.Fprintf(stderr, "Error: %v\n", err)
		fmt.Fprint(stderr, cmd.UsageString())
		return ExitUsage
	}
	if ee.err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", ee.err)
	}
	if ee.code == ExitUsage {
		fmt.Fprint(stderr, cmd.UsageString())
	}
	return ee.code
}
