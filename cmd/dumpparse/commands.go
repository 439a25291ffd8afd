package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/devhelper/devhelper-go/internal/adb"
	"github.com/devhelper/devhelper-go/internal/config"
	"github.com/devhelper/devhelper-go/internal/device"
	"github.com/devhelper/devhelper-go/internal/dumpsys"
	"github.com/devhelper/devhelper-go/internal/inspector"
	"github.com/devhelper/devhelper-go/internal/retry"
	"github.com/devhelper/devhelper-go/internal/utils"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const cliDeviceID = "cli"

type options struct {
	logLevel string
	adbBin   string
	target   string
	noSu     bool
	sdk      int
	timeout  time.Duration
	raw      bool
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "dumpparse",
		Short:         "Parse `dumpsys activity top` output and inspect app data on a rooted device",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	deviceFlags := func(cmd *cobra.Command) {
		cmd.Flags().StringVar(&opts.target, "target", "", "adb serial or host:port")
		cmd.Flags().StringVar(&opts.adbBin, "adb", "adb", "adb binary")
		cmd.Flags().BoolVar(&opts.noSu, "no-su", false, "run shell commands without su")
		cmd.Flags().IntVar(&opts.sdk, "sdk", 0, "device SDK level, read via getprop when 0")
		cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-command timeout")
		cmd.MarkFlagRequired("target")
	}

	parseCmd := &cobra.Command{
		Use:   "parse <file|-> [file...]",
		Short: "Parse dump files; one input prints JSON, several print JSON lines",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runParse(cmd, args)
		},
	}

	captureCmd := &cobra.Command{
		Use:   "capture",
		Short: "Run dumpsys activity top on a device and print the parsed result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withInspector(cmd, opts, func(ctx context.Context, insp *inspector.Inspector) error {
				if opts.raw {
					raw, err := insp.DumpTopActivity(ctx)
					if err != nil {
						return err
					}
					_, err = io.WriteString(cmd.OutOrStdout(), raw)
					return err
				}
				info, err := insp.TopActivity(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), info)
			})
		},
	}
	captureCmd.Flags().BoolVar(&opts.raw, "raw", false, "print the unparsed dump")
	deviceFlags(captureCmd)

	pidCmd := &cobra.Command{
		Use:   "pid <package>",
		Short: "Print the pid of a running package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withInspector(cmd, opts, func(ctx context.Context, insp *inspector.Inspector) error {
				pid, err := insp.Pid(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), pid)
				return nil
			})
		},
	}
	deviceFlags(pidCmd)

	dbsCmd := &cobra.Command{
		Use:   "dbs <package>",
		Short: "List SQLite files under the package's databases directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withInspector(cmd, opts, func(ctx context.Context, insp *inspector.Inspector) error {
				files, err := insp.SqliteFiles(ctx, args[0])
				if err != nil {
					return err
				}
				for _, f := range files {
					fmt.Fprintln(cmd.OutOrStdout(), f)
				}
				return nil
			})
		},
	}
	deviceFlags(dbsCmd)

	root.AddCommand(parseCmd, captureCmd, pidCmd, dbsCmd)
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		logger = config.InitLogger(&config.LogConfig{Level: opts.logLevel, Format: "text"})
		logger.SetOutput(cmd.ErrOrStderr())
	}
	return root
}

var logger = logrus.New()

// parseResult parse 多文件时的一行输出
type parseResult struct {
	File  string                   `json:"file"`
	Info  *dumpsys.TopActivityInfo `json:"info,omitempty"`
	Error string                   `json:"error,omitempty"`
}

func runParse(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		raw, err := readInput(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}
		info, err := dumpsys.Parse(raw)
		if err != nil {
			return fmt.Errorf("%s: %w: %w", args[0], inspector.ErrUnreadableHierarchy, err)
		}
		return printJSON(cmd.OutOrStdout(), info)
	}

	w := utils.NewJSONLWriter(cmd.OutOrStdout())
	failed := 0
	for _, name := range args {
		res := parseResult{File: name}
		raw, err := readInput(cmd.InOrStdin(), name)
		if err == nil {
			res.Info, err = dumpsys.Parse(raw)
		}
		if err != nil {
			failed++
			res.Error = err.Error()
			logger.WithError(err).WithField("file", name).Warn("Failed to parse dump")
		}
		if err := w.WriteLine(res); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d dumps could not be parsed", failed, len(args))
	}
	return nil
}

func readInput(stdin io.Reader, name string) (string, error) {
	if name == "-" {
		data, err := io.ReadAll(stdin)
		return string(data), err
	}
	data, err := os.ReadFile(filepath.Clean(name))
	return string(data), err
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withInspector 以单设备的 Manager 连接 --target 并执行 fn
func withInspector(cmd *cobra.Command, opts *options, fn func(ctx context.Context, insp *inspector.Inspector) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.Logger = logger

	client := adb.NewClient(opts.target, adb.Options{
		Binary:  opts.adbBin,
		UseSu:   !opts.noSu,
		Timeout: opts.timeout,
		Retry:   retryCfg,
	}, logger)

	mgr := device.NewManager(logger)
	mgr.AddDevice(device.NewDevice(cliDeviceID, client, opts.sdk))
	return mgr.WithDevice(ctx, cliDeviceID, fn)
}
