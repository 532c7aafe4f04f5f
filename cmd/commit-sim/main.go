package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pingcap-incubator/tinycommit/tm/config"
	"github.com/pingcap-incubator/tinycommit/tm/server"
	"github.com/pingcap-incubator/tinycommit/tm/sim"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var (
	configPath string
	flagConfig = config.NewDefaultConfig()
)

// loadConfig reads the config file, if any, and applies the command line
// flags over it, so flags always win.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := flagConfig
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, errors.Trace(err)
		}
		fs := pflag.NewFlagSet("overrides", pflag.ContinueOnError)
		cfg.BindFlags(fs)
		var setErr error
		cmd.Flags().Visit(func(f *pflag.Flag) {
			if fs.Lookup(f.Name) != nil && setErr == nil {
				setErr = fs.Set(f.Name, f.Value.String())
			}
		})
		if setErr != nil {
			return nil, errors.Trace(setErr)
		}
	}
	if err := cfg.Adjust(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

func newRunCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a workload against the commit units",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err = cfg.SetupLogger(); err != nil {
				return err
			}
			defer log.Sync()
			for _, msg := range cfg.WarningMsgs {
				log.Warn(msg)
			}
			return run(ctx, cfg)
		},
	}
	flagConfig.BindFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	sc, err := cfg.SimConfig()
	if err != nil {
		return err
	}
	s, err := sim.New(sc)
	if err != nil {
		return err
	}
	var status *server.Server
	if cfg.Status.Addr != "" {
		if status, err = server.Start(cfg.Status.Addr, server.NewHandler(s, cfg)); err != nil {
			return err
		}
	}
	report, runErr := s.Run(ctx)
	fmt.Print(report)
	if errors.Cause(runErr) == context.Canceled {
		log.Info("simulation interrupted", zap.Uint64("cycle", report.Cycles))
		runErr = nil
	}

	if status != nil {
		if cfg.Status.KeepAlive && runErr == nil {
			log.Info("simulation done, status server still serving", zap.String("addr", status.Addr()))
			<-ctx.Done()
		}
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := status.Close(closeCtx); err != nil {
			log.Warn("close status server", zap.Error(err))
		}
	}
	return runErr
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Check the configuration and print it with defaults filled in",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			for _, msg := range cfg.WarningMsgs {
				fmt.Fprintln(os.Stderr, "warning:", msg)
			}
			fmt.Println(cfg)
			return nil
		},
	}
	flagConfig.BindFlags(cmd.Flags())
	return cmd
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		sig := <-sc
		log.Info("got signal to exit", zap.String("signal", sig.String()))
		cancel()
	}()

	rootCmd := &cobra.Command{
		Use:          "commit-sim",
		Short:        "Cycle level simulator of transactional memory commit units",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "C", "", "config file path")
	rootCmd.AddCommand(newRunCommand(ctx), newConfigCommand())

	err := rootCmd.Execute()
	cancel()
	if err != nil {
		log.Error("commit-sim failed", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}
