package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxkit/config"
	"github.com/isdmx/sandboxkit/logger"
	"github.com/isdmx/sandboxkit/sandbox"
)

const followPollInterval = 200 * time.Millisecond

var (
	agentFlag      string
	workdirFlag    string
	envFlag        map[string]string
	backgroundFlag bool
	followFlag     bool
	timeoutFlag    time.Duration
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a sandbox and print its id",
	Args:  cobra.NoArgs,
	RunE:  runCreate,
}

var runCmd = &cobra.Command{
	Use:   "run <sandbox-id> <command>...",
	Short: "Run a shell command in a sandbox",
	Long: `Run a shell command in a sandbox. The remaining arguments are joined with
spaces and run by the sandbox shell. The CLI exits with the command's exit code.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runRun,
}

var outputCmd = &cobra.Command{
	Use:   "output <sandbox-id> <pid>",
	Short: "Show the output of a command started with run --background",
	Args:  cobra.ExactArgs(2),
	RunE:  runOutput,
}

var hostCmd = &cobra.Command{
	Use:   "host <sandbox-id> <port>",
	Short: "Expose a sandbox port and print its URL",
	Args:  cobra.ExactArgs(2),
	RunE:  runHost,
}

var pauseCmd = &cobra.Command{
	Use:   "pause <sandbox-id>",
	Short: "Pause a sandbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runPause,
}

var killCmd = &cobra.Command{
	Use:     "kill <sandbox-id>",
	Aliases: []string{"rm"},
	Short:   "Destroy a sandbox",
	Args:    cobra.ExactArgs(1),
	RunE:    runKill,
}

func init() {
	createCmd.Flags().StringVar(&agentFlag, "agent", "", "Agent the sandbox is built for (codex, claude, opencode, gemini, grok)")
	createCmd.Flags().StringVar(&workdirFlag, "workdir", "", "Working directory to create inside the sandbox")
	createCmd.Flags().StringToStringVarP(&envFlag, "env", "e", nil, "Environment variable KEY=VALUE (repeatable)")

	runCmd.Flags().BoolVarP(&backgroundFlag, "background", "b", false, "Start the command and return its pid")
	runCmd.Flags().BoolVarP(&followFlag, "follow", "f", false, "With --background, stream output until the command exits")
	runCmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "Timeout of a foreground command (default from config)")

	rootCmd.AddCommand(createCmd, runCmd, outputCmd, hostCmd, pauseCmd, killCmd)
}

// exitError carries the exit code of a sandbox command out of Execute
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.code)
}

// withProvider loads configuration, builds the provider and hands it to fn
func withProvider(cmd *cobra.Command, fn func(ctx context.Context, provider sandbox.Provider, log *zap.Logger) error) error {
	if _, err := parseFormat(outputFlag); err != nil {
		return err
	}

	cfg, err := config.Load(configFlag)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	provider, err := sandbox.NewProvider(log, cfg.ProviderConfig())
	if err != nil {
		return err
	}
	if closer, ok := provider.(io.Closer); ok {
		defer func() { _ = closer.Close() }()
	}

	return fn(cmd.Context(), provider, log)
}

// withInstance resumes sandbox id and hands it to fn
func withInstance(cmd *cobra.Command, id string, fn func(ctx context.Context, inst sandbox.Instance) error) error {
	return withProvider(cmd, func(ctx context.Context, provider sandbox.Provider, _ *zap.Logger) error {
		inst, err := provider.Resume(ctx, id)
		if err != nil {
			return err
		}
		return fn(ctx, inst)
	})
}

func runCreate(cmd *cobra.Command, _ []string) error {
	agentType, err := sandbox.ParseAgentType(agentFlag)
	if err != nil {
		return err
	}

	return withProvider(cmd, func(ctx context.Context, provider sandbox.Provider, log *zap.Logger) error {
		inst, err := provider.Create(ctx, envFlag, agentType, workdirFlag)
		if err != nil {
			return err
		}
		log.Debug("sandbox created", zap.String("sandbox_id", inst.ID()))
		return printValue(cmd, inst.ID(), sandboxView{ID: inst.ID()})
	})
}

func runRun(cmd *cobra.Command, args []string) error {
	command := strings.Join(args[1:], " ")

	return withInstance(cmd, args[0], func(ctx context.Context, inst sandbox.Instance) error {
		opts := &sandbox.CommandOptions{
			Timeout:    timeoutFlag,
			Background: backgroundFlag,
		}
		if backgroundFlag && followFlag {
			return follow(ctx, cmd, inst, command, opts)
		}

		result := inst.Commands().Run(ctx, command, opts)
		if err := printResult(cmd, result); err != nil {
			return err
		}
		if result.ExitCode != 0 {
			return &exitError{code: result.ExitCode}
		}
		return nil
	})
}

// follow starts command in the background, streams its output and waits for it to exit
func follow(ctx context.Context, cmd *cobra.Command, inst sandbox.Instance, command string, opts *sandbox.CommandOptions) error {
	stdout := &lockedWriter{w: cmd.OutOrStdout()}
	stderr := &lockedWriter{w: cmd.ErrOrStderr()}
	opts.OnStdout = func(chunk string) { _, _ = io.WriteString(stdout, chunk) }
	opts.OnStderr = func(chunk string) { _, _ = io.WriteString(stderr, chunk) }

	result := inst.Commands().Run(ctx, command, opts)
	if result.PID == "" {
		// The failure was already written through OnStderr
		return &exitError{code: result.ExitCode}
	}

	ticker := time.NewTicker(followPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		out, err := inst.Commands().Output(ctx, result.PID)
		if err != nil {
			return err
		}
		if out.Running {
			continue
		}
		if out.ExitCode != 0 {
			return &exitError{code: out.ExitCode}
		}
		return nil
	}
}

func runOutput(cmd *cobra.Command, args []string) error {
	return withInstance(cmd, args[0], func(ctx context.Context, inst sandbox.Instance) error {
		out, err := inst.Commands().Output(ctx, args[1])
		if err != nil {
			return err
		}
		return printOutput(cmd, out)
	})
}

func runHost(cmd *cobra.Command, args []string) error {
	port, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", args[1], err)
	}

	return withInstance(cmd, args[0], func(ctx context.Context, inst sandbox.Instance) error {
		url, err := inst.GetHost(ctx, port)
		if err != nil {
			return err
		}
		return printValue(cmd, url, hostView{ID: inst.ID(), Port: port, URL: url})
	})
}

func runPause(cmd *cobra.Command, args []string) error {
	return withInstance(cmd, args[0], func(ctx context.Context, inst sandbox.Instance) error {
		if err := inst.Pause(ctx); err != nil {
			return err
		}
		return printValue(cmd, "paused "+inst.ID(), sandboxView{ID: inst.ID(), Status: "paused"})
	})
}

func runKill(cmd *cobra.Command, args []string) error {
	return withInstance(cmd, args[0], func(ctx context.Context, inst sandbox.Instance) error {
		if err := inst.Kill(ctx); err != nil {
			return err
		}
		return printValue(cmd, "killed "+inst.ID(), sandboxView{ID: inst.ID(), Status: "terminated"})
	})
}
