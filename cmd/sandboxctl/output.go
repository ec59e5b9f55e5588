package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/sandboxkit/sandbox"
)

// Output formats
const (
	formatText = "text"
	formatYAML = "yaml"
)

type sandboxView struct {
	ID     string `yaml:"sandbox_id"`
	Status string `yaml:"status,omitempty"`
}

type hostView struct {
	ID   string `yaml:"sandbox_id"`
	Port int    `yaml:"port"`
	URL  string `yaml:"url"`
}

type resultView struct {
	ExitCode int    `yaml:"exit_code"`
	Stdout   string `yaml:"stdout"`
	Stderr   string `yaml:"stderr"`
	PID      string `yaml:"pid,omitempty"`
}

type outputView struct {
	PID      string `yaml:"pid"`
	Running  bool   `yaml:"running"`
	ExitCode int    `yaml:"exit_code"`
	Stdout   string `yaml:"stdout"`
	Stderr   string `yaml:"stderr"`
}

func parseFormat(format string) (string, error) {
	switch format {
	case formatText, formatYAML:
		return format, nil
	default:
		return "", fmt.Errorf("invalid output format: %s, must be 'text' or 'yaml'", format)
	}
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return enc.Close()
}

// printValue prints text in text mode and view in yaml mode
func printValue(cmd *cobra.Command, text string, view any) error {
	if outputFlag == formatYAML {
		return writeYAML(cmd.OutOrStdout(), view)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), text)
	return err
}

func printResult(cmd *cobra.Command, result sandbox.ExecutionResult) error {
	if outputFlag == formatYAML {
		return writeYAML(cmd.OutOrStdout(), resultView{
			ExitCode: result.ExitCode,
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
			PID:      result.PID,
		})
	}

	if _, err := io.WriteString(cmd.OutOrStdout(), result.Stdout); err != nil {
		return err
	}
	if result.PID != "" {
		if _, err := fmt.Fprintf(cmd.OutOrStdout(), "\npid: %s\n", result.PID); err != nil {
			return err
		}
	}
	_, err := io.WriteString(cmd.ErrOrStderr(), result.Stderr)
	return err
}

func printOutput(cmd *cobra.Command, out sandbox.ProcessOutput) error {
	if outputFlag == formatYAML {
		return writeYAML(cmd.OutOrStdout(), outputView{
			PID:      out.PID,
			Running:  out.Running,
			ExitCode: out.ExitCode,
			Stdout:   out.Stdout,
			Stderr:   out.Stderr,
		})
	}

	if _, err := io.WriteString(cmd.OutOrStdout(), out.Stdout); err != nil {
		return err
	}
	if _, err := io.WriteString(cmd.ErrOrStderr(), out.Stderr); err != nil {
		return err
	}
	status := fmt.Sprintf("exited with code %d", out.ExitCode)
	if out.Running {
		status = "running"
	}
	_, err := fmt.Fprintf(cmd.ErrOrStderr(), "[%s %s]\n", out.PID, status)
	return err
}

// lockedWriter serializes writes from concurrent stream callbacks
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
