// Command v2v-wrapper supervises a single virt-v2v conversion: validating
// a request, materializing secrets, running the converter, and reporting
// progress and completion through a state file (spec.md §4.7, §6).
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jbweber/v2v-wrapper/internal/control"
)

var version = "22"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(control.ExitValidationFailed)
	}
}

var rootCmd = &cobra.Command{
	Use:     "v2v-wrapper",
	Short:   "Supervises a virt-v2v conversion run",
	Version: version,
	RunE:    runConversion,
}

func init() {
	rootCmd.AddCommand(checksCmd)
	rootCmd.AddCommand(checkCmd)
}

// checksCmd lists available checks, one per line (spec.md §6 `--checks`).
var checksCmd = &cobra.Command{
	Use:   "checks",
	Short: "List available checks",
	RunE: func(cmd *cobra.Command, args []string) error {
		for name := range availableChecks {
			fmt.Println(name)
		}
		return nil
	},
}

// checkCmd runs one named check (spec.md §6 `--check-<name>`).
var checkCmd = &cobra.Command{
	Use:       "check <name>",
	Short:     "Run a named check",
	Args:      cobra.ExactArgs(1),
	ValidArgs: checkNames(),
	RunE: func(cmd *cobra.Command, args []string) error {
		fn, ok := availableChecks[args[0]]
		if !ok {
			return fmt.Errorf("unknown check: %s", args[0])
		}
		if err := fn(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return nil
	},
}

func checkNames() []string {
	names := make([]string, 0, len(availableChecks))
	for name := range availableChecks {
		names = append(names, name)
	}
	return names
}

// runConversion implements the bare-invocation behavior: read a JSON
// request from standard input and drive it to completion (spec.md §4.7).
func runConversion(cmd *cobra.Command, args []string) error {
	requestJSON, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("failed to read request from standard input: %w", err)
	}

	if control.IsReexecedChild() {
		tag := control.Tag(time.Now(), os.Getpid())
		os.Exit(control.New(tag, os.Stdout).Run(bytes.NewReader(requestJSON)))
		return nil
	}

	wantsDaemonize, err := requestWantsDaemonize(requestJSON)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(control.ExitValidationFailed)
		return nil
	}

	if wantsDaemonize {
		if err := control.Daemonize(bytes.NewReader(requestJSON), os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(control.ExitValidationFailed)
		}
		return nil
	}

	tag := control.Tag(time.Now(), os.Getpid())
	os.Exit(control.New(tag, os.Stdout).Run(bytes.NewReader(requestJSON)))
	return nil
}

// requestWantsDaemonize peeks at the "daemonize" key without fully
// validating the request; full validation happens inside the controller
// (possibly in the detached child), matching spec.md's VALIDATED ordering.
func requestWantsDaemonize(requestJSON []byte) (bool, error) {
	var partial struct {
		Daemonize *bool `json:"daemonize"`
	}
	if err := json.Unmarshal(requestJSON, &partial); err != nil {
		return false, fmt.Errorf("failed to decode request JSON: %w", err)
	}
	return partial.Daemonize == nil || *partial.Daemonize, nil
}
