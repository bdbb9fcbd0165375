package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/nholik/fleet-sentinel/internal/client"
	"github.com/nholik/fleet-sentinel/internal/gateway"
	"github.com/nholik/fleet-sentinel/internal/logging"
	"github.com/spf13/cobra"
)

const (
	envServerURL     = "FS_SERVER_URL"
	defaultServerURL = "http://localhost:8080"
)

type clientFlags struct {
	server  string
	timeout time.Duration
	verbose bool
}

func (f *clientFlags) register(cmd *cobra.Command) {
	server := os.Getenv(envServerURL)
	if server == "" {
		server = defaultServerURL
	}
	cmd.PersistentFlags().StringVar(&f.server, "server", server, "fleet-sentinel API base URL (env "+envServerURL+")")
	cmd.PersistentFlags().DurationVar(&f.timeout, "timeout", 60*time.Second, "per-request timeout")
	cmd.PersistentFlags().BoolVarP(&f.verbose, "verbose", "v", false, "log requests and retries to stderr")
}

func (f *clientFlags) client() (*client.Client, error) {
	opts := []client.Option{client.WithTimeout(f.timeout)}
	if f.verbose {
		opts = append(opts, client.WithLogger(logging.NewConsole("debug")))
	}
	return client.New(f.server, opts...)
}

func newClientCmds() []*cobra.Command {
	flags := &clientFlags{}

	stateCmd := &cobra.Command{Use: "state", Short: "Inspect the fleet snapshot"}
	stateCmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the current snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			view, err := c.State(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	})

	var limit int
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List archived snapshots, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			entries, err := c.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintf(w, "%s  %s  archived %s\n",
					e.Snapshot.Checksum,
					e.Snapshot.Timestamp.Format(time.RFC3339),
					e.ArchivedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	historyCmd.Flags().IntVar(&limit, "limit", 20, "maximum number of entries")

	depsCmd := &cobra.Command{Use: "deps", Short: "Query the service dependency graph"}
	depsCmd.AddCommand(&cobra.Command{
		Use:   "check <service>",
		Short: "Report whether a service can be changed without breaking dependents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			decision, err := c.CheckMutation(cmd.Context(), args[0])
			if decision.Service == "" {
				return err
			}
			if perr := printJSON(cmd.OutOrStdout(), decision); perr != nil {
				return perr
			}
			return err
		},
	})

	var infer gateway.Request
	inferCmd := &cobra.Command{
		Use:   "infer [prompt]",
		Short: "Send a prompt through the inference gateway",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			req := infer
			req.Prompt = strings.Join(args, " ")
			result, err := c.Infer(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "backend=%s attempts=%d request=%s\n",
				result.BackendUsed, result.AttemptCount, result.RequestID)
			fmt.Fprintln(cmd.OutOrStdout(), result.Response.Content)
			return nil
		},
	}
	inferCmd.Flags().StringVar(&infer.System, "system", "", "system prompt")
	inferCmd.Flags().StringVar(&infer.ModelHint, "model", "", "preferred model")
	inferCmd.Flags().StringVar(&infer.Backend, "backend", "", "pin a backend when it is eligible")

	cmds := []*cobra.Command{stateCmd, historyCmd, depsCmd, inferCmd}
	for _, cmd := range cmds {
		flags.register(cmd)
	}
	return cmds
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
