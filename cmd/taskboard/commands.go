package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/taskboard/gateway"
	"github.com/vinayprograms/taskboard/lifecycle"
	"github.com/vinayprograms/taskboard/store"
	"github.com/vinayprograms/taskboard/transport"
)

// caller runs one JSON-RPC method, against a remote server or in process.
type caller interface {
	Call(ctx context.Context, method string, params, result interface{}) error
	Close() error
}

// localCaller serves methods in process through the same method table
// the server exposes.
type localCaller struct {
	app     *app
	methods *gateway.Methods
}

func (c *localCaller) Call(ctx context.Context, method string, params, result interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	out, err := c.methods.Handle(ctx, method, raw)
	if err != nil {
		return transport.ErrorFor(err)
	}
	if result == nil {
		return nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, result)
}

func (c *localCaller) Close() error {
	c.app.close()
	return nil
}

// connect returns a remote caller when --remote is set, or opens the
// controller locally.
func connect(ctx context.Context, opts *rootOptions) (caller, error) {
	if opts.remote != "" {
		token := opts.token
		if token == "" {
			a, err := newApp(opts)
			if err != nil {
				return nil, err
			}
			token = a.creds.GatewayToken()
		}
		client, err := transport.Dial(ctx, opts.remote, token)
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	a, err := newApp(opts)
	if err != nil {
		return nil, err
	}
	if err := a.openController(ctx); err != nil {
		a.close()
		return nil, err
	}
	return &localCaller{app: a, methods: gateway.NewMethods(a.ctl)}, nil
}

// runMethod calls method and prints the Result. Outcomes other than ok
// end the command with an error.
func runMethod(cmd *cobra.Command, opts *rootOptions, method string, params interface{}) error {
	ctx := cmd.Context()
	c, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer c.Close()

	var res lifecycle.Result
	if err := c.Call(ctx, method, params, &res); err != nil {
		return err
	}
	printResult(cmd.OutOrStdout(), res)
	if !res.OK() {
		return fmt.Errorf("%s", res.Outcome)
	}
	return nil
}

func printResult(w io.Writer, res lifecycle.Result) {
	fmt.Fprintln(w, res.Text())
	if res.Degraded {
		fmt.Fprintln(w, "(degraded: the store is updated but a surface step failed; resync repairs it)")
	}
	if res.Summary != nil && res.Detail == "" {
		fmt.Fprintln(w, res.Summary.Text())
	}
	if res.Routes != nil {
		printRoutes(w, res.Routes)
	}
}

func printRoutes(w io.Writer, r *store.Routes) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "open\t%s\n", orDash(r.Open))
	fmt.Fprintf(tw, "in_progress\t%s\n", orDash(r.InProgress))
	fmt.Fprintf(tw, "completed\t%s\n", orDash(r.Completed))
	tw.Flush()
}

func printTasks(w io.Writer, tasks []*store.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tCREATOR\tASSIGNEE\tDESCRIPTION")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", t.ID, t.Status, t.CreatorID, orDash(t.AssigneeID), oneLine(t.Description))
	}
	tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}

func parseTaskID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}

func newCreateCmd(opts *rootOptions) *cobra.Command {
	var workspace, creator string
	cmd := &cobra.Command{
		Use:   "create <description>",
		Short: "Create a task and post it to the open channel",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMethod(cmd, opts, "task.create", gateway.CreateParams{
				WorkspaceID: workspace,
				Description: strings.Join(args, " "),
				CreatorID:   creator,
			})
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace id")
	cmd.Flags().StringVar(&creator, "as", "", "creator user id")
	cmd.MarkFlagRequired("workspace")
	cmd.MarkFlagRequired("as")
	return cmd
}

// newTransitionCmd builds claim and complete, which share parameters.
func newTransitionCmd(opts *rootOptions, use, short, method string) *cobra.Command {
	var actor, source string
	cmd := &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return runMethod(cmd, opts, method, gateway.TaskParams{
				TaskID:           id,
				ActorID:          actor,
				SourceMessageRef: store.MessageRef(source),
			})
		},
	}
	cmd.Flags().StringVar(&actor, "as", "", "acting user id")
	cmd.Flags().StringVar(&source, "source", "", "message ref the action came from (channel:message)")
	cmd.MarkFlagRequired("as")
	return cmd
}

func newDiscardCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <task-id>",
		Short: "Delete a task and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return runMethod(cmd, opts, "task.discard", gateway.TaskParams{TaskID: id})
		},
	}
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			c, err := connect(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer c.Close()

			var task store.Task
			if err := c.Call(cmd.Context(), "task.get", gateway.TaskParams{TaskID: id}, &task); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(&task)
		},
	}
}

func newTasksCmd(opts *rootOptions) *cobra.Command {
	var workspace, status string
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List the open or in-progress tasks of a workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer c.Close()

			var out gateway.ListResult
			params := gateway.ListParams{WorkspaceID: workspace, Status: store.Status(status)}
			if err := c.Call(cmd.Context(), "task.list", params, &out); err != nil {
				return err
			}
			printTasks(cmd.OutOrStdout(), out.Tasks)
			return nil
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace id")
	cmd.Flags().StringVarP(&status, "status", "s", string(store.StatusOpen), "open or in_progress")
	cmd.MarkFlagRequired("workspace")
	return cmd
}

func newResyncCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resync <workspace-id>",
		Short: "Repost every open and in-progress task of a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMethod(cmd, opts, "workspace.resync", gateway.WorkspaceParams{WorkspaceID: args[0]})
		},
	}
}

func newSetupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "setup <workspace-id> <slot> <channel-id>",
		Short: "Bind a channel to a slot: open, inprogress or completed",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMethod(cmd, opts, "workspace.set_route", gateway.WorkspaceParams{
				WorkspaceID: args[0],
				Slot:        args[1],
				ChannelID:   args[2],
			})
		},
	}
}

func newRoutesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "routes <workspace-id>",
		Short: "Show the channels bound to a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMethod(cmd, opts, "workspace.routes", gateway.WorkspaceParams{WorkspaceID: args[0]})
		},
	}
}

func newTeardownCmd(opts *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "teardown <workspace-id>",
		Short: "Remove every task and route of a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("teardown deletes every task of %s; pass --yes to confirm", args[0])
			}
			return runMethod(cmd, opts, "workspace.teardown", gateway.WorkspaceParams{WorkspaceID: args[0]})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the teardown")
	return cmd
}
