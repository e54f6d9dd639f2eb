package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/nkkko/ply/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newErrorsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Inspect stored error records",
	}
	cmd.PersistentFlags().String("server", "http://localhost:8080", "collector URL")
	cmd.PersistentFlags().Bool("json", false, "print JSON")
	bindFlags(v, cmd.PersistentFlags(), "server", "json")

	list := &cobra.Command{
		Use:   "list",
		Short: "Show the newest stored errors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			c := client.New(v.GetString("server"))

			entries, total, err := c.ListErrors(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if v.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			return printEntries(cmd.OutOrStdout(), entries, total)
		},
	}
	list.Flags().IntP("limit", "n", 20, "number of records")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one stored error",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(v.GetString("server"))
			entry, err := c.GetError(cmd.Context(), args[0])
			if err != nil {
				if client.IsNotFound(err) {
					return fmt.Errorf("no error record %s", args[0])
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), entry)
		},
	}

	cmd.AddCommand(list, get)
	return cmd
}

func printEntries(w io.Writer, entries []client.ErrorEntry, total int) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRECEIVED\tSEVERITY\tNAME\tMESSAGE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", e.ID, e.ReceivedAt, e.Severity, e.Name, e.Message)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d of %d\n", len(entries), total)
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
