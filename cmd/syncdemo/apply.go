package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/shinyes/yep_sync/pkg/replica"
)

func newApplyCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <envelopes.json>",
		Short: "Apply received envelopes and print the resulting values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			envs, err := readEnvelopeFile(args[0])
			if err != nil {
				return err
			}
			r, err := rootOpts.openReplica(rootOpts.logger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer r.Close()

			batchErr := r.applier.ReceiveBatch(cmd.Context(), envs)
			if batchErr != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "some envelopes were rejected:\n%v\n", batchErr)
			}
			if err := printValues(cmd, rootOpts, r); err != nil {
				return err
			}
			return batchErr
		},
	}
}

func newValuesCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "values",
		Short: "Print the projected value of every entity of the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := rootOpts.openReplica(rootOpts.logger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer r.Close()
			return printValues(cmd, rootOpts, r)
		},
	}
}

type valueRow struct {
	Entity   string `json:"entity"`
	EntityID string `json:"entity_id"`
	Type     string `json:"type"`
	Value    any    `json:"value"`
}

func printValues(cmd *cobra.Command, rootOpts *rootOptions, r *replicaSet) error {
	values, err := r.applier.Values(cmd.Context(), rootOpts.StoreID)
	if err != nil {
		return err
	}
	return writeValues(cmd.OutOrStdout(), rootOpts.Format, values)
}

func writeValues(w io.Writer, format string, values []replica.EntityValue) error {
	rows := make([]valueRow, 0, len(values))
	for _, v := range values {
		rows = append(rows, valueRow{
			Entity:   v.Key.Entity,
			EntityID: v.Key.EntityID,
			Type:     v.Type.String(),
			Value:    v.Value,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Entity != rows[j].Entity {
			return rows[i].Entity < rows[j].Entity
		}
		return rows[i].EntityID < rows[j].EntityID
	})

	if format == "json" {
		return writeJSON(w, rows)
	}
	for _, row := range rows {
		if _, err := fmt.Fprintf(w, "%-20s %-16s %-10s %v\n", row.Entity, row.EntityID, row.Type, row.Value); err != nil {
			return err
		}
	}
	return nil
}
