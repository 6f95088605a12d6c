package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shinyes/yep_sync/pkg/envelope"
	"github.com/shinyes/yep_sync/pkg/replica"
)

const sealOps = `Apply a local mutation, persist it and print the sealed envelope.

ops:
  inc <entity> <id> <amount>
  dec <entity> <id> <amount>
  set <entity> <id> <value>
  assign <entity> <id> <value>
  add <entity> <id> <element>
  remove <entity> <id> <element>
  insert <entity> <id> <index> <value>
  delete <entity> <id> <index>`

func newSealCommand(rootOpts *rootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "seal <op> <entity> <entity-id> [args]",
		Short: "Apply a local mutation and print its sealed envelope",
		Long:  sealOps,
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := rootOpts.openReplica(rootOpts.logger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer r.Close()

			env, err := seal(cmd.Context(), r.producer, args)
			if err != nil {
				return err
			}
			if out != "" {
				if err := appendEnvelope(out, env); err != nil {
					return fmt.Errorf("write outbox: %w", err)
				}
			}
			return printEnvelope(cmd.OutOrStdout(), rootOpts.Format, env)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "append the envelope to this JSON lines file")
	return cmd
}

func seal(ctx context.Context, p *replica.Producer, args []string) (*envelope.Envelope, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	op, entity, id, rest := args[0], args[1], args[2], args[3:]
	need := func(n int) error {
		if len(rest) != n {
			return fmt.Errorf("%s expects %d argument(s) after the entity id, got %d", op, n, len(rest))
		}
		return nil
	}

	switch op {
	case "inc", "dec":
		if err := need(1); err != nil {
			return nil, err
		}
		amount, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid amount %q: %w", rest[0], err)
		}
		if op == "inc" {
			return p.Increment(ctx, entity, id, amount)
		}
		return p.Decrement(ctx, entity, id, amount)
	case "set":
		if err := need(1); err != nil {
			return nil, err
		}
		return p.Set(ctx, entity, id, rest[0])
	case "assign":
		if err := need(1); err != nil {
			return nil, err
		}
		return p.Assign(ctx, entity, id, rest[0])
	case "add":
		if err := need(1); err != nil {
			return nil, err
		}
		return p.Add(ctx, entity, id, rest[0])
	case "remove":
		if err := need(1); err != nil {
			return nil, err
		}
		return p.Remove(ctx, entity, id, rest[0])
	case "insert":
		if err := need(2); err != nil {
			return nil, err
		}
		index, err := strconv.Atoi(rest[0])
		if err != nil {
			return nil, fmt.Errorf("invalid index %q: %w", rest[0], err)
		}
		env, _, err := p.InsertAt(ctx, entity, id, index, rest[1])
		return env, err
	case "delete":
		if err := need(1); err != nil {
			return nil, err
		}
		index, err := strconv.Atoi(rest[0])
		if err != nil {
			return nil, fmt.Errorf("invalid index %q: %w", rest[0], err)
		}
		return p.RemoveAt(ctx, entity, id, index)
	default:
		return nil, fmt.Errorf("unknown op %q", op)
	}
}

func printEnvelope(w io.Writer, format string, env *envelope.Envelope) error {
	if format == "json" {
		return writeJSON(w, env)
	}
	_, err := fmt.Fprintf(w, "sealed %s %s/%s delta=%s hash=%s\n",
		env.Entity, env.StoreID, env.EntityID, env.DeltaID, env.Hash)
	return err
}
