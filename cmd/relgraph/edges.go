package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/matijazezelj/relgraph/internal/importer"
	"github.com/matijazezelj/relgraph/internal/service"
	"github.com/matijazezelj/relgraph/pkg/models"
)

// --- edges ---

func edgesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edges",
		Short: "Create, delete and query edges",
	}
	cmd.AddCommand(
		edgeMutationCmd("create", "Create an edge (idempotent)", (*service.Service).CreateEdge),
		edgeMutationCmd("delete", "Delete an edge (idempotent)", (*service.Service).DeleteEdge),
		edgesCheckCmd(),
		edgesListCmd("followers", "List users following a user", (*service.Service).GetFollowers),
		edgesListCmd("following", "List users a user follows", (*service.Service).GetFollowing),
		edgesStatsCmd(),
	)
	return cmd
}

// withService runs fn against a service over the configured stack.
func withService(cmd *cobra.Command, fn func(*service.Service) error) error {
	st, err := openStack(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck // best-effort cleanup
	return fn(service.New(st.repo(), nil, logger))
}

type edgeOp func(s *service.Service, ctx context.Context, edgeType models.EdgeType, from, to string) error

func edgeMutationCmd(use, short string, op edgeOp) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <follow|mute|block> <from-user-id> <to-user-id>",
		Short: short,
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			edgeType, err := models.ParseEdgeType(args[0])
			if err != nil {
				return err
			}
			return withService(cmd, func(svc *service.Service) error {
				if err := op(svc, cmd.Context(), edgeType, args[1], args[2]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ok: %s %s %s\n", args[1], edgeType, args[2])
				return nil
			})
		},
	}
}

func edgesCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <follow|mute|block> <from-user-id> <to-user-id>",
		Short: "Check whether an edge exists",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			edgeType, err := models.ParseEdgeType(args[0])
			if err != nil {
				return err
			}
			return withService(cmd, func(svc *service.Service) error {
				ok, err := svc.HasEdge(cmd.Context(), edgeType, args[1], args[2])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), ok)
				return nil
			})
		},
	}
}

type listOp func(s *service.Service, ctx context.Context, userID string, limit, offset int) (*models.EdgePage, error)

func edgesListCmd(use, short string, op listOp) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   use + " <user-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(svc *service.Service) error {
				page, err := op(svc, cmd.Context(), args[0], limit, offset)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, id := range page.UserIDs {
					_, _ = fmt.Fprintln(out, id)
				}
				_, _ = fmt.Fprintf(out, "\n%d of %d (has_more=%v)\n", len(page.UserIDs), page.TotalCount, page.HasMore)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "page size (default 1000, max 10000)")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of users to skip")
	return cmd
}

func edgesStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <user-id>",
		Short: "Show edge counts for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(svc *service.Service) error {
				stats, err := svc.GetGraphStats(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintf(w, "User:\t%s\n", stats.UserID)
				_, _ = fmt.Fprintf(w, "Followers:\t%d\n", stats.FollowersCount)
				_, _ = fmt.Fprintf(w, "Following:\t%d\n", stats.FollowingCount)
				_, _ = fmt.Fprintf(w, "Muted:\t%d\n", stats.MutedCount)
				_, _ = fmt.Fprintf(w, "Blocked:\t%d\n", stats.BlockedCount)
				return w.Flush()
			})
		},
	}
}

// --- import / export ---

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <edges.yaml>",
		Short: "Create the edges listed in a YAML fixture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := importer.LoadFile(args[0])
			if err != nil {
				return err
			}
			return withService(cmd, func(svc *service.Service) error {
				res, err := importer.Import(cmd.Context(), svc, f, logger)
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Imported %d of %d edges (%d failed)\n", res.Created, res.Total, res.Failed)
				return err
			})
		},
	}
}

func exportCmd() *cobra.Command {
	var format, edgeType, output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export edges from the relational store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var t models.EdgeType
			if edgeType != "" {
				var err error
				if t, err = models.ParseEdgeType(edgeType); err != nil {
					return err
				}
			}

			var export func(ctx context.Context, s importer.Scanner, t models.EdgeType, w io.Writer) (int, error)
			switch format {
			case "yaml":
				export = importer.ExportYAML
			case "dot":
				export = importer.ExportDOT
			default:
				return fmt.Errorf("unsupported format %q (use: yaml, dot)", format)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openRelational(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck // best-effort cleanup

			w := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close() //nolint:errcheck // best-effort cleanup
				w = f
			}

			n, err := export(cmd.Context(), store, t, w)
			if err != nil {
				return err
			}
			logger.Info("export complete", "edges", n, "format", format)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "yaml", "output format (yaml, dot)")
	cmd.Flags().StringVar(&edgeType, "type", "", "only export this edge type")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}
