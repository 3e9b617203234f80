package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/ragserve/internal/output"
	"github.com/Aman-CERP/ragserve/internal/store"
	"github.com/Aman-CERP/ragserve/pkg/client"
)

func newCollectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collections",
		Short: "Inspect and maintain collections",
		Long: `Inspect and maintain the collections in the data directory.

Subcommands run against local data by default. info and delete-source
accept --remote to operate on a running server instead.`,
	}

	cmd.AddCommand(newCollectionsListCmd())
	cmd.AddCommand(newCollectionsInfoCmd())
	cmd.AddCommand(newCollectionsDeleteSourceCmd())

	return cmd
}

func newCollectionsListCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List local collections",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runCollectionsList(ctx, cmd, jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print as JSON")
	return cmd
}

func runCollectionsList(ctx context.Context, cmd *cobra.Command, jsonOut bool) error {
	defer setupQuietLogging()()

	svc, err := localServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	infos, err := svc.catalog.List(ctx)
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(cmd.OutOrStdout(), infos)
	}

	out := output.New(cmd.OutOrStdout())
	if len(infos) == 0 {
		out.Status("", "no collections yet; run 'ragserve ingest' to create one")
		return nil
	}
	for _, info := range infos {
		out.Statusf("📦", "%s: %d chunks, %s, model %s (dim %d)",
			info.Name, info.ChunkCount, formatBytes(info.Disk.TotalBytes), info.ModelID, info.Dimension)
	}
	return nil
}

func newCollectionsInfoCmd() *cobra.Command {
	var (
		jsonOut bool
		remote  string
		apiKey  string
	)

	cmd := &cobra.Command{
		Use:   "info <collection>",
		Short: "Show a collection's model, sources, and disk usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runCollectionsInfo(ctx, cmd, args[0], jsonOut, remote, apiKey)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print as JSON")
	cmd.Flags().StringVar(&remote, "remote", "", "Ask a running server at this URL instead of local data")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key for --remote")
	return cmd
}

func runCollectionsInfo(ctx context.Context, cmd *cobra.Command, name string, jsonOut bool, remote, apiKey string) error {
	defer setupQuietLogging()()

	if remote != "" {
		cl, err := client.New(client.Config{BaseURL: remote, APIKey: apiKey})
		if err != nil {
			return err
		}
		info, err := cl.CollectionInfo(ctx, name)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(cmd.OutOrStdout(), info)
		}
		renderCollectionInfo(cmd, remoteCollectionView(info))
		return nil
	}

	svc, err := localServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	info, err := svc.catalog.Info(ctx, name)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), info)
	}
	renderCollectionInfo(cmd, localCollectionView(info))
	return nil
}

func newCollectionsDeleteSourceCmd() *cobra.Command {
	var (
		remote  string
		apiKey  string
		version string
	)

	cmd := &cobra.Command{
		Use:   "delete-source <collection> <source>",
		Short: "Remove every chunk of one source from a collection",
		Long: `Remove every chunk a source contributed to a collection.

The source name is the tree-relative path recorded at ingest time, e.g.
docs/setup.md. Use 'collections info' to list the recorded sources.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runCollectionsDeleteSource(ctx, cmd, args[0], args[1], version, remote, apiKey)
		},
	}
	cmd.Flags().StringVar(&version, "tag", "", "Only delete chunks recorded under this version tag")
	cmd.Flags().StringVar(&remote, "remote", "", "Ask a running server at this URL instead of local data")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key for --remote")
	return cmd
}

func runCollectionsDeleteSource(ctx context.Context, cmd *cobra.Command, collection, source, version, remote, apiKey string) error {
	defer setupQuietLogging()()

	out := output.New(cmd.OutOrStdout())

	if remote != "" {
		if version != "" {
			return fmt.Errorf("--tag cannot be combined with --remote; the delete endpoint removes all versions")
		}
		cl, err := client.New(client.Config{BaseURL: remote, APIKey: apiKey})
		if err != nil {
			return err
		}
		res, err := cl.DeleteSource(ctx, collection, source)
		if err != nil {
			return err
		}
		out.Successf("removed %s from %s (%d chunks)", source, collection, res.DeletedDocuments)
		return nil
	}

	svc, err := localServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	res, err := svc.indexer.DeleteBySource(ctx, collection, source, version)
	if err != nil {
		return err
	}
	out.Successf("removed %s from %s (%d chunks)", source, collection, res.MetadataDeleted)
	return nil
}

// localServices builds the service set for commands that only touch local
// indexes. The static embedder stands in since nothing here embeds.
func localServices(ctx context.Context) (*services, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return buildServices(ctx, cfg, slog.Default(), true)
}

// collectionView is the slice of collection info the text renderer needs,
// shared between local catalog info and remote client info.
type collectionView struct {
	Name       string
	ModelID    string
	Dimension  int
	ChunkCount int
	CreatedAt  time.Time
	Status     string
	DiskTotal  int64
	Sources    []sourceStatView
}

type sourceStatView struct {
	Source     string
	Version    string
	ChunkCount int
	UpdatedAt  time.Time
}

func localCollectionView(info *store.CollectionInfo) collectionView {
	v := collectionView{
		Name:       info.Name,
		ModelID:    info.ModelID,
		Dimension:  info.Dimension,
		ChunkCount: info.ChunkCount,
		CreatedAt:  info.CreatedAt,
		Status:     info.Status,
		DiskTotal:  info.Disk.TotalBytes,
	}
	for _, s := range info.Sources {
		v.Sources = append(v.Sources, sourceStatView(s))
	}
	return v
}

func remoteCollectionView(info *client.Collection) collectionView {
	v := collectionView{
		Name:       info.Name,
		ModelID:    info.ModelID,
		Dimension:  info.Dimension,
		ChunkCount: info.ChunkCount,
		CreatedAt:  info.CreatedAt,
		Status:     info.Status,
		DiskTotal:  info.Disk.TotalBytes,
	}
	for _, s := range info.Sources {
		v.Sources = append(v.Sources, sourceStatView(s))
	}
	return v
}

func renderCollectionInfo(cmd *cobra.Command, v collectionView) {
	out := output.New(cmd.OutOrStdout())

	out.Statusf("📦", "%s (%s)", v.Name, v.Status)
	out.Statusf("", "model:   %s (dim %d)", v.ModelID, v.Dimension)
	out.Statusf("", "chunks:  %d", v.ChunkCount)
	out.Statusf("", "disk:    %s", formatBytes(v.DiskTotal))
	out.Statusf("", "created: %s", v.CreatedAt.Format(time.RFC3339))

	if len(v.Sources) > 0 {
		out.Newline()
		out.Statusf("", "sources (%d):", len(v.Sources))
		for _, s := range v.Sources {
			line := fmt.Sprintf("  %-40s %5d chunks", s.Source, s.ChunkCount)
			if s.Version != "" {
				line += "  tag " + s.Version
			}
			out.Status("", line)
		}
	}
}

// formatBytes renders a byte count in the largest sensible unit.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for x := n / unit; x >= unit; x /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
