package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ZanzyTHEbar/virtual-davfs/vdfs/mount"

	"github.com/spf13/cobra"
)

var (
	mountDebug bool
	mountWarm  int
)

var mountCmd = &cobra.Command{
	Use:   "mount [mountpoint]",
	Short: "Mount the WebDAV repository with FUSE",
	Long: `Mount the configured WebDAV repository at the given mountpoint, or at
mount.mountpoint from the configuration. The command runs until interrupted and
unmounts on SIGINT or SIGTERM.

Examples:
  # Mount at /mnt/dav
  vdfs mount /mnt/dav

  # Prefetch two folder levels before serving
  vdfs mount /mnt/dav --warm 2

  # Override the server from the environment
  VDFS_REMOTE_URL=https://dav.example.com/webdav vdfs mount /mnt/dav`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMount,
}

func init() {
	mountCmd.Flags().BoolVar(&mountDebug, "debug", false, "log every FUSE request")
	mountCmd.Flags().IntVar(&mountWarm, "warm", 0, "folder levels to prefetch before serving")
}

func runMount(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	mountpoint := a.cfg.Mount.Mountpoint
	if len(args) == 1 {
		mountpoint = args[0]
	}
	if mountpoint == "" {
		return errors.New("no mountpoint given and mount.mountpoint is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", a.cfg.Remote.URL, err)
	}
	a.serveMetrics(ctx)

	if mountWarm > 0 {
		stats, err := a.cache.Warm(ctx, "/", mountWarm-1)
		if err != nil {
			a.logger.Warn().Err(err).Msg("prefetch incomplete")
		}
		a.logger.Info().Int64("folders", stats.FoldersListed).Msg("prefetch done")
	}

	fsys := mount.New(a.cache, a.client, mount.Config{
		Debug:      mountDebug || a.cfg.Mount.Debug,
		AllowOther: a.cfg.Mount.AllowOther,
	}, a.logger)
	server, err := fsys.Mount(ctx, mountpoint)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		a.logger.Info().Msg("unmounting")
		if err := server.Unmount(); err != nil {
			a.logger.Error().Err(err).Msg("unmount failed")
		}
	}()
	server.Wait()
	return nil
}
