// Command dhtfs mounts, initializes and checks tag-based virtual
// filesystems.
package main

import (
	"fmt"
	"os"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	"github.com/spf13/cobra"

	"github.com/mayuresh/dhtfs/fsadapter"
	"github.com/mayuresh/dhtfs/fusebridge"
	"github.com/mayuresh/dhtfs/internal/dhtfslog"
)

var logLevel string

func main() {
	root := &cobra.Command{
		Use:   "dhtfs",
		Short: "tag-based virtual filesystem",
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		dhtfslog.SetLevel(logLevel)
	}

	root.AddCommand(setupCmd(), checkCmd(), mountCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "setup PATH",
		Short: "initialize a data directory as a dhtfs root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fsadapter.Setup(args[0], force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "reinitialize even if already set up, discarding existing tags")
	return cmd
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check PATH",
		Short: "report whether a data directory is set up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !fsadapter.CheckSetup(args[0]) {
				fmt.Fprintln(os.Stderr, "not set up")
				os.Exit(1)
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func mountCmd() *cobra.Command {
	var coverFlag string
	var allowOther bool
	var readOnly bool

	cmd := &cobra.Command{
		Use:   "mount PATH MOUNTPOINT",
		Short: "mount a dhtfs data directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataRoot, mountpoint := args[0], args[1]

			if !fsadapter.CheckSetup(dataRoot) {
				return fmt.Errorf("dhtfs: %s is not set up, run 'dhtfs setup' first", dataRoot)
			}

			cover, err := parseCover(coverFlag)
			if err != nil {
				return err
			}

			adapter := fsadapter.New(dataRoot, cover)
			filesystem := fusebridge.New(adapter)

			opts := []fuse.MountOption{
				fuse.FSName("dhtfs"),
				fuse.Subtype("dhtfs"),
				fuse.VolumeName("dhtfs"),
				fuse.LocalVolume(),
			}
			if allowOther {
				opts = append(opts, fuse.AllowOther())
			}
			if readOnly {
				opts = append(opts, fuse.ReadOnly())
			}

			conn, err := fuse.Mount(mountpoint, opts...)
			if err != nil {
				return fmt.Errorf("dhtfs: mount: %w", err)
			}
			defer conn.Close()

			dhtfslog.Infof("mounted %s at %s", dataRoot, mountpoint)
			if err := fusefs.Serve(conn, filesystem); err != nil {
				return fmt.Errorf("dhtfs: serve: %w", err)
			}

			<-conn.Ready
			if err := conn.MountError; err != nil {
				return fmt.Errorf("dhtfs: mount error: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&coverFlag, "cover", "dontcare", "readdir cover policy: always, never, dontcare")
	cmd.Flags().BoolVar(&allowOther, "allow-other", false, "allow other users to access the mount")
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "mount read-only")
	return cmd
}

func parseCover(s string) (fsadapter.Cover, error) {
	switch s {
	case "always":
		return fsadapter.CoverAlways, nil
	case "never":
		return fsadapter.CoverNever, nil
	case "dontcare", "":
		return fsadapter.CoverDontCare, nil
	default:
		return 0, fmt.Errorf("dhtfs: unknown --cover value %q", s)
	}
}
