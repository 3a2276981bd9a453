package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"tigsync/internal/config"
	"tigsync/internal/dircache"
	"tigsync/internal/filemgr"
	"tigsync/internal/hook"
	"tigsync/internal/logging"
	"tigsync/internal/repository"
	"tigsync/internal/watch"
	"tigsync/internal/workspace"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	ws     *workspace.LocalWorkspace
	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tigsync",
	Short: "Keep repository indexes in step with file moves and deletes",
	Long: `tigsync maps project directories to repositories and applies structural
file operations (delete, move, relocate) to the working tree and the
repository index together, so the index never drifts from the disk.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(config.Path())
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		logger, err = logging.NewLogger(cfg.LogLevel, cfg.LogFile)
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		ws, err = workspace.NewLocalWorkspace(cfg, logger.Logger)
		if err != nil {
			return fmt.Errorf("opening workspace: %w", err)
		}
		return nil
	},
}

func init() {
	var initCmd = &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a repository and map it as a project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := dirArg(args)
			if err != nil {
				return err
			}

			metaDir, err := repository.Initialize(dir)
			if err != nil {
				return fmt.Errorf("initializing repository: %w", err)
			}
			if err := ws.Registry.Register(dir, metaDir); err != nil {
				return err
			}

			fmt.Println("Initialized empty repository in", metaDir)
			return nil
		},
	}

	var mapCmd = &cobra.Command{
		Use:   "map <project> [metadata-dir]",
		Short: "Map a project directory to a repository",
		Long: `Map a project directory to the repository whose metadata lives in
metadata-dir. Without metadata-dir the nearest enclosing repository is used.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			var metaDir string
			if len(args) == 2 {
				metaDir = args[1]
			} else if metaDir, err = repository.FindMetadataDir(project); err != nil {
				return err
			}
			if _, err := ws.Repos.Get(metaDir); err != nil {
				return fmt.Errorf("opening repository: %w", err)
			}

			if err := ws.Registry.Register(project, metaDir); err != nil {
				return err
			}
			fmt.Printf("Mapped %s to %s\n", project, metaDir)
			return nil
		},
	}

	var unmapCmd = &cobra.Command{
		Use:   "unmap <project>",
		Short: "Remove a project mapping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if err := ws.Registry.Unregister(project); err != nil {
				return err
			}
			fmt.Println("Unmapped", project)
			return nil
		},
	}

	var mappingsCmd = &cobra.Command{
		Use:   "mappings",
		Short: "List project mappings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cyan := color.New(color.FgCyan).SprintFunc()
			for _, reg := range ws.Registry.List() {
				fmt.Printf("%s -> %s\n", reg.Project, cyan(reg.MetadataDir))
			}
			return nil
		},
	}

	var addCmd = &cobra.Command{
		Use:   "add <paths...>",
		Short: "Stage files in the index",
		Long:  `Stage the given files, and every file under the given directories.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, _, err := resolveRepository(args[0])
			if err != nil {
				return err
			}

			n, err := repo.Add(args)
			if err != nil {
				return fmt.Errorf("staging: %w", err)
			}
			fmt.Printf("Staged %d files\n", n)
			return nil
		},
	}

	var verify bool

	var lsFilesCmd = &cobra.Command{
		Use:   "ls-files [path]",
		Short: "List staged entries",
		Long:  `List staged entries. With --verify each entry's stored content is read back and checked.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := dirArg(args)
			if err != nil {
				return err
			}
			repo, rel, err := resolveRepository(dir)
			if err != nil {
				return err
			}

			green := color.New(color.FgGreen).SprintFunc()
			yellow := color.New(color.FgYellow).SprintFunc()
			blue := color.New(color.FgBlue).SprintFunc()
			red := color.New(color.FgRed).SprintFunc()

			damaged := 0
			for _, e := range repo.Index.Snapshot().EntriesWithin(rel) {
				mode := e.Mode.String()
				switch e.Mode {
				case dircache.ModeExecutable:
					mode = green(mode)
				case dircache.ModeSymlink:
					mode = blue(mode)
				}
				id := e.ObjectID
				if len(id) > 12 {
					id = id[:12]
				}
				if !verify {
					fmt.Printf("%s %s %s\n", mode, yellow(id), e.Path)
					continue
				}
				status := green("ok")
				if _, err := repo.StagedContent(e.Path); err != nil {
					damaged++
					status = red("damaged")
					logger.Warn("staged content unreadable", zap.String("path", e.Path), zap.Error(err))
				}
				fmt.Printf("%s %s %s %s\n", mode, yellow(id), e.Path, status)
			}
			if damaged > 0 {
				return fmt.Errorf("%d staged entries have damaged content", damaged)
			}
			return nil
		},
	}
	lsFilesCmd.Flags().BoolVar(&verify, "verify", false, "read back and check every entry's stored content")

	var force bool

	var rmCmd = &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a file or folder and drop it from the index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			info, err := os.Lstat(path)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			flags := hook.Flags{Force: force}

			if !info.IsDir() {
				outcome, err := ws.Coordinator.DeleteFile(ctx, path, flags)
				return finish(outcome, err, func() error { return os.Remove(path) })
			}

			outcome, err := ws.Coordinator.DeleteFolder(ctx, path, flags)
			if outcome == hook.Failed {
				return finish(outcome, err, nil)
			}
			// Folders have no entry of their own; delete their files one by one.
			err = filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
				if err != nil || fi.IsDir() {
					return err
				}
				o, err := ws.Coordinator.DeleteFile(ctx, p, flags)
				if o == hook.Failed {
					return err
				}
				return nil
			})
			if err != nil {
				return finish(hook.Failed, err, nil)
			}
			if err := os.RemoveAll(path); err != nil {
				return err
			}
			return finish(hook.Handled, nil, nil)
		},
	}
	rmCmd.Flags().BoolVarP(&force, "force", "f", false, "apply even when the path looks out of sync")

	var asFolder, asProject bool

	var mvCmd = &cobra.Command{
		Use:   "mv <src> <dst>",
		Short: "Move a file, folder or project and carry its index entries",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			dst, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}
			info, err := os.Lstat(src)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			flags := hook.Flags{Force: force}
			fm := filemgr.NewLocal(logger.Logger)

			var outcome hook.Outcome
			var fallback func() error
			switch {
			case asProject:
				outcome, err = ws.Coordinator.MoveProject(ctx, src, dst, flags)
				fallback = func() error { return fm.StandardMoveProject(src, dst) }
			case asFolder || info.IsDir():
				outcome, err = ws.Coordinator.MoveFolder(ctx, src, dst, flags)
				fallback = func() error { return fm.StandardMoveFolder(src, dst) }
			default:
				outcome, err = ws.Coordinator.MoveFile(ctx, src, dst, flags)
				fallback = func() error { return fm.StandardMoveFile(src, dst) }
			}
			return finish(outcome, err, fallback)
		},
	}
	mvCmd.Flags().BoolVar(&asFolder, "folder", false, "treat src as a folder")
	mvCmd.Flags().BoolVar(&asProject, "project", false, "treat src as a mapped project")
	mvCmd.Flags().BoolVarP(&force, "force", "f", false, "apply even when the path looks out of sync")

	var watchCmd = &cobra.Command{
		Use:   "watch [path]",
		Short: "Report staged files changed outside tigsync",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := dirArg(args)
			if err != nil {
				return err
			}
			repo, _, err := resolveRepository(dir)
			if err != nil {
				return err
			}

			w, err := watch.New(repo, logger.Logger)
			if err != nil {
				return err
			}
			defer w.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				if err := w.Run(ctx); err != nil && err != context.Canceled {
					logger.Error("watch stopped", zap.Error(err))
				}
			}()

			red := color.New(color.FgRed).SprintFunc()
			fmt.Println("Watching", repo.WorkTree)
			for d := range w.Drift() {
				fmt.Printf("%s %s (%d staged)\n", red(d.Op), d.Path, d.Entries)
			}
			return nil
		},
	}

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(mapCmd)
	rootCmd.AddCommand(unmapCmd)
	rootCmd.AddCommand(mappingsCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(lsFilesCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(mvCmd)
	rootCmd.AddCommand(watchCmd)
}

func dirArg(args []string) (string, error) {
	if len(args) == 1 {
		return filepath.Abs(args[0])
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting current directory: %w", err)
	}
	return dir, nil
}

// resolveRepository finds the repository governing path through the
// mappings, falling back to the nearest enclosing repository.
func resolveRepository(path string) (*repository.Repository, string, error) {
	m, err := ws.Registry.Resolve(path)
	if err != nil {
		return nil, "", err
	}
	if m != nil {
		return m.Repository, m.RelPath, nil
	}

	metaDir, err := repository.FindMetadataDir(path)
	if err != nil {
		return nil, "", err
	}
	repo, err := ws.Repos.Get(metaDir)
	if err != nil {
		return nil, "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, "", err
	}
	rel, _ := repo.RelPath(abs)
	return repo, rel, nil
}

// finish reports the outcome and runs the default action when the
// coordinator left the operation to us.
func finish(outcome hook.Outcome, err error, fallback func() error) error {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	switch outcome {
	case hook.Failed:
		return err
	case hook.Handled:
		fmt.Println(green(outcome.String()))
		return nil
	}
	fmt.Println(yellow(outcome.String()), "- index untouched")
	if fallback == nil {
		return nil
	}
	return fallback()
}

func main() {
	err := rootCmd.Execute()
	if ws != nil {
		if cerr := ws.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if logger != nil {
		logger.Sync()
	}
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
