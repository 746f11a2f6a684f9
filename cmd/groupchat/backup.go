package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"groupchat/internal/config"
)

// backupPaths are the on-disk locations an archive covers.
type backupPaths struct {
	config string
	db     string
	agents string
}

// resolveBackupPaths reads the config, when present, for the database and
// agents directory; otherwise both default next to the config file.
func resolveBackupPaths() backupPaths {
	cfgPath := resolveConfigPath()
	dir := filepath.Dir(cfgPath)
	p := backupPaths{
		config: cfgPath,
		db:     filepath.Join(dir, "groupchat.db"),
		agents: filepath.Join(dir, "agents"),
	}
	if cfg, err := config.Load(cfgPath); err == nil {
		if cfg.Memory.DBPath != "" {
			p.db = cfg.Memory.DBPath
		}
		if cfg.AgentsDir != "" {
			p.agents = config.ExpandPath(cfg.AgentsDir)
		}
	}
	return p
}

// archiveEntry maps a local file to its name inside the archive.
type archiveEntry struct {
	local, name string
}

func (p backupPaths) entries() []archiveEntry {
	var out []archiveEntry
	add := func(local, name string) {
		if info, err := os.Stat(local); err == nil && info.Mode().IsRegular() {
			out = append(out, archiveEntry{local: local, name: name})
		}
	}
	add(p.config, "config.json")
	add(p.db, "groupchat.db")
	add(p.db+"-wal", "groupchat.db-wal")
	add(p.db+"-shm", "groupchat.db-shm")

	yamls, _ := filepath.Glob(filepath.Join(p.agents, "*.yaml"))
	ymls, _ := filepath.Glob(filepath.Join(p.agents, "*.yml"))
	for _, f := range append(yamls, ymls...) {
		add(f, path.Join("agents", filepath.Base(f)))
	}
	return out
}

// target returns where an archive entry is restored, or "" to skip it.
func (p backupPaths) target(name string) string {
	base := path.Base(name)
	switch {
	case name == "config.json":
		return p.config
	case name == "groupchat.db":
		return p.db
	case name == "groupchat.db-wal":
		return p.db + "-wal"
	case name == "groupchat.db-shm":
		return p.db + "-shm"
	case path.Dir(name) == "agents" && (strings.HasSuffix(base, ".yaml") || strings.HasSuffix(base, ".yml")):
		return filepath.Join(p.agents, base)
	}
	return ""
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of groupchat data (database, config and agents)",
		Long: `Creates a compressed .tar.gz archive containing the SQLite database,
the configuration file and the agent YAML definitions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := resolveBackupPaths()

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("groupchat-backup-%s.tar.gz", ts))
			}

			entries := paths.entries()
			if len(entries) == 0 {
				return fmt.Errorf("no files to backup (db: %s, config: %s)", paths.db, paths.config)
			}
			if err := createTarGz(outputPath, entries); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d\n", len(entries))
			for _, e := range entries {
				size := int64(0)
				if info, err := os.Stat(e.local); err == nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", e.name, humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.groupchat/backups/groupchat-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <file.tar.gz>",
		Short: "Restore groupchat data from a backup archive",
		Long: `Restores the database, configuration and agent definitions from a
.tar.gz archive created by 'groupchat backup'. Stop the server first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := resolveBackupPaths()

			if !force {
				_, dbErr := os.Stat(paths.db)
				_, cfgErr := os.Stat(paths.config)
				if dbErr == nil || cfgErr == nil {
					fmt.Printf("WARNING: This will overwrite existing data.\n")
					fmt.Printf("  Database: %s\n", paths.db)
					fmt.Printf("  Config:   %s\n", paths.config)
					fmt.Printf("  Agents:   %s\n", paths.agents)
					return fmt.Errorf("restore aborted (use --force to proceed)")
				}
			}

			restored, err := extractTarGz(args[0], paths)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restore completed from: %s\n", args[0])
			fmt.Printf("Files restored: %d\n", len(restored))
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

func createTarGz(outputPath string, entries []archiveEntry) (err error) {
	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		if err := addFileToTar(tw, e); err != nil {
			return fmt.Errorf("add %s: %w", e.local, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func addFileToTar(tw *tar.Writer, e archiveEntry) error {
	f, err := os.Open(e.local)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = e.name
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// extractTarGz restores the entries paths knows about and skips the rest.
func extractTarGz(archivePath string, paths backupPaths) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var restored []string
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return restored, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		target := paths.target(path.Clean(header.Name))
		if target == "" {
			logger.Warn("skipping unknown archive entry", "name", header.Name)
			continue
		}
		if err := writeFile(target, tr); err != nil {
			return restored, err
		}
		restored = append(restored, target)
	}
	return restored, nil
}

func writeFile(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", target, err)
	}
	return out.Close()
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
