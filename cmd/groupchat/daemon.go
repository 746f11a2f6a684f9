package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"groupchat/internal/config"
)

const (
	launchdLabel = "com.groupchat.server"
	systemdUnit  = "groupchat.service"

	launchdPlistHint = "{{PATH}}"
)

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install 'groupchat serve' as a user service (launchd/systemd)",
		Long:  "Writes a launchd agent or systemd user unit that runs the server at login.",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			svc := serviceFile{exec: execPath, config: resolveConfigPath()}

			switch runtime.GOOS {
			case "darwin":
				return svc.install(filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"), svc.launchd(),
					"launchctl load "+launchdPlistHint, "launchctl unload "+launchdPlistHint)
			case "linux":
				return svc.install(filepath.Join(home, ".config", "systemd", "user", systemdUnit), svc.systemd(),
					"systemctl --user enable --now groupchat", "systemctl --user stop groupchat")
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the groupchat user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			var path string
			switch runtime.GOOS {
			case "darwin":
				path = filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
			case "linux":
				path = filepath.Join(home, ".config", "systemd", "user", systemdUnit)
			default:
				return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Service removed: %s\n", path)
			return nil
		},
	}
}

// serviceFile renders the launchd and systemd definitions for one binary.
type serviceFile struct {
	exec, config string
}

func (s serviceFile) logPath(name string) string {
	return filepath.Join(config.DefaultConfigDir(), "logs", name)
}

func (s serviceFile) render(tmpl string) string {
	return strings.NewReplacer(
		"{{EXEC}}", s.exec,
		"{{CONFIG}}", s.config,
		"{{LABEL}}", launchdLabel,
		"{{LOG}}", s.logPath("groupchat.log"),
		"{{ERR_LOG}}", s.logPath("groupchat-error.log"),
	).Replace(tmpl)
}

func (s serviceFile) launchd() string { return s.render(launchdTemplate) }
func (s serviceFile) systemd() string { return s.render(systemdTemplate) }

func (s serviceFile) install(path, body, startHint, stopHint string) error {
	if err := os.MkdirAll(filepath.Dir(s.logPath("x")), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return err
	}
	fmt.Printf("Service installed: %s\n", path)
	fmt.Println("To start:", strings.ReplaceAll(startHint, launchdPlistHint, path))
	fmt.Println("To stop: ", strings.ReplaceAll(stopHint, launchdPlistHint, path))
	return nil
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>serve</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{ERR_LOG}}</string>
</dict>
</plist>
`

const systemdTemplate = `[Unit]
Description=groupchat multi-agent chat server
After=network-online.target

[Service]
Type=simple
ExecStart={{EXEC}} serve --config {{CONFIG}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`
