package cmd

import "log/slog"

// InstallCmd groups service-installation subcommands. The actual service
// manager integration is platform-specific (install_linux.go); other
// platforms report that no installer is wired yet.
type InstallCmd struct {
	Install   InstallAction   `cmd:"" name:"install" help:"Install the usbipd background service"`
	Uninstall UninstallAction `cmd:"" name:"uninstall" help:"Remove the usbipd background service"`
}

type InstallAction struct{}

func (i *InstallAction) Run(logger *slog.Logger) error {
	return install(logger)
}

type UninstallAction struct{}

func (u *UninstallAction) Run(logger *slog.Logger) error {
	return uninstall(logger)
}
