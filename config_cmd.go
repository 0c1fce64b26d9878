package main

import (
	"github.com/spf13/cobra"

	"github.com/chuanqiongzhr/eve-service/internal/config"
)

// maskedSecret replaces client secrets in JSON output.
const maskedSecret = "********"

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		RunE:  runConfigShow,
	}
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if cc.Flags.JSON {
		return writeJSON(cmd.OutOrStdout(), redacted(cc.Cfg))
	}

	return config.RenderEffective(cc.Cfg, cc.CfgPath, cmd.OutOrStdout())
}

// redacted returns a copy of cfg safe to print.
func redacted(cfg *config.Config) *config.Config {
	out := *cfg

	for _, p := range []*config.ProviderConfig{&out.Providers.ESI, &out.Providers.Coop} {
		if p.ClientSecret != "" {
			p.ClientSecret = maskedSecret
		}
	}

	return &out
}
