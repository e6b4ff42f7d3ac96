package cmd

import (
	"github.com/spf13/cobra"

	"github.com/multpex/linkd"
	"github.com/multpex/linkd/pkg/config"
)

// envPrefix 环境变量前缀，LINKD_WS_MAXMESSAGESIZEBYTES 对应 ws.maxMessageSizeBytes
const envPrefix = "LINKD"

// NewRootCmd 创建 linkd 根命令，不带子命令时等同于 serve
func NewRootCmd(version string) *cobra.Command {
	if version != "" && version != "dev" {
		linkd.Version = version
	}

	root := &cobra.Command{
		Use:           "linkd",
		Short:         "linkd WebSocket gateway",
		Long:          "linkd accepts WebSocket connections, routes typed messages to handlers and fans out room broadcasts.",
		RunE:          runServe,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file (env LINKD_* and defaults only when empty)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// loader 按 --config 创建配置加载器
func loader(cmd *cobra.Command, opts ...config.Option) *config.Loader[linkd.Config] {
	path, _ := cmd.Flags().GetString("config")
	base := []config.Option{
		config.WithEnvPrefix(envPrefix),
		config.WithDefaults(linkd.Defaults()),
	}
	if path != "" {
		base = append(base, config.WithConfigFile(path))
	}
	return config.New[linkd.Config](append(base, opts...)...)
}
