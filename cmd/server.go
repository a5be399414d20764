package cmd

import (
	"DrumRoom/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:         "server",
	Short:       "启动 DrumRoom 服务器",
	Long:        `启动 HTTP/WebSocket 服务器，提供房间同步、账号和节拍保存接口`,
	Annotations: map[string]string{"server": ""},
	Run: func(cmd *cobra.Command, args []string) {
		server.Start(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
