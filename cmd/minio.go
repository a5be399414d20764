package cmd

import (
	"context"
	"fmt"
	"time"

	"DrumRoom/storage"

	"github.com/spf13/cobra"
)

var minioPrefix string

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "查看导出的节拍文件",
	Long:  `连接 MinIO 并列出导出的节拍文档，支持按前缀过滤。`,
	Example: `  # 列出所有导出
  drumroom minio

  # 只看某个用户的导出
  drumroom minio -p "beats/42/"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		exporter, err := storage.NewBeatExporter(ctx, cfg)
		if err != nil {
			return err
		}
		objects, stats, err := exporter.List(ctx, minioPrefix)
		if err != nil {
			return err
		}

		fmt.Printf("前缀: %q  文件数: %d  总大小: %s\n", minioPrefix, stats.TotalObjects, storage.FormatSize(stats.TotalSize))
		for _, obj := range objects {
			fmt.Printf("  %s  %s  %s\n", obj.LastModified.Format("2006-01-02 15:04:05"), storage.FormatSize(obj.Size), obj.Key)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(minioCmd)
	minioCmd.Flags().StringVarP(&minioPrefix, "prefix", "p", "beats/", "按前缀过滤文件")
}
