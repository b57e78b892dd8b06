package cmd

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/WuKongIM/kvraft/internal/options"
	"github.com/WuKongIM/kvraft/internal/server"
	"github.com/WuKongIM/kvraft/pkg/wklog"
	"github.com/judwhite/go-svc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	serverAddr string
	serverOpts = options.New()
	rootCmd    = &cobra.Command{
		Use:   "kvraft",
		Short: "kvraft, a replicated key-value store on raft.",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			initServer()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "127.0.0.1:5001", "http api address used by client commands")

	rootCmd.AddCommand(newKVCMD().CMD())
	rootCmd.AddCommand(newMemberCMD().CMD())
	rootCmd.AddCommand(newStatusCMD().CMD())
}

func initConfig() {
	vp := viper.New()
	if cfgFile != "" {
		vp.SetConfigFile(cfgFile)
		if err := vp.ReadInConfig(); err == nil {
			fmt.Println("Using config file:", vp.ConfigFileUsed())
		}
	}

	vp.SetEnvPrefix("kvraft")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()
	// 初始化服务配置
	serverOpts.ConfigureWithViper(vp)
}

func initServer() {
	logOpts := wklog.NewOptions()
	logOpts.NodeId = serverOpts.NodeID
	logOpts.Level = serverOpts.Logger.Level
	logOpts.LogDir = serverOpts.Logger.Dir
	logOpts.LineNum = serverOpts.Logger.LineNum
	wklog.Configure(logOpts)

	s := server.New(serverOpts)

	if err := svc.Run(s); err != nil {
		log.Fatal(err)
	}
	if err := s.Err(); err != nil {
		log.Fatal(err)
	}
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
