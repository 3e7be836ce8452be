package cmd

import (
	"github.com/spf13/cobra"
	"github.com/thedudeyeets/nexusbot-worker/nexusbot"
	"log"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the bot, its guild playback workers and the status API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := nexusbot.New(cfg)
			if err != nil {
				log.Fatalf("error creating bot: %s", err.Error())
			}
			if err = bot.ValidateConfig(); err != nil {
				log.Fatalf("invalid config: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running bot: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
