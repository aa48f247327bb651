package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/user/meetbot/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("meetbot setup")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.HTTP.Listen = prompt(scanner, "Listen address", cfg.HTTP.Listen)
		cfg.HTTP.PublicURL = prompt(scanner, "Public URL workers post transcripts to (optional)", cfg.HTTP.PublicURL)

		cfg.Runtime.Driver = prompt(scanner, "Worker driver (docker or process)", cfg.Runtime.Driver)
		if cfg.Runtime.Driver == "process" {
			cfg.Runtime.Command = prompt(scanner, "Worker command", cfg.Runtime.Command)
		} else {
			cfg.Runtime.Image = prompt(scanner, "Worker image", cfg.Runtime.Image)
			cfg.Runtime.Network = prompt(scanner, "Docker network (optional)", cfg.Runtime.Network)
		}

		maxStr := prompt(scanner, "Max concurrent bots", strconv.Itoa(cfg.Worker.MaxConcurrent))
		if n, err := strconv.Atoi(maxStr); err == nil {
			cfg.Worker.MaxConcurrent = n
		}
		cfg.Worker.DefaultBotName = prompt(scanner, "Default bot name", cfg.Worker.DefaultBotName)
		cfg.Worker.DefaultLanguage = prompt(scanner, "Default language", cfg.Worker.DefaultLanguage)

		cfg.Notify.Telegram.Token = prompt(scanner, "Telegram bot token (optional)", cfg.Notify.Telegram.Token)
		if cfg.Notify.Telegram.Token != "" {
			chat := prompt(scanner, "Telegram chat ID", strconv.FormatInt(cfg.Notify.Telegram.ChatID, 10))
			if n, err := strconv.ParseInt(chat, 10, 64); err == nil {
				cfg.Notify.Telegram.ChatID = n
			}
		}
		cfg.Notify.WebhookURL = prompt(scanner, "Notification webhook URL (optional)", cfg.Notify.WebhookURL)

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("configuration not saved: %w", err)
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
