package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/sticker/internal/channel"
	"github.com/memohai/sticker/internal/config"
)

func TestSessionConfigs(t *testing.T) {
	cfg := config.Default()
	cfg.Matrix = []config.MatrixConfig{{ID: "mx", Homeserver: "https://matrix.example.org", UserID: "@bot:example.org", AccessToken: "tok"}}
	cfg.Telegram = []config.TelegramConfig{{ID: "tg", BotToken: "123:abc"}}
	cfg.Discord = []config.DiscordConfig{{ID: "dc", BotToken: "xyz"}}

	got := sessionConfigs(cfg)
	require.Len(t, got, 3)
	assert.Equal(t, channel.Matrix, got[0].Type)
	assert.Equal(t, "https://matrix.example.org", got[0].Credentials["homeserver"])
	assert.Equal(t, "tok", got[0].Credentials["access_token"])
	assert.Equal(t, channel.Telegram, got[1].Type)
	assert.Equal(t, "123:abc", got[1].Credentials["bot_token"])
	assert.Equal(t, "dc", got[2].ID)
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	configPath = ""
	assert.Equal(t, config.DefaultConfigPath, resolveConfigPath())

	t.Setenv("CONFIG_PATH", "/etc/sticker.toml")
	assert.Equal(t, "/etc/sticker.toml", resolveConfigPath())

	configPath = "local.toml"
	t.Cleanup(func() { configPath = "" })
	assert.Equal(t, "local.toml", resolveConfigPath())
}

func TestCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "render", "sync", "emoji", "catalog", "token"} {
		assert.True(t, names[want], want)
	}
}
