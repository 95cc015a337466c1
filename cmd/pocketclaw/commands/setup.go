package commands

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/config"
)

// newSetupCmd creates `pocketclaw setup`, the interactive config wizard.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Create config.yaml step by step: assistant name, workspace, model
endpoint and chat channels. The API key goes to the encrypted vault or the
OS keyring, never into the config file.

Examples:
  pocketclaw setup
  pocketclaw setup --config ~/.pocketclaw/config.yaml`,
		Args: cobra.NoArgs,
		RunE: runSetup,
	}
}

// setupAnswers collects the wizard's fields that don't map 1:1 to Config.
type setupAnswers struct {
	apiKey     string
	keyStorage string
	vaultPass  string
	channels   []string
	allowFrom  string
	overwrite  bool
}

func runSetup(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = "config.yaml"
	}

	cfg := config.Default()
	ans := setupAnswers{keyStorage: "vault", overwrite: true}
	_, statErr := os.Stat(path)
	exists := statErr == nil
	if exists {
		if loaded, err := config.Load(path); err == nil {
			cfg = loaded
		}
	}

	notEmpty := func(s string) error {
		if strings.TrimSpace(s) == "" {
			return errors.New("required")
		}
		return nil
	}
	hideUnless := func(name string) func() bool {
		return func() bool { return !slices.Contains(ans.channels, name) }
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("%s already exists. Overwrite it? (a .bak copy is kept)", path)).
				Value(&ans.overwrite),
		).WithHideFunc(func() bool { return !exists }),

		huh.NewGroup(
			huh.NewInput().Title("Assistant name").Value(&cfg.Agent.Name).Validate(notEmpty),
			huh.NewInput().Title("Workspace directory").
				Description("Files the assistant may read and write; also holds AGENTS.md, SOUL.md, USER.md and HEARTBEAT.md.").
				Value(&cfg.Agent.Workspace).Validate(notEmpty),
		).Title("Assistant"),

		huh.NewGroup(
			huh.NewInput().Title("API base URL").
				Description("Any OpenAI-compatible endpoint (OpenAI, OpenRouter, a local server).").
				Value(&cfg.Provider.BaseURL).Validate(notEmpty),
			huh.NewInput().Title("Model").Value(&cfg.Provider.Model).Validate(notEmpty),
			huh.NewInput().Title("API key").
				Description("Leave empty to keep the current one or use $"+config.APIKeyEnv+".").
				EchoMode(huh.EchoModePassword).
				Value(&ans.apiKey),
			huh.NewSelect[string]().Title("Store the API key in").
				Options(
					huh.NewOption("Encrypted vault ("+config.VaultFile+")", "vault"),
					huh.NewOption("OS keyring", "keyring"),
				).
				Value(&ans.keyStorage),
		).Title("Model provider"),

		huh.NewGroup(
			huh.NewInput().Title("Vault password").
				Description("Set $"+config.VaultPasswordEnv+" to unlock it without a prompt.").
				EchoMode(huh.EchoModePassword).
				Value(&ans.vaultPass).Validate(notEmpty),
		).WithHideFunc(func() bool { return ans.apiKey == "" || ans.keyStorage != "vault" }),

		huh.NewGroup(
			huh.NewMultiSelect[string]().Title("Channels").
				Options(
					huh.NewOption("Telegram", "telegram"),
					huh.NewOption("Discord", "discord"),
					huh.NewOption("WhatsApp (QR pairing on first serve)", "whatsapp"),
					huh.NewOption("Web chat (local browser)", "web"),
				).
				Value(&ans.channels),
			huh.NewInput().Title("Allowed senders").
				Description("Comma-separated user ids or usernames. Empty allows everyone.").
				Value(&ans.allowFrom),
		).Title("Channels"),

		huh.NewGroup(
			huh.NewInput().Title("Telegram bot token").
				Description("From @BotFather. ${TELEGRAM_TOKEN} style references work too.").
				Value(&cfg.Channels.Telegram.Token).Validate(notEmpty),
		).WithHideFunc(hideUnless("telegram")),

		huh.NewGroup(
			huh.NewInput().Title("Discord bot token").
				Value(&cfg.Channels.Discord.Token).Validate(notEmpty),
		).WithHideFunc(hideUnless("discord")),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup cancelled.")
			return nil
		}
		return err
	}
	if exists && !ans.overwrite {
		fmt.Println("Nothing written.")
		return nil
	}

	applyChannels(cfg, ans)

	if ans.apiKey != "" {
		if err := storeAPIKey(ans); err != nil {
			return err
		}
	}
	if err := config.Save(cfg, path); err != nil {
		return err
	}

	fmt.Printf("\nConfig written to %s.\n", path)
	fmt.Println("Start the assistant with: pocketclaw serve")
	return nil
}

func applyChannels(cfg *config.Config, ans setupAnswers) {
	var allow []string
	for _, s := range strings.Split(ans.allowFrom, ",") {
		if s = strings.TrimSpace(s); s != "" {
			allow = append(allow, s)
		}
	}
	cc := &cfg.Channels
	cc.Telegram.Enabled = slices.Contains(ans.channels, "telegram")
	cc.Discord.Enabled = slices.Contains(ans.channels, "discord")
	cc.WhatsApp.Enabled = slices.Contains(ans.channels, "whatsapp")
	cc.Web.Enabled = slices.Contains(ans.channels, "web")
	if len(allow) > 0 {
		cc.Telegram.AllowFrom = allow
		cc.Discord.AllowFrom = allow
		cc.WhatsApp.AllowFrom = allow
		cc.Web.AllowFrom = allow
	}
}

func storeAPIKey(ans setupAnswers) error {
	if ans.keyStorage == "keyring" {
		if err := config.StoreKeyring(config.APIKeySecret, ans.apiKey); err != nil {
			return fmt.Errorf("storing API key in OS keyring: %w", err)
		}
		fmt.Println("API key stored in the OS keyring.")
		return nil
	}

	v := config.NewVault(config.VaultFile)
	if v.Exists() {
		if err := v.Unlock(ans.vaultPass); err != nil {
			return err
		}
	} else if err := v.Create(ans.vaultPass); err != nil {
		return err
	}
	defer v.Lock()
	if err := v.Set(config.APIKeySecret, ans.apiKey); err != nil {
		return err
	}
	fmt.Printf("API key stored in %s.\n", v.Path())
	return nil
}
