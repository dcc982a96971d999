package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"persona/internal/config"
	"persona/internal/logging"
	"persona/internal/social"
)

var (
	verbose       bool
	configPath    string
	characterName string
	once          bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "persona",
	Short: "persona - multi-platform character agent",
	Long: `persona runs LLM-backed characters across social platforms.

Each character posts on randomized schedules, replies to mentions and
timeline activity, and chats on Telegram and Discord, with a similarity
filter keeping it from repeating itself.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapConfig := zap.NewProductionConfig()
		if verbose {
			zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapConfig.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := logging.Initialize(cfg.Workspace); err != nil {
			logger.Warn("file logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return launchChat()
	},
}

var postCmd = &cobra.Command{
	Use:   "post",
	Short: "Post to the timeline on a randomized schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTimelineAction("post")
	},
}

var mentionsCmd = &cobra.Command{
	Use:   "mentions",
	Short: "Reply to mentions on a randomized schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTimelineAction("mentions")
	},
}

var autorespondCmd = &cobra.Command{
	Use:   "autorespond",
	Short: "Reply to timeline posts on a randomized schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTimelineAction("autorespond")
	},
}

var telegramCmd = &cobra.Command{
	Use:   "telegram",
	Short: "Answer Telegram messages that mention the character",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTelegram()
	},
}

var discordCmd = &cobra.Command{
	Use:   "discord",
	Short: "Answer Discord messages that mention the character",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDiscord()
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with a character in the terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		return launchChat()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every configured action for every character",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "persona.yaml", "path to the config file")
	rootCmd.PersistentFlags().StringVarP(&characterName, "character", "c", "", "character username (defaults to the only one loaded)")

	for _, cmd := range []*cobra.Command{postCmd, mentionsCmd, autorespondCmd} {
		cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	}

	rootCmd.AddCommand(postCmd)
	rootCmd.AddCommand(mentionsCmd)
	rootCmd.AddCommand(autorespondCmd)
	rootCmd.AddCommand(telegramCmd)
	rootCmd.AddCommand(discordCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// runTimelineAction runs one scheduled timeline action for one
// character, either as a single cycle or as a long-lived loop.
func runTimelineAction(action string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ch, err := a.character(characterName)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	if once {
		orch := a.orchestrator(ch)
		if err := orch.Login(ctx); err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		switch action {
		case "post":
			orch.PostToTimeline(ctx)
		case "mentions":
			orch.ReplyToMentions(ctx)
		case "autorespond":
			orch.RespondToTimeline(ctx)
		}
		return nil
	}

	provider := a.provider(ch)
	if err := provider.Login(ctx); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	switch action {
	case "post":
		err = provider.StartTopicPosts(ctx)
	case "mentions":
		err = provider.StartReplyingToMentions(ctx)
	case "autorespond":
		err = provider.StartAutoResponder(ctx)
	}
	if err != nil {
		return err
	}

	logger.Info("scheduler running",
		zap.String("action", action),
		zap.String("character", ch.Username))

	<-ctx.Done()
	provider.Stop()
	return nil
}

func runTelegram() error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ch, err := a.character(characterName)
	if err != nil {
		return err
	}

	provider, err := social.NewTelegramProvider(ch, a.store, a.gen)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	if err := provider.Start(ctx); err != nil {
		return err
	}
	logger.Info("telegram provider running", zap.String("character", ch.Username))

	<-ctx.Done()
	provider.Stop()
	return nil
}

func runDiscord() error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ch, err := a.character(characterName)
	if err != nil {
		return err
	}

	provider, err := social.NewDiscordProvider(ch, a.store, a.gen, ch.DiscordChannels)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	if err := provider.Start(ctx); err != nil {
		return err
	}
	logger.Info("discord provider running", zap.String("character", ch.Username))

	<-ctx.Done()
	provider.Stop()
	return nil
}

// runAll starts the full action set for every loaded character and
// blocks until a shutdown signal arrives.
func runAll() error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	stopWatch, err := config.WatchCharacters(a.cfg.CharactersDir, func(characters []*config.Character) {
		a.setCharacters(characters)
		logger.Info("character definitions reloaded, running actions pick them up on restart",
			zap.Int("count", len(characters)))
	})
	if err != nil {
		logger.Warn("character watch unavailable", zap.Error(err))
	} else {
		defer stopWatch()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range a.allCharacters() {
		ch := ch
		g.Go(func() error {
			return runCharacter(gctx, a, ch)
		})
	}
	return g.Wait()
}

// runCharacter starts every action a character is configured for and
// stops them when ctx is cancelled.
func runCharacter(ctx context.Context, a *app, ch *config.Character) error {
	provider := a.provider(ch)
	if err := provider.Login(ctx); err != nil {
		return fmt.Errorf("%s: login failed: %w", ch.Username, err)
	}
	if err := provider.StartTopicPosts(ctx); err != nil {
		return fmt.Errorf("%s: topic posts: %w", ch.Username, err)
	}
	if err := provider.StartAutoResponder(ctx); err != nil {
		provider.Stop()
		return fmt.Errorf("%s: auto responder: %w", ch.Username, err)
	}
	if err := provider.StartReplyingToMentions(ctx); err != nil {
		provider.Stop()
		return fmt.Errorf("%s: mentions: %w", ch.Username, err)
	}
	defer provider.Stop()

	if ch.TelegramAPIKey != "" && ch.TelegramBotUsername != "" {
		telegram, err := social.NewTelegramProvider(ch, a.store, a.gen)
		if err != nil {
			return fmt.Errorf("%s: telegram: %w", ch.Username, err)
		}
		if err := telegram.Start(ctx); err != nil {
			return fmt.Errorf("%s: telegram: %w", ch.Username, err)
		}
		defer telegram.Stop()
	}

	if ch.DiscordAPIKey != "" && len(ch.DiscordChannels) > 0 {
		discord, err := social.NewDiscordProvider(ch, a.store, a.gen, ch.DiscordChannels)
		if err != nil {
			return fmt.Errorf("%s: discord: %w", ch.Username, err)
		}
		if err := discord.Start(ctx); err != nil {
			return fmt.Errorf("%s: discord: %w", ch.Username, err)
		}
		defer discord.Stop()
	}

	logger.Info("character running", zap.String("character", ch.Username))
	<-ctx.Done()
	return nil
}
