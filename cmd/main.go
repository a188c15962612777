// Command regularize-bot runs the probe and registration API with its
// worker, or probes a handful of CNPJs from the terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/RegularizePGFN/regularize-bot/internal/config"
	"github.com/RegularizePGFN/regularize-bot/internal/core/captcha"
	"github.com/RegularizePGFN/regularize-bot/internal/core/classify"
	"github.com/RegularizePGFN/regularize-bot/internal/core/portal"
	"github.com/RegularizePGFN/regularize-bot/internal/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "regularize-bot",
	Short:         "CNPJ probe and registration automation for the Regularize portal",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// portalStack builds the transport, classifier and optional solver shared by
// both commands.
func portalStack(cfg config.Config, log *logger.Logger) (*portal.Client, *classify.Classifier, captcha.Solver, error) {
	p, err := portal.New(portal.Options{
		BaseURL:  cfg.PortalBaseURL,
		FormPath: cfg.PortalFormPath,
		OTPPath:  cfg.PortalOTPPath,
		Timeout:  cfg.PortalTimeout,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	rules := classify.DefaultRules()
	if cfg.ClassifierRulesFile != "" {
		if rules, err = classify.LoadRules(cfg.ClassifierRulesFile); err != nil {
			return nil, nil, nil, err
		}
		log.LogInfof("Classifier rules loaded from %s", cfg.ClassifierRulesFile)
	}

	var solver captcha.Solver
	if cfg.CaptchaAPIKey != "" {
		c, err := captcha.New(captcha.Options{
			BaseURL:      cfg.CaptchaBaseURL,
			APIKey:       cfg.CaptchaAPIKey,
			TaskType:     cfg.CaptchaTaskType,
			PollInterval: cfg.CaptchaPollInterval,
			MaxAttempts:  cfg.CaptchaMaxAttempts,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		solver = c
	} else {
		log.LogWarnf("SOLVECAPTCHA_API_KEY not set: challenged items will be reported as captcha_failed")
	}
	return p, classify.New(rules), solver, nil
}
