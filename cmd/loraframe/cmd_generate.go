package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"loraframe/studio/internal/job"
	"loraframe/studio/internal/model"
)

var (
	genCharacter string
	genPrompt    string
	genMode      string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Render one scene and print it as JSON",
	Long: `Runs one generation transaction against the remote API and prints
the resulting scene. Studio log lines stream to stderr while it runs.

Example:
  loraframe generate --character Maya --prompt "Maya in rain" --mode video`,
	Args: cobra.NoArgs,
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringVar(&genCharacter, "character", "", "character id or name")
	generateCmd.Flags().StringVarP(&genPrompt, "prompt", "p", "", "scene prompt")
	generateCmd.Flags().StringVarP(&genMode, "mode", "m", "", "image or video (default studio.mode)")
	_ = generateCmd.MarkFlagRequired("character")
}

func runGenerate(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.hub.Close()

	mode := a.mode
	if genMode != "" {
		m, ok := model.ParseGenerationMode(genMode)
		if !ok {
			return fmt.Errorf("invalid --mode %q", genMode)
		}
		mode = m
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chars, err := a.cast.Refresh(ctx)
	if err != nil {
		return err
	}
	character, ok := findCharacter(chars, genCharacter)
	if !ok {
		return fmt.Errorf("character %q not found", genCharacter)
	}

	_, sub, unsubscribe := a.hub.Subscribe(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range sub {
			if evt.Type == model.EventLog {
				fmt.Fprintln(os.Stderr, evt.Payload["line"])
			}
		}
	}()

	scene, genErr := a.jobs.Generate(ctx, job.GenerateInput{
		Character: character,
		Prompt:    genPrompt,
		Mode:      mode,
		RequestID: uuid.NewString(),
	})
	unsubscribe()
	<-done
	if genErr != nil {
		return genErr
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(scene)
}

// findCharacter matches an id first, then a case-insensitive name.
func findCharacter(chars []model.Character, ref string) (model.Character, bool) {
	ref = strings.TrimSpace(ref)
	for _, ch := range chars {
		if ch.ID == ref {
			return ch, true
		}
	}
	for _, ch := range chars {
		if strings.EqualFold(ch.Name, ref) {
			return ch, true
		}
	}
	return model.Character{}, false
}
