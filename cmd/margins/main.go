// Package main runs the margins engine against a terminal diary.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/quietpage/margins/internal/config"
	"github.com/quietpage/margins/internal/emergence"
	"github.com/quietpage/margins/internal/memory"
	"github.com/quietpage/margins/internal/models"
	"github.com/quietpage/margins/internal/orchestrator"
	"github.com/quietpage/margins/internal/prompt"
	"github.com/quietpage/margins/internal/repository"
	"github.com/quietpage/margins/internal/safety"
	"github.com/quietpage/margins/internal/types"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nclosing the page...")
		cancel()
	}()

	store, err := repository.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer store.Close()

	chatClient, err := models.NewChatClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
	if err != nil {
		log.Fatalf("failed to create chat client: %v", err)
	}

	embedder, err := memory.NewEmbedder(ctx, cfg.GoogleAPIKey, cfg.EmbeddingModel)
	if err != nil {
		log.Fatalf("failed to create embedder: %v", err)
	}

	voices, err := store.Voices.GetAll(ctx)
	if err != nil {
		log.Fatalf("failed to load voices: %v", err)
	}
	if len(voices) == 0 {
		voices, err = seedVoices(ctx, store.Voices)
		if err != nil {
			log.Fatalf("failed to seed voices: %v", err)
		}
	}

	memStore := memory.NewStore()
	for _, v := range voices {
		records, err := store.Memories.LoadByVoice(ctx, v.ID)
		if err != nil {
			log.Fatalf("failed to load memories for %s: %v", v.Name, err)
		}
		memStore.Load(records)
	}

	retriever := memory.NewRetriever(embedder, store.Memories, cfg.TopK, cfg.SimilarityThreshold)
	reflector := memory.NewReflector(chatClient, cfg.LLMModel, memStore, store.Memories, store.Voices, embedder)
	detector := emergence.NewDetector(chatClient, cfg.LLMModel, store.Voices)
	distress := safety.NewDistressClassifier(chatClient, cfg.LLMModel)

	host := pickHost(voices)
	session := &types.Session{
		ID:          ulid.Make().String(),
		HostVoiceID: host.ID,
		Phase:       types.PhaseOpening,
		Status:      types.SessionActive,
	}
	if err := store.Sessions.CreateSession(ctx, session); err != nil {
		log.Fatalf("failed to create session: %v", err)
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Session:           session,
		Voices:            voices,
		Streamer:          chatClient,
		Model:             cfg.LLMModel,
		Sessions:          store.Sessions,
		VoiceActivity:     store.Voices,
		Retriever:         retriever,
		Reflector:         reflector,
		Emergence:         detector,
		Distress:          distress,
		Builder:           prompt.NewBuilder(cfg.HistoryLimit),
		StreamTimeout:     time.Duration(cfg.StreamTimeoutSeconds) * time.Second,
		DistressThreshold: cfg.DistressThreshold,
		Callbacks: orchestrator.Callbacks{
			OnToken: func(voiceID, token string) {
				fmt.Print(token)
			},
			OnVoiceMessage: func(msg types.SessionMessage, voice *types.Voice) {
				fmt.Printf("\n    — %s\n", voice.Name)
			},
			OnCrisis: func() {
				fmt.Println("\n[the page grows still; the voices stay close]")
			},
			OnGroundingChange: func(active bool) {
				if active {
					slog.Info("grounding mode active")
				} else {
					slog.Info("grounding mode released")
				}
			},
			OnVoiceEmerged: func(voice *types.Voice) {
				fmt.Printf("\n[a new voice appears in the margin: %s]\n", voice.Name)
			},
		},
	})
	if err != nil {
		log.Fatalf("failed to create orchestrator: %v", err)
	}

	fmt.Println("margins — write; pause; the voices may speak. /quit to close.")
	runDiary(ctx, orch)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer closeCancel()
	orch.CloseSession(closeCtx)
}

// runDiary feeds stdin lines to the engine until EOF, /quit, or cancellation.
func runDiary(ctx context.Context, orch *orchestrator.Orchestrator) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	var entry strings.Builder
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if strings.TrimSpace(line) == "/quit" {
				return
			}
			for _, r := range line + "\n" {
				entry.WriteRune(r)
				text := entry.String()
				orch.RecordKeystroke(r, text, len([]rune(text)))
			}
			if strings.TrimSpace(line) != "" {
				orch.HandleUserMessage(ctx, entry.String())
			}
		}
	}
}

func pickHost(voices []types.Voice) types.Voice {
	for _, v := range voices {
		if v.IFSRole == types.RoleSelf {
			return v
		}
	}
	return voices[0]
}

// seedVoices creates the default roster on first run.
func seedVoices(ctx context.Context, repo *repository.VoiceRepo) ([]types.Voice, error) {
	seeds := []prompt.VoiceTraits{
		{
			Name:       "Quiet",
			Role:       types.RoleSelf,
			Concern:    "staying with whatever is actually on the page",
			VoiceStyle: "slow, spare, unhurried",
			FirstWords: "I'm here. Keep going, or don't.",
		},
		{
			Name:       "Sentry",
			Role:       types.RoleProtector,
			Concern:    "noticing when the writer edges toward something unsafe",
			VoiceStyle: "alert but gentle, short sentences",
			FirstWords: "Something in that last line made me sit up.",
		},
		{
			Name:       "The Archivist",
			Role:       types.RoleManager,
			Concern:    "patterns that repeat across entries",
			VoiceStyle: "precise, faintly amused",
			FirstWords: "You've written a sentence like that before.",
		},
	}

	colors := []string{"#8b9dc3", "#c98a5e", "#6fa287"}
	now := time.Now()
	voices := make([]types.Voice, 0, len(seeds))
	for i, traits := range seeds {
		systemPrompt, err := prompt.SynthesizeSystemPrompt(traits)
		if err != nil {
			return nil, err
		}
		voice := types.Voice{
			ID:           ulid.Make().String(),
			Name:         traits.Name,
			Color:        colors[i],
			IFSRole:      traits.Role,
			Concern:      traits.Concern,
			SystemPrompt: systemPrompt,
			IsSeeded:     true,
			CreatedAt:    now,
		}
		if err := repo.AddVoice(ctx, &voice); err != nil {
			return nil, err
		}
		voices = append(voices, voice)
	}
	return voices, nil
}
