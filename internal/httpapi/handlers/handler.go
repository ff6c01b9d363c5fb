package handlers

import (
	"context"
	"strings"

	"github.com/hollis-ng/research-chat/internal/ai"
	"github.com/hollis-ng/research-chat/internal/cache"
	"github.com/hollis-ng/research-chat/internal/chat"
	"github.com/hollis-ng/research-chat/internal/config"
	"github.com/hollis-ng/research-chat/internal/ratelimit"
	"github.com/hollis-ng/research-chat/internal/store/rabbitmq"
	"github.com/hollis-ng/research-chat/internal/stream"
	"github.com/hollis-ng/research-chat/internal/tools"
	"gorm.io/gorm"
)

type Handler struct {
	DB      *gorm.DB
	Cfg     config.Config
	Rabbit  *rabbitmq.Publisher
	ChatSvc *chat.Service
	Limiter *ratelimit.Limiter
	Streams *stream.Registry
}

func NewHandler(db *gorm.DB, cfg config.Config, store cache.Store, rabbit *rabbitmq.Publisher) *Handler {
	repo := chat.NewRepo(db)

	reg := ai.NewRegistry()
	reg.Register("ollama", func(_ context.Context, model string) (ai.Provider, error) {
		if strings.TrimSpace(model) == "" {
			model = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, model), nil
	})
	reg.Register("openai", func(_ context.Context, model string) (ai.Provider, error) {
		if strings.TrimSpace(model) == "" {
			model = cfg.OpenAIModel
		}
		return ai.NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, model), nil
	})

	var research chat.Researcher
	if cfg.SearchAPIKey != "" {
		research = tools.NewResearcher(
			store,
			tools.NewSearchClient(cfg.SearchAPIURL, cfg.SearchAPIKey),
			tools.NewFetchClient(),
			cfg.ToolCacheTTL,
		)
	}

	model := cfg.OllamaModel
	if strings.EqualFold(cfg.AIProvider, "openai") {
		model = cfg.OpenAIModel
	}

	chatSvc := chat.NewService(repo, reg, research, cfg.AIProvider, model, cfg.ChatContextWindowSize)

	return &Handler{
		DB:      db,
		Cfg:     cfg,
		Rabbit:  rabbit,
		ChatSvc: chatSvc,
		Limiter: ratelimit.NewLimiter(db, cfg.DailyRequestLimit),
		Streams: stream.NewRegistry(db),
	}
}
