package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hollis-ng/research-chat/internal/ai"
	"gorm.io/gorm"
)

// Researcher gathers web findings for a user query before generation. The
// concrete implementation wraps its network calls in the memoization layer;
// the service only sees the interface.
type Researcher interface {
	Research(ctx context.Context, query string) (string, error)
}

type Service struct {
	repo              *Repo
	registry          *ai.Registry
	research          Researcher
	providerName      string
	model             string
	contextWindowSize int
}

func NewService(repo *Repo, registry *ai.Registry, research Researcher, providerName, model string, contextWindowSize int) *Service {
	if contextWindowSize <= 0 || contextWindowSize > 100 {
		contextWindowSize = 20
	}
	return &Service{
		repo:              repo,
		registry:          registry,
		research:          research,
		providerName:      providerName,
		model:             model,
		contextWindowSize: contextWindowSize,
	}
}

const titleMaxRunes = 80

// SaveUserTurn persists the incoming user message before any generation
// happens: it loads the chat's current messages, appends the new one and
// replaces the whole list. This is the durability checkpoint — an aborted
// stream afterwards cannot lose user input. The chat is created on first
// use with a title derived from the message text.
func (s *Service) SaveUserTurn(ctx context.Context, userID uint64, chatID string, in MessageInput) (*Chat, error) {
	if in.Role == "" {
		in.Role = RoleUser
	}
	if in.Role != RoleUser {
		return nil, fmt.Errorf("chat: user turn must have role %q, got %q", RoleUser, in.Role)
	}

	title := ""
	var msgs []MessageInput
	existing, stored, err := s.repo.GetChat(ctx, userID, chatID)
	switch {
	case err == nil:
		title = existing.Title
		msgs = toInputs(stored)
	case errors.Is(err, gorm.ErrRecordNotFound):
		// New chat (or an id owned by someone else; Upsert settles that).
		title = deriveTitle(in.Parts)
	default:
		return nil, err
	}

	msgs = append(msgs, in)
	return s.repo.Upsert(ctx, userID, chatID, title, msgs)
}

// SaveAssistantTurn appends the generated reply to the chat's current
// messages and replaces the whole list. The full replacement is the only
// mechanism by which a reply is durably attached; there is no append
// primitive.
func (s *Service) SaveAssistantTurn(ctx context.Context, userID uint64, chatID string, reply string) (string, error) {
	c, stored, err := s.repo.GetChat(ctx, userID, chatID)
	if err != nil {
		return "", err
	}

	msgs := toInputs(stored)
	assistant := MessageInput{
		ID:    uuid.NewString(),
		Role:  RoleAssistant,
		Parts: textParts(reply),
	}
	msgs = append(msgs, assistant)

	if _, err := s.repo.Upsert(ctx, userID, chatID, c.Title, msgs); err != nil {
		return "", err
	}
	return assistant.ID, nil
}

func (s *Service) GetChat(ctx context.Context, userID uint64, chatID string) (*Chat, []Message, error) {
	return s.repo.GetChat(ctx, userID, chatID)
}

func (s *Service) ListChats(ctx context.Context, userID uint64) ([]Chat, error) {
	return s.repo.ListChats(ctx, userID)
}

func (s *Service) provider(ctx context.Context) (ai.Provider, error) {
	return s.registry.Get(ctx, s.providerName, s.model)
}

// buildPrompt converts the chat's stored tail into provider messages,
// optionally prefixed by a research preamble for the latest user query.
func (s *Service) buildPrompt(ctx context.Context, stored []Message) []ai.Message {
	tail := stored
	if len(tail) > s.contextWindowSize {
		tail = tail[len(tail)-s.contextWindowSize:]
	}

	out := make([]ai.Message, 0, len(tail)+1)

	if s.research != nil {
		if q := latestUserText(stored); q != "" {
			findings, err := s.research.Research(ctx, q)
			if err != nil {
				log.Printf("research failed, generating without findings: %v", err)
			} else if findings != "" {
				out = append(out, ai.Message{Role: RoleSystem, Content: findings})
			}
		}
	}

	for _, m := range tail {
		out = append(out, ai.Message{Role: m.Role, Content: partsText(m.Parts)})
	}
	return out
}

// StreamReply streams assistant chunks for the chat's current state and
// persists the full reply when streaming completes. A failed final save is
// logged and the stream still finishes; the reply is then missing from
// history, which the caller accepts over breaking an in-flight stream.
func (s *Service) StreamReply(ctx context.Context, userID uint64, chatID string) (chunks <-chan string, done <-chan struct{}, assistantMsgID <-chan string, errs <-chan error) {
	outChunks := make(chan string, 16)
	outDone := make(chan struct{})
	outMsgID := make(chan string, 1)
	outErrs := make(chan error, 1)

	go func() {
		defer close(outChunks)
		defer close(outDone)
		defer close(outMsgID)
		defer close(outErrs)

		_, stored, err := s.repo.GetChat(ctx, userID, chatID)
		if err != nil {
			outErrs <- err
			return
		}

		provider, err := s.provider(ctx)
		if err != nil {
			outErrs <- err
			return
		}
		sp, ok := provider.(ai.StreamProvider)
		if !ok {
			outErrs <- errors.New("provider does not support streaming")
			return
		}

		pChunks, pErrs := sp.StreamChat(ctx, s.buildPrompt(ctx, stored))

		var b strings.Builder
		for c := range pChunks {
			b.WriteString(c)
			outChunks <- c
		}

		select {
		case err := <-pErrs:
			if err != nil {
				outErrs <- err
				return
			}
		default:
		}

		msgID, err := s.SaveAssistantTurn(ctx, userID, chatID, b.String())
		if err != nil {
			log.Printf("saving assistant reply failed chat_id=%s err=%v", chatID, err)
			return
		}
		outMsgID <- msgID
	}()

	return outChunks, outDone, outMsgID, outErrs
}

// CompleteGeneration is the synchronous path used by the async worker:
// generate a reply for the chat's current state and attach it.
func (s *Service) CompleteGeneration(ctx context.Context, userID uint64, chatID string) (string, error) {
	_, stored, err := s.repo.GetChat(ctx, userID, chatID)
	if err != nil {
		return "", err
	}

	provider, err := s.provider(ctx)
	if err != nil {
		return "", err
	}

	reply, err := provider.Chat(ctx, s.buildPrompt(ctx, stored))
	if err != nil {
		return "", err
	}

	return s.SaveAssistantTurn(ctx, userID, chatID, reply)
}

func (s *Service) CreateJob(ctx context.Context, job *Job) error {
	return s.repo.CreateJob(ctx, job)
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.repo.GetJobByID(ctx, jobID)
}

func (s *Service) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	return s.repo.CreateJobOrGetExisting(ctx, job)
}

func toInputs(stored []Message) []MessageInput {
	out := make([]MessageInput, 0, len(stored))
	for _, m := range stored {
		out = append(out, MessageInput{ID: m.ID, Role: m.Role, Parts: m.Parts})
	}
	return out
}

type textPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func textParts(text string) json.RawMessage {
	b, _ := json.Marshal([]textPart{{Type: "text", Text: text}})
	return b
}

// partsText flattens a parts blob to plain text. Parts are opaque to the
// store, but titles and provider prompts need the text content; unknown
// shapes fall back to the raw JSON.
func partsText(parts json.RawMessage) string {
	var typed []textPart
	if err := json.Unmarshal(parts, &typed); err == nil && len(typed) > 0 {
		segs := make([]string, 0, len(typed))
		for _, p := range typed {
			if p.Text != "" {
				segs = append(segs, p.Text)
			}
		}
		if len(segs) > 0 {
			return strings.Join(segs, "\n")
		}
	}
	var plain string
	if err := json.Unmarshal(parts, &plain); err == nil {
		return plain
	}
	return string(parts)
}

func latestUserText(stored []Message) string {
	for i := len(stored) - 1; i >= 0; i-- {
		if stored[i].Role == RoleUser {
			return partsText(stored[i].Parts)
		}
	}
	return ""
}

func deriveTitle(parts json.RawMessage) string {
	title := strings.TrimSpace(partsText(parts))
	if title == "" {
		return "New chat"
	}
	if utf8.RuneCountInString(title) > titleMaxRunes {
		runes := []rune(title)
		title = string(runes[:titleMaxRunes])
	}
	return title
}
