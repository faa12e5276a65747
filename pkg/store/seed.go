package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nstogner/aichat/pkg/domain"
)

// DemoUsername is the account created on first start.
const DemoUsername = "demo"

// DefaultPersonas are the public system personas created when no persona exists.
var DefaultPersonas = []domain.Persona{
	{
		Name:         "通用助手",
		Description:  "我是一个友好且知识渊博的AI助手，可以帮助您解答各种问题。",
		SystemPrompt: "你是一个友好、专业的AI助手。请用清晰、准确的语言回答用户的问题。",
		Icon:         "assistant",
		Default:      true,
	},
	{
		Name:         "程序员",
		Description:  "我是一位经验丰富的程序员，精通多种编程语言和技术栈。",
		SystemPrompt: "你是一位资深程序员，精通Java、Python、JavaScript等语言。请提供专业的编程建议和代码示例。",
		Icon:         "programmer",
	},
	{
		Name:         "英语老师",
		Description:  "我是您的英语老师，可以帮助您学习英语语法、词汇和口语表达。",
		SystemPrompt: "你是一位耐心的英语老师。请用简单易懂的方式解释英语知识，并提供例句帮助理解。",
		Icon:         "teacher",
	},
	{
		Name:         "创意写手",
		Description:  "我是一位富有创意的写手，可以帮您撰写各种文案和创意内容。",
		SystemPrompt: "你是一位创意写手。请发挥想象力，创作有趣且吸引人的内容。",
		Icon:         "writer",
	},
	{
		Name:         "心理咨询师",
		Description:  "我可以倾听您的烦恼，提供情感支持和心理建议。",
		SystemPrompt: "你是一位富有同理心的心理咨询师。请用温暖、理解的语气与用户交流，提供情感支持。",
		Icon:         "counselor",
	},
	{
		Name:         "数据分析师",
		Description:  "我是专业的数据分析师，可以帮您分析数据并提供洞察。",
		SystemPrompt: "你是一位数据分析专家。请用数据驱动的方式分析问题，提供清晰的见解和建议。",
		Icon:         "analyst",
	},
}

// Seed creates the demo user and the default personas if they are missing.
// An empty demoToken generates one. The demo user is returned either way.
func Seed(ctx context.Context, users UserStore, personas PersonaStore, demoToken string) (*domain.User, error) {
	demo, err := users.GetUserByUsername(ctx, DemoUsername)
	switch {
	case err == nil:
		slog.Info("Demo user already initialized", "id", demo.ID)
	case errors.Is(err, ErrNotFound):
		generated := demoToken == ""
		if generated {
			demoToken = uuid.New().String()
		}
		demo = &domain.User{
			ID:       uuid.New().String(),
			Username: DemoUsername,
			Email:    "demo@ai-chat.com",
			Nickname: "Demo User",
			Token:    demoToken,
		}
		if err := users.CreateUser(ctx, demo); err != nil {
			return nil, fmt.Errorf("create demo user: %w", err)
		}
		if generated {
			slog.Info("Created demo user", "id", demo.ID, "token", demoToken)
		} else {
			slog.Info("Created demo user", "id", demo.ID)
		}
	default:
		return nil, fmt.Errorf("lookup demo user: %w", err)
	}

	n, err := personas.CountPersonas(ctx)
	if err != nil {
		return nil, fmt.Errorf("count personas: %w", err)
	}
	if n > 0 {
		slog.Info("Personas already initialized", "count", n)
		return demo, nil
	}

	for _, p := range DefaultPersonas {
		p.ID = uuid.New().String()
		p.Public = true
		p.Enabled = true
		p.System = true
		if err := personas.CreatePersona(ctx, &p); err != nil {
			return nil, fmt.Errorf("create persona %q: %w", p.Name, err)
		}
	}
	slog.Info("Initialized default personas", "count", len(DefaultPersonas))
	return demo, nil
}
