// Package invoker wraps one persona with its LLM and tools and streams its
// replies into a conversation turn.
package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wzp-123777/Mul-in-ONE/ai/conversation"
	"github.com/wzp-123777/Mul-in-ONE/ai/llm"
	"github.com/wzp-123777/Mul-in-ONE/ai/tools"
)

// maxToolRounds caps how many tool exchanges a single reply may take.
const maxToolRounds = 4

// PersonaConfig is the prompt-side description of a persona.
type PersonaConfig struct {
	Name   string
	Prompt string
	// Instructions is an optional extra system message, e.g. "语气：冷静".
	Instructions string
	// MemoryWindow limits rendered history; <=0 means unlimited.
	MemoryWindow int
}

// SessionIdentity carries the optional user-side identity of the session.
type SessionIdentity struct {
	UserDisplayName string
	UserHandle      string
	UserPersona     string
	// ParticipantHandles lists every persona handle in the session.
	ParticipantHandles []string
}

// Invoker implements conversation.Invoker for a single persona.
type Invoker struct {
	persona  PersonaConfig
	service  llm.Service
	toolset  []tools.Tool
	identity SessionIdentity
}

// New builds an invoker. toolset may be empty.
func New(persona PersonaConfig, service llm.Service, toolset []tools.Tool, identity SessionIdentity) *Invoker {
	return &Invoker{
		persona:  persona,
		service:  service,
		toolset:  toolset,
		identity: identity,
	}
}

// Stream produces the persona's reply tokens. On upstream failure the
// channel carries exactly one synthetic [系统提示] token and then closes.
func (inv *Invoker) Stream(ctx context.Context, payload *conversation.InvokePayload) <-chan string {
	out := make(chan string, 16)
	go func() {
		defer close(out)
		messages := inv.buildMessages(payload)

		if len(inv.toolset) > 0 {
			done, err := inv.runToolPhase(ctx, &messages, out)
			if err != nil {
				inv.emitFailure(ctx, out, err)
				return
			}
			if done {
				return
			}
		}

		contentChan, errChan := inv.service.ChatStream(ctx, messages)
		for token := range contentChan {
			select {
			case out <- token:
			case <-ctx.Done():
				return
			}
		}
		if err := <-errChan; err != nil {
			inv.emitFailure(ctx, out, err)
		}
	}()
	return out
}

// runToolPhase lets the LLM call tools until it settles on a terminal
// reply. done=true means the terminal reply was already emitted.
func (inv *Invoker) runToolPhase(ctx context.Context, messages *[]llm.Message, out chan<- string) (bool, error) {
	descriptors := make([]llm.ToolDescriptor, 0, len(inv.toolset))
	byName := make(map[string]tools.Tool, len(inv.toolset))
	for _, t := range inv.toolset {
		descriptors = append(descriptors, llm.ToolDescriptor{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
		byName[t.Name()] = t
	}

	for round := 0; round < maxToolRounds; round++ {
		resp, err := inv.service.ChatWithTools(ctx, *messages, descriptors)
		if err != nil {
			return false, err
		}
		if len(resp.ToolCalls) == 0 {
			// Terminal assistant message.
			if resp.Content != "" {
				select {
				case out <- resp.Content:
				case <-ctx.Done():
				}
			}
			return true, nil
		}

		*messages = append(*messages, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			result := inv.executeTool(ctx, byName, call)
			*messages = append(*messages, llm.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    result,
			})
		}
	}

	// Tool budget exhausted: stream a final answer without tools.
	return false, nil
}

// executeTool runs one call; failures are surfaced to the LLM as tool
// message errors so it can retry or answer without the tool.
func (inv *Invoker) executeTool(ctx context.Context, byName map[string]tools.Tool, call llm.ToolCall) string {
	tool, ok := byName[call.Name]
	if !ok {
		return fmt.Sprintf("[tool error] unknown tool %q", call.Name)
	}
	args := call.Argument
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	result, err := tool.Call(ctx, json.RawMessage(args))
	if err != nil {
		slog.Warn("tool call failed",
			"persona", inv.persona.Name, "tool", call.Name, "error", err)
		return "[tool error] " + err.Error()
	}
	return result
}

func (inv *Invoker) emitFailure(ctx context.Context, out chan<- string, err error) {
	class := llm.ClassifyError(err)
	slog.Warn("persona upstream call failed",
		"persona", inv.persona.Name, "class", string(class), "error", err)
	select {
	case out <- llm.SystemNotice(class, err):
	case <-ctx.Done():
	}
}

// buildMessages assembles the system prompt, identity and participant
// blocks, the history window and the trigger turn.
func (inv *Invoker) buildMessages(payload *conversation.InvokePayload) []llm.Message {
	messages := []llm.Message{llm.SystemPrompt(inv.systemPrompt())}

	if inv.persona.Instructions != "" {
		messages = append(messages, llm.SystemPrompt("额外指示："+inv.persona.Instructions))
	}

	history := payload.History
	if inv.persona.MemoryWindow > 0 && len(history) > inv.persona.MemoryWindow {
		history = history[len(history)-inv.persona.MemoryWindow:]
	}
	for _, entry := range history {
		speaker := entry.Speaker
		if speaker == "user" && inv.identity.UserDisplayName != "" {
			speaker = inv.identity.UserDisplayName
		}
		messages = append(messages, llm.UserMessage(fmt.Sprintf("%s: %s", speaker, entry.Content)))
	}

	if payload.IsUserTurn {
		messages = append(messages, llm.UserMessage(
			fmt.Sprintf("[用户刚刚说]: %s\n\n现在轮到你发言了。", payload.UserMessage)))
	} else {
		messages = append(messages, llm.UserMessage(fmt.Sprintf(
			"你刚刚观察到 %q 说: %q。现在轮到你发言，你可以对此进行评论，或开启新话题。",
			payload.LastSpeaker, payload.LastMessage)))
	}
	return messages
}

func (inv *Invoker) systemPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "你是%s。%s\n\n", inv.persona.Name, inv.persona.Prompt)
	b.WriteString("你正在参与一个多人自由对话。请注意：\n\n")

	participants := append([]string{}, inv.identity.ParticipantHandles...)
	userLabel := "用户"
	if inv.identity.UserHandle != "" {
		userLabel = "@" + inv.identity.UserHandle
	}
	participants = append(participants, userLabel)
	fmt.Fprintf(&b, "【对话成员】\n当前参与者：%s\n\n", strings.Join(participants, "、"))

	if inv.identity.UserDisplayName != "" || inv.identity.UserPersona != "" {
		b.WriteString("【用户身份】\n")
		if inv.identity.UserDisplayName != "" {
			fmt.Fprintf(&b, "对方是 %s", inv.identity.UserDisplayName)
			if inv.identity.UserHandle != "" {
				fmt.Fprintf(&b, "（@%s）", inv.identity.UserHandle)
			}
			b.WriteString("。\n")
		}
		if inv.identity.UserPersona != "" {
			b.WriteString(inv.identity.UserPersona + "\n")
		}
		b.WriteString("\n")
	}

	b.WriteString(`【对话规则】
1. 这是自然的群聊对话，不是一问一答。
2. 你可以：
   - 回应其他人的观点（不需要被 @ 也可以回应）
   - 提出自己的问题或想法
   - 对感兴趣的话题发表看法
   - @ 其他人邀请他们参与（格式：@某人）
   - 对某个观点表示赞同或提出不同看法

【何时发言】
✅ 应该发言的情况：
   - 有人 @ 你
   - 话题与你的专长或兴趣相关
   - 你对刚才的观点有独特见解
   - 你想补充或纠正某个信息
   - 对话冷场时可以提出新话题

❌ 不需要发言的情况：
   - 别人已经说得很完整了
   - 话题完全不在你的专长范围
   - 你没有新的内容可补充
   - 只是为了发言而发言

`)
	fmt.Fprintf(&b, "【发言风格】\n- 保持你的个性特点：%s\n", inv.persona.Prompt)
	b.WriteString(`- 自然、真实，像真人在聊天
- 可以简短，不需要每次都长篇大论
- 可以表达情绪和态度
- 始终以自己的身份发言，不要冒充其他参与者

【工具使用】
- 需要实时信息或外部事实时，调用 web_search
- 需要查阅你自己的背景资料时，调用 rag_query
- 工具结果仅供参考，用自己的语气转述

记住：这是群聊，要像真人一样自然互动！`)
	return b.String()
}
