// Package console 把请求过程渲染到终端：片段为绿色，事件为黄色，错误为红色。
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"SparkLLM-Demo/internal/chat"
	"SparkLLM-Demo/internal/sdk"
)

// Printer 实现 chat.Listener，并为每次请求打印结束摘要。
type Printer struct {
	mu      sync.Mutex
	out     io.Writer
	result  lipgloss.Style
	event   lipgloss.Style
	failure lipgloss.Style
	header  lipgloss.Style
	dim     lipgloss.Style
}

var _ chat.Listener = (*Printer)(nil)

// New 创建输出到 w 的 Printer。颜色由 w 是否为终端决定。
func New(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		out:     w,
		result:  r.NewStyle().Foreground(lipgloss.Color("2")),
		event:   r.NewStyle().Foreground(lipgloss.Color("3")),
		failure: r.NewStyle().Foreground(lipgloss.Color("1")),
		header:  r.NewStyle().Bold(true),
		dim:     r.NewStyle().Foreground(lipgloss.Color("242")),
	}
}

// Section 打印一段演示的标题。
func (p *Printer) Section(title string) {
	p.println(p.header.Render(fmt.Sprintf("\n######### %s #########", title)))
}

func (p *Printer) Fragment(req *chat.Pending, r sdk.Result) {
	line := fmt.Sprintf("%d:%s:%s %s", int(r.Status), r.Role, r.Content, p.tag(req))
	p.println(p.result.Render(line))
	if r.Final() {
		p.println(p.result.Render(fmt.Sprintf("tokens:%d + %d = %d",
			r.Usage.CompletionTokens, r.Usage.PromptTokens, r.Usage.TotalTokens)))
	}
}

func (p *Printer) Event(req *chat.Pending, e sdk.Event) {
	p.println(p.event.Render(fmt.Sprintf("event %d: %s", e.ID, e.Msg)) + " " + p.tag(req))
}

func (p *Printer) Error(req *chat.Pending, err *sdk.Error) {
	p.println(p.failure.Render(fmt.Sprintf("error %d: %s", err.Code, err.Msg)) + " " + p.tag(req))
}

// Outcome 打印请求结束后的摘要。
func (p *Printer) Outcome(out chat.Outcome) {
	switch {
	case out.TimedOut:
		p.println(p.failure.Render(fmt.Sprintf("%s: timed out after %s", out.Mode, out.Latency.Round(time.Millisecond))))
	case !out.Submitted && out.Failure != nil:
		p.println(p.failure.Render(fmt.Sprintf("%s: submit failed: %d", out.Mode, out.Failure.Code)))
	case out.Failure != nil:
		p.println(p.failure.Render(fmt.Sprintf("%s output: %d:%s", out.Mode, out.Failure.Code, out.Failure.Msg)))
	default:
		p.println(p.result.Render(fmt.Sprintf("%s output: %s:%s", out.Mode, out.Role, out.Content)))
	}
}

func (p *Printer) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, s)
}

func (p *Printer) tag(req *chat.Pending) string {
	if req == nil {
		return ""
	}
	return p.dim.Render("req:" + short(req.ID()))
}

func short(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
