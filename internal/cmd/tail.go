package cmd

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/Iron-Ham/panecore/internal/event"
	"github.com/Iron-Ham/panecore/internal/scheduler"
)

// maxDetail truncates payload details in tail output.
const maxDetail = 60

type tailStyles struct {
	critical lipgloss.Style
	lossy    lipgloss.Style
	source   lipgloss.Style
	kind     lipgloss.Style
	detail   lipgloss.Style
	errText  lipgloss.Style
}

func newTailStyles(color bool) tailStyles {
	if !color {
		plain := lipgloss.NewStyle()
		return tailStyles{plain, plain, plain, plain, plain, plain}
	}
	return tailStyles{
		critical: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F25D94")),
		lossy:    lipgloss.NewStyle().Foreground(lipgloss.Color("#767676")),
		source:   lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4")),
		kind:     lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")),
		detail:   lipgloss.NewStyle().Foreground(lipgloss.Color("#A8A8A8")),
		errText:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF4672")),
	}
}

// tailPrinter is a scheduler sink that writes one line per delivery.
type tailPrinter struct {
	mu     sync.Mutex
	w      io.Writer
	styles tailStyles
}

func newTailPrinter(w io.Writer, color bool) *tailPrinter {
	return &tailPrinter{w: w, styles: newTailStyles(color)}
}

// Critical prints a critical delivery as soon as the scheduler releases it.
func (p *tailPrinter) Critical(d scheduler.Delivery) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeLine("!", d)
}

// Flush prints a lossy batch in delivery order.
func (p *tailPrinter) Flush(batch []scheduler.Delivery) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range batch {
		p.writeLine("~", d)
	}
}

func (p *tailPrinter) writeLine(marker string, d scheduler.Delivery) {
	env := d.Envelope
	style := p.styles.lossy
	if marker == "!" {
		style = p.styles.critical
	}
	detail := p.styles.detail.Render(truncate(describe(env), maxDetail))
	if _, ok := env.Payload.(event.ErrorRaised); ok {
		detail = p.styles.errText.Render(truncate(describe(env), maxDetail))
	}
	_, _ = fmt.Fprintf(p.w, "%s t%d %s #%d %s %s\n",
		style.Render(marker),
		d.Tier,
		p.styles.source.Render(env.Source.String()),
		env.Seq,
		p.styles.kind.Render(env.Kind()),
		detail)
}

// describe summarizes an envelope's payload on one line.
func describe(env event.Envelope) string {
	switch p := env.Payload.(type) {
	case event.LifecycleChanged:
		return fmt.Sprintf("%s -> %s", p.From, p.To)
	case event.PaneOutput:
		return fmt.Sprintf("%q", string(p.Data))
	case event.PaneTitleChanged:
		return p.Title
	case event.PaneCwdChanged:
		return p.Dir
	case event.PaneExited:
		return fmt.Sprintf("code=%d", p.ExitCode)
	case event.DiffUpdated:
		return fmt.Sprintf("%d files +%d -%d", p.Files, p.Insertions, p.Deletions)
	case event.PageNavigated:
		return p.URL
	case event.CommandCompleted:
		return fmt.Sprintf("%s %s", p.CommandID, p.Status)
	case event.FilesChanged:
		s := strings.Join(p.Paths, ",")
		if len(p.Entities) > 0 {
			s += " [" + strings.Join(p.Entities, ",") + "]"
		}
		return s
	case event.ForgeStatus:
		return fmt.Sprintf("%s@%s %s", p.Repo, p.Ref, p.Revision)
	case event.ErrorRaised:
		if p.Fatal {
			return "fatal " + p.Component + ": " + p.Message
		}
		return p.Component + ": " + p.Message
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
