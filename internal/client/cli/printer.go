package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"

	"github.com/iudanet/causalrepo/internal/client/iocli"
	"github.com/iudanet/causalrepo/internal/crdt"
	"github.com/iudanet/causalrepo/internal/models"
)

// printer форматирует вывод команд. Цвета включены только для терминала.
type printer struct {
	out     io.Writer
	success *color.Color
	warn    *color.Color
	key     *color.Color
	removed *color.Color
	dim     *color.Color
}

func newPrinter(out iocli.IO) *printer {
	p := &printer{
		out:     out,
		success: color.New(color.FgGreen),
		warn:    color.New(color.FgYellow),
		key:     color.New(color.FgCyan, color.Bold),
		removed: color.New(color.FgRed),
		dim:     color.New(color.Faint),
	}
	if !out.IsTerminal() {
		for _, c := range []*color.Color{p.success, p.warn, p.key, p.removed, p.dim} {
			c.DisableColor()
		}
	}
	return p
}

func (p *printer) Line(format string, a ...any) {
	_, _ = fmt.Fprintf(p.out, format+"\n", a...)
}

func (p *printer) Success(format string, a ...any) {
	_, _ = p.success.Fprintf(p.out, "✓ "+format+"\n", a...)
}

func (p *printer) Warn(format string, a ...any) {
	_, _ = p.warn.Fprintf(p.out, "⚠️  "+format+"\n", a...)
}

// JSON печатает v одной строкой, удобно для jq
func (p *printer) JSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintf(p.out, "%s\n", data)
	return err
}

// State печатает ботов в порядке id, теги в порядке имени
func (p *printer) State(state crdt.BotsState) {
	if len(state) == 0 {
		_, _ = p.dim.Fprintln(p.out, "(no bots)")
		return
	}
	for _, id := range state.IDs() {
		p.bot(id, state[id].Tags)
	}
}

// Patch печатает изменение состояния: удаленные боты и теги помечаются "-"
func (p *printer) Patch(patch crdt.Patch) {
	ids := make([]string, 0, len(patch))
	for id := range patch {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		bp := patch[id]
		if bp == nil {
			_, _ = p.removed.Fprintf(p.out, "- %s\n", id)
			continue
		}
		p.bot(id, bp.Tags)
	}
}

func (p *printer) bot(id string, tags map[string]any) {
	_, _ = p.key.Fprintln(p.out, id)

	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := tags[name]
		if value == nil {
			_, _ = p.removed.Fprintf(p.out, "  - %s\n", name)
			continue
		}
		_, _ = fmt.Fprintf(p.out, "  %s = %s\n", name, formatValue(value))
	}
}

func (p *printer) Commits(commits []*models.Commit) {
	if len(commits) == 0 {
		_, _ = p.dim.Fprintln(p.out, "(no commits)")
		return
	}
	for _, c := range commits {
		_, _ = p.key.Fprint(p.out, c.Hash)
		_, _ = p.dim.Fprintf(p.out, "  %s", c.Time.Local().Format("2006-01-02 15:04:05"))
		_, _ = fmt.Fprintf(p.out, "  %s\n", c.Message)
	}
}

func (p *printer) Device(sign, branch string, d models.DeviceInfo) {
	c := p.success
	if sign == "-" {
		c = p.removed
	}
	_, _ = c.Fprintf(p.out, "%s %s", sign, branch)
	_, _ = fmt.Fprintf(p.out, "  %s/%s", d.Username, d.DeviceID)
	_, _ = p.dim.Fprintf(p.out, "  %s\n", d.SessionID)
}

// formatValue печатает значение тега как JSON: строки в кавычках, числа как есть
func formatValue(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
