package ui

import (
	"fmt"
	"os"
	"strings"

	"dropcrate/internal/events"
)

func (m Model) View() string {
	summary := m.viewSummary()
	if summary != "" {
		return m.viewHeader() + "\n\n" + m.viewItems() + "\n" + summary
	}
	return m.viewHeader() + "\n\n" + m.viewItems()
}

func (m Model) viewHeader() string {
	done, total := 0, len(m.itemOrder)
	for _, id := range m.itemOrder {
		if m.items[id].done {
			done++
		}
	}
	title := m.styles.Title.Render("dropcrate — DJ media inbox")
	state := fmt.Sprintf("Items: %d/%d done • q: cancel", done, total)
	if m.cancelled {
		state = fmt.Sprintf("Items: %d/%d done • cancelled", done, total)
	}
	return title + "\n" + m.styles.Subtitle.Render(state)
}

func (m Model) viewItems() string {
	var b strings.Builder
	for _, id := range m.itemOrder {
		b.WriteString(m.viewItem(m.items[id]))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) viewItem(it *itemState) string {
	stageStyle := m.styles.ItemInfo
	switch {
	case it.failed():
		stageStyle = m.styles.Error
	case it.done:
		stageStyle = m.styles.Success
	default:
		switch it.stage {
		case events.StageMetadata, events.StageClassify:
			stageStyle = m.styles.StageMeta
		case events.StageDownload, events.StageFingerprint:
			stageStyle = m.styles.StageDL
		case events.StageNormalize, events.StageTranscode, events.StageTag:
			stageStyle = m.styles.StageProc
		case events.StageFinalize:
			stageStyle = m.styles.StageFinal
		}
	}

	left := m.styles.ItemTitle.Render(truncate(it.url, 48))
	stage := stageStyle.Render(stageLabel(it))

	var right string
	switch {
	case it.failed():
		right = m.styles.Error.Render("✗ " + string(it.errKind))
	case it.done:
		right = m.styles.Success.Render("✓ done")
	case it.stage == "":
		right = m.styles.Spinner.Render(it.spinner.View()) + " " + m.styles.Faint.Render("waiting")
	default:
		right = it.bar.ViewAs(it.fraction())
	}

	info := it.status
	if it.failed() && it.hint != "" {
		info += "\n" + m.styles.Warning.Render("hint: "+it.hint)
	}
	if it.done && !it.failed() {
		if size := fileSize(it.audioPath, it.videoPath); size != "" {
			info += " " + m.styles.Faint.Render("("+size+")")
		}
	}

	line1 := fmt.Sprintf("%s  %s", left, stage)
	line2 := m.styles.ItemInfo.Render(info)
	return m.styles.Box.Render(line1 + "\n" + right + "\n" + line2)
}

func (m Model) viewSummary() string {
	var published []string
	for _, id := range m.itemOrder {
		it := m.items[id]
		if !it.done || it.failed() {
			continue
		}
		if it.audioPath != "" {
			published = append(published, it.audioPath)
		}
		if it.videoPath != "" {
			published = append(published, it.videoPath)
		}
	}
	if len(published) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.styles.Subtitle.Render("✓ Published:"))
	b.WriteString("\n")
	for _, path := range published {
		b.WriteString(m.styles.Success.Render("  • " + path))
		b.WriteString("\n")
	}
	return b.String()
}

func stageLabel(it *itemState) string {
	switch {
	case it.failed():
		return "error"
	case it.done:
		return "done"
	case it.stage == "":
		return "queued"
	default:
		return string(it.stage)
	}
}

// fileSize reports the first existing output's size, humanized.
func fileSize(paths ...string) string {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if fi, err := os.Stat(p); err == nil {
			return humanizeBytes(fi.Size())
		}
	}
	return ""
}

func humanizeBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit && exp < 4; n /= unit {
		div *= unit
		exp++
	}
	units := []string{"KB", "MB", "GB", "TB", "PB"}
	return fmt.Sprintf("%.1f %s", float64(b)/float64(div), units[exp])
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if n <= 0 || len(rs) <= n {
		return s
	}
	return string(rs[:n-1]) + "…"
}
