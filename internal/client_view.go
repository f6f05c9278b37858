package internal

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// palette shared by every view
const (
	colorAccent  = lipgloss.Color("213")
	colorBorder  = lipgloss.Color("63")
	colorMuted   = lipgloss.Color("244")
	colorText    = lipgloss.Color("253")
	colorWarning = lipgloss.Color("214")
)

var (
	roundedBox = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).MarginTop(1)
	mutedText  = lipgloss.NewStyle().Foreground(colorMuted)

	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(colorAccent).Padding(0, 1)
	subtitleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).MarginTop(1)
	menuBoxStyle       = roundedBox.Copy().BorderForeground(colorBorder).Padding(1, 2)
	menuItemStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).PaddingLeft(1)
	menuHotkeyStyle    = appTitleStyle.Copy().UnsetPadding()
	menuHintStyle      = mutedText.Copy().MarginTop(1)
	noticeBoxStyle     = roundedBox.Copy().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("95")).Padding(1, 2)
	chatHeaderStyle    = appTitleStyle.Copy().BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(colorBorder)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle     = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	errorStyle         = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	typingStyle        = mutedText.Copy().Italic(true)
	messageBodyStyle   = lipgloss.NewStyle().Foreground(colorText)
	messageBoxStyle    = roundedBox.Copy().BorderForeground(lipgloss.Color("60")).Padding(1, 2)
	inputBoxStyle      = roundedBox.Copy().BorderForeground(colorBorder).Padding(0, 1)
	timestampStyle     = mutedText
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	selfNameStyle      = usernameStyle.Copy().Foreground(colorAccent)
	systemMessageStyle = lipgloss.NewStyle().Foreground(colorWarning).Italic(true)
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" | ")

	peerColors = []lipgloss.Color{"45", "81", "141", "98", "63", "135", "32"}
)

const maxRenderedEntries = 200

func (model *TUIModel) View() string {
	switch model.mode {
	case modeMenu:
		return model.renderMenuView()
	case modeNamePrompt:
		return model.renderPrompt("Choose a display name", "Shown to everyone in the room.")
	case modeJoinPrompt:
		return model.renderPrompt("Join a room", "Enter a room code and press Enter.")
	default:
		return model.renderChatView()
	}
}

func (model *TUIModel) renderMenuView() string {
	title := appTitleStyle.Render("roomrelay")
	subtitle := subtitleStyle.Render(fmt.Sprintf("Ephemeral rooms on %s", model.serverURL))

	options := []string{
		renderMenuOption("1", "Join a room"),
		renderMenuOption("2", "Create a room"),
		renderMenuOption("q", "Quit"),
	}

	viewSections := []string{
		lipgloss.JoinVertical(lipgloss.Left, title, subtitle),
		menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, options...)),
	}
	if notices := model.renderSystemNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	viewSections = append(viewSections, menuHintStyle.Render("1) Join  •  2) Create  •  q) Quit"))

	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model *TUIModel) renderPrompt(title, hint string) string {
	viewSections := []string{appTitleStyle.Render(title), menuHintStyle.Render(hint)}
	if notices := model.renderSystemNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	viewSections = append(viewSections, inputBoxStyle.Render(model.textInput.View()))
	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model *TUIModel) renderChatView() string {
	headerSegments := []string{"roomrelay"}
	if model.roomKey != "" {
		headerSegments = append(headerSegments, fmt.Sprintf("Room %s", model.roomKey))
	}
	headerSegments = append(headerSegments, fmt.Sprintf("User %s", model.username))
	if model.isConnected {
		headerSegments = append(headerSegments, fmt.Sprintf("%d online", model.presence))
	}
	header := chatHeaderStyle.Render(strings.Join(headerSegments, dividerStyle))

	var statusLine string
	switch {
	case model.isConnected:
		statusLine = connectedStyle.Render("Connected")
	case model.connectionError != nil:
		statusLine = errorStyle.Render("Connection error: " + model.connectionError.Error() + " (retrying)")
	default:
		statusLine = connectingStyle.Render("Connecting…")
	}

	entries := model.entries
	if len(entries) > maxRenderedEntries {
		entries = entries[len(entries)-maxRenderedEntries:]
	}
	lines := []string{systemMessageStyle.Render("Nothing here yet. Messages and files sent to this room show up below.")}
	if len(entries) > 0 {
		lines = lines[:0]
		for _, e := range entries {
			lines = append(lines, model.renderEntry(e))
		}
	}

	sections := []string{header, statusLine, messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))}
	if line := typingLine(model.typers(time.Now())); line != "" {
		sections = append(sections, typingStyle.Render(line))
	}
	sections = append(sections,
		inputBoxStyle.Render(model.textInput.View()),
		menuHintStyle.Render("/send <path> • /cancel <file> • /transfers • /ls [dir] • Esc or /quit to exit"),
	)
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func renderMenuOption(hotkey string, label string) string {
	key := menuHotkeyStyle.Render(hotkey)
	return lipgloss.JoinHorizontal(lipgloss.Left, key, menuItemStyle.Render(label))
}

func (model *TUIModel) renderSystemNotices() string {
	var notices []string
	for _, entry := range model.entries {
		if entry.Local {
			notices = append(notices, systemMessageStyle.Render(entry.Body))
		}
	}
	if len(notices) == 0 {
		return ""
	}
	if len(notices) > 3 {
		notices = notices[len(notices)-3:]
	}
	return noticeBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, notices...))
}

// renderEntry stamps the time, colors the sender and indents multi-line
// bodies so they stay legible.
func (model *TUIModel) renderEntry(entry logEntry) string {
	ts := entry.Ts
	if ts == 0 {
		ts = time.Now().Unix()
	}
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", time.Unix(ts, 0).Format("15:04:05")))
	if entry.System {
		return timestamp + " " + systemMessageStyle.Render(entry.Body)
	}

	nameStyle := usernameStyle.Copy().Foreground(colorForUser(entry.From))
	if entry.From == model.username {
		nameStyle = selfNameStyle
	}
	body := messageBodyStyle.Render(strings.ReplaceAll(entry.Body, "\n", "\n   "))
	return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", nameStyle.Render(entry.From), ": ", body)
}

func typingLine(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing…"
	case 2:
		return names[0] + " and " + names[1] + " are typing…"
	default:
		return fmt.Sprintf("%d people are typing…", len(names))
	}
}

// colorForUser picks a stable color per name.
func colorForUser(name string) lipgloss.Color {
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return peerColors[sum%len(peerColors)]
}
