package internal

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"roomrelay/internal/relay"
)

type (
	connectedMsg     struct{ conn *websocket.Conn }
	incomingMsg      struct{ msg relay.Message }
	disconnectedMsg  struct {
		conn *websocket.Conn
		err  error
	}
	connectFailedMsg struct{ err error }
	reconnectMsg     struct{}
	existsMsg        struct {
		key    string
		exists bool
		err    error
	}
	createdMsg struct {
		key string
		err error
	}
	fileSentMsg struct {
		name   string
		size   int64
		chunks int
		err    error
	}
	transfersMsg struct {
		transfers map[string]int64
		err       error
	}
	noticeMsg string
)

func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		// Ctrl+C always quits, Esc only from the menu and chat.
		if typedMessage.Type == tea.KeyCtrlC || (typedMessage.Type == tea.KeyEsc && (model.mode == modeMenu || model.mode == modeChat)) {
			model.closeConn("client quit")
			return model, tea.Quit
		}
		switch model.mode {
		case modeMenu:
			switch typedMessage.String() {
			case "1", "j", "J":
				return model, model.promptName(actionJoin)
			case "2", "c", "C":
				return model, model.promptName(actionCreate)
			case "q", "Q", "3":
				return model, tea.Quit
			}
			return model, nil
		case modeNamePrompt:
			switch typedMessage.Type {
			case tea.KeyEnter:
				trimmed := strings.TrimSpace(model.textInput.Value())
				if trimmed == "" {
					model.notice("Display name cannot be empty.")
					return model, nil
				}
				model.username = trimmed
				model.textInput.SetValue("")
				nextAction := model.pendingAction
				model.pendingAction = actionNone
				switch nextAction {
				case actionJoin:
					model.mode = modeJoinPrompt
					model.textInput.Placeholder = "Enter room code…"
					model.textInput.Prompt = "room> "
					return model, model.textInput.Focus()
				case actionCreate:
					return model, model.createRoomCmd()
				default:
					model.backToMenu()
					return model, nil
				}
			case tea.KeyEsc:
				model.pendingAction = actionNone
				model.backToMenu()
				return model, nil
			default:
				var cmd tea.Cmd
				model.textInput, cmd = model.textInput.Update(typedMessage)
				return model, cmd
			}
		case modeJoinPrompt:
			if typedMessage.Type == tea.KeyEsc {
				model.backToMenu()
				return model, nil
			}
			if typedMessage.Type == tea.KeyEnter {
				trimmed := strings.ToLower(strings.TrimSpace(model.textInput.Value()))
				if trimmed == "" {
					return model, nil
				}
				// Check the room over HTTP before dialing the websocket.
				return model, model.existsCmd(trimmed)
			}
			var cmd tea.Cmd
			model.textInput, cmd = model.textInput.Update(typedMessage)
			return model, cmd
		case modeChat:
			if typedMessage.Type == tea.KeyEnter {
				trimmed := strings.TrimSpace(model.textInput.Value())
				model.textInput.SetValue("")
				if strings.HasPrefix(trimmed, "/") {
					return model.runCommand(trimmed)
				}
				if trimmed != "" && model.isConnected {
					model.entries = append(model.entries, logEntry{From: model.username, Body: trimmed, Ts: time.Now().Unix()})
					return model, model.sendCmd(relay.Chat{Data: trimmed})
				}
				return model, nil
			}
			var command tea.Cmd
			model.textInput, command = model.textInput.Update(typedMessage)
			return model, tea.Batch(command, model.typingCmd())
		}

	case connectedMsg:
		model.websocketConn = typedMessage.conn
		model.isConnected = true
		model.connectionError = nil
		// The server replays the room history on every join.
		model.dropReplayable()
		return model, model.readOnceCmd(typedMessage.conn)

	case incomingMsg:
		model.apply(typedMessage.msg)
		return model, model.readOnceCmd(model.websocketConn)

	case disconnectedMsg:
		if typedMessage.conn != model.websocketConn {
			return model, nil
		}
		model.isConnected = false
		model.websocketConn = nil
		model.connectionError = typedMessage.err
		model.presence = 0
		return model, model.scheduleReconnect()

	case connectFailedMsg:
		model.connectionError = typedMessage.err
		if model.mode == modeChat {
			return model, model.scheduleReconnect()
		}
		return model, nil

	case reconnectMsg:
		if model.mode == modeChat && !model.isConnected {
			return model, model.connectCmd()
		}
		return model, nil

	case existsMsg:
		if typedMessage.err != nil {
			model.notice(fmt.Sprintf("Error checking room: %v", typedMessage.err))
			return model, nil
		}
		if !typedMessage.exists {
			model.notice("Room not found. Try again or create a room.")
			return model, nil
		}
		return model, model.enterChat(typedMessage.key)

	case createdMsg:
		if typedMessage.err != nil {
			model.notice(fmt.Sprintf("Could not create room: %v", typedMessage.err))
			model.backToMenu()
			return model, nil
		}
		model.notice(inviteText(model.serverURL, typedMessage.key))
		return model, model.enterChat(typedMessage.key)

	case fileSentMsg:
		if typedMessage.err != nil {
			model.notice(fmt.Sprintf("Sending %s failed: %v", typedMessage.name, typedMessage.err))
			return model, nil
		}
		model.notice(fmt.Sprintf("Sent %s (%s, %d chunks)", typedMessage.name, formatFileSize(typedMessage.size), typedMessage.chunks))
		return model, nil

	case transfersMsg:
		if typedMessage.err != nil {
			model.notice(fmt.Sprintf("Could not list transfers: %v", typedMessage.err))
			return model, nil
		}
		model.notice(describeTransfers(typedMessage.transfers))
		return model, nil

	case noticeMsg:
		model.notice(string(typedMessage))
		return model, nil
	}
	return model, nil
}

func (model *TUIModel) promptName(action actionType) tea.Cmd {
	model.pendingAction = action
	model.mode = modeNamePrompt
	model.textInput.SetValue(model.username)
	model.textInput.Placeholder = "Enter display name…"
	model.textInput.Prompt = "name> "
	return model.textInput.Focus()
}

func (model *TUIModel) backToMenu() {
	model.mode = modeMenu
	model.textInput.SetValue("")
	model.textInput.Blur()
	model.textInput.Placeholder = ""
	model.textInput.Prompt = ""
}

func (model *TUIModel) enterChat(key string) tea.Cmd {
	model.roomKey = key
	model.mode = modeChat
	model.textInput.SetValue("")
	model.textInput.Placeholder = "Type a message…"
	model.textInput.Prompt = "> "
	return tea.Batch(model.textInput.Focus(), model.connectCmd())
}

func (model *TUIModel) closeConn(reason string) {
	if model.websocketConn == nil {
		return
	}
	model.writeMutex.Lock()
	_ = model.websocketConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	model.writeMutex.Unlock()
	_ = model.websocketConn.Close()
}

func (model *TUIModel) runCommand(line string) (tea.Model, tea.Cmd) {
	name, arg := parseCommand(line)
	switch name {
	case "quit", "exit":
		model.closeConn("client quit")
		return model, tea.Quit
	case "send":
		if arg == "" {
			model.notice("Usage: /send <path>")
			return model, nil
		}
		if !model.isConnected {
			model.notice("Not connected.")
			return model, nil
		}
		return model, model.sendFileCmd(expandPath(arg))
	case "cancel":
		if arg == "" {
			model.notice("Usage: /cancel <filename>")
			return model, nil
		}
		return model, model.sendCmd(relay.FileCancel{Filename: filepath.Base(arg)})
	case "transfers":
		return model, model.transfersCmd()
	case "ls":
		dir := model.browseDir
		if arg != "" {
			dir = expandPath(arg)
		}
		listing, err := renderListing(dir)
		if err != nil {
			model.notice(fmt.Sprintf("ls: %v", err))
			return model, nil
		}
		model.browseDir = dir
		model.notice(listing)
		return model, nil
	case "help":
		model.notice("Commands: /send <path>, /cancel <file>, /transfers, /ls [dir], /quit")
		return model, nil
	}
	model.notice(fmt.Sprintf("Unknown command /%s. Try /help.", name))
	return model, nil
}

// apply folds an incoming relay message into the model.
func (model *TUIModel) apply(msg relay.Message) {
	now := time.Now()
	switch m := msg.(type) {
	case relay.Chat:
		delete(model.typing, m.ClientID)
		model.entries = append(model.entries, logEntry{From: m.ClientID, Body: m.Data, Ts: m.Ts})
	case relay.System:
		model.entries = append(model.entries, logEntry{From: "system", Body: m.Data, Ts: m.Ts, System: true})
	case relay.Typing:
		if m.ClientID != "" && m.ClientID != model.username {
			model.typing[m.ClientID] = now
		}
	case relay.PresenceCount:
		model.presence = m.Count
	case relay.FileStart:
		model.downloads[downloadKey(m.ClientID, m.Filename)] = &download{from: m.ClientID, size: m.Size}
		model.notice(fmt.Sprintf("%s is sending %s (%s)", m.ClientID, m.Filename, formatFileSize(m.Size)))
	case relay.FileChunk:
		dl, ok := model.downloads[downloadKey(m.ClientID, m.Filename)]
		if !ok {
			return
		}
		if dl.received+int64(len(m.Data)) > maxDownload {
			delete(model.downloads, downloadKey(m.ClientID, m.Filename))
			model.notice(fmt.Sprintf("Dropped %s from %s: too large", m.Filename, m.ClientID))
			return
		}
		dl.buf.Write(m.Data)
		dl.received += int64(len(m.Data))
	case relay.FileEnd:
		key := downloadKey(m.ClientID, m.Filename)
		dl, ok := model.downloads[key]
		if !ok {
			return
		}
		delete(model.downloads, key)
		path, err := saveDownload(model.downloadDir, m.Filename, dl.buf.Bytes())
		if err != nil {
			model.notice(fmt.Sprintf("Could not save %s: %v", m.Filename, err))
			return
		}
		model.notice(fmt.Sprintf("Received %s from %s (%s) -> %s", m.Filename, m.ClientID, formatFileSize(dl.received), path))
	case relay.FileCancel:
		if _, ok := model.downloads[downloadKey(m.ClientID, m.Filename)]; ok {
			delete(model.downloads, downloadKey(m.ClientID, m.Filename))
			model.notice(fmt.Sprintf("%s cancelled %s", m.ClientID, m.Filename))
		}
	}
}

func (model *TUIModel) dropReplayable() {
	kept := model.entries[:0]
	for _, entry := range model.entries {
		if entry.Local {
			kept = append(kept, entry)
		}
	}
	model.entries = kept
	model.downloads = make(map[string]*download)
}

// typers returns the names seen typing within typingTTL, sorted.
func (model *TUIModel) typers(now time.Time) []string {
	var names []string
	for name, at := range model.typing {
		if now.Sub(at) > typingTTL {
			delete(model.typing, name)
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func parseCommand(line string) (string, string) {
	line = strings.TrimPrefix(strings.TrimSpace(line), "/")
	name, arg, _ := strings.Cut(line, " ")
	return strings.ToLower(name), strings.TrimSpace(arg)
}

func downloadKey(clientID, filename string) string {
	return clientID + "/" + filename
}

func describeTransfers(transfers map[string]int64) string {
	if len(transfers) == 0 {
		return "No transfers in flight."
	}
	names := make([]string, 0, len(transfers))
	for name := range transfers {
		names = append(names, name)
	}
	sort.Strings(names)
	var sb strings.Builder
	sb.WriteString("In flight:")
	for _, name := range names {
		fmt.Fprintf(&sb, "\n  %s  %s", name, formatFileSize(transfers[name]))
	}
	return sb.String()
}
