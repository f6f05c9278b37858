package internal

import (
	"bytes"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

// logEntry is one rendered line in the chat log.
type logEntry struct {
	From   string
	Body   string
	Ts     int64
	System bool
	Local  bool
}

// download collects the chunks of an incoming transfer until file-end.
type download struct {
	from     string
	size     int64
	received int64
	buf      bytes.Buffer
}

// tui model struct for all the components and modes
type TUIModel struct {
	textInput       textinput.Model
	entries         []logEntry
	serverURL       string
	roomKey         string
	username        string
	downloadDir     string
	browseDir       string
	websocketConn   *websocket.Conn
	writeMutex      sync.Mutex
	isConnected     bool
	connectionError error
	mode            appMode
	pendingAction   actionType
	presence        int
	typing          map[string]time.Time
	lastTypingSent  time.Time
	downloads       map[string]*download
}

type appMode int

const (
	modeMenu appMode = iota
	modeNamePrompt
	modeJoinPrompt
	modeChat
)

type actionType int

const (
	actionNone actionType = iota
	actionJoin
	actionCreate
)

const (
	typingInterval = 3 * time.Second
	typingTTL      = 4 * time.Second
	maxDownload    = 64 << 20
)

func NewTUIModel(serverURL, roomKey, username, downloadDir string) *TUIModel {
	input := textinput.New()
	input.Placeholder = "Type a message…"
	input.CharLimit = 0
	input.Focus()
	input.Prompt = "> "

	if username == "" {
		username = defaultUsername()
	}
	if downloadDir == "" {
		downloadDir = getDefaultDownloadPath()
	}

	model := &TUIModel{
		textInput:   input,
		entries:     make([]logEntry, 0, 64),
		serverURL:   serverURL,
		roomKey:     roomKey,
		username:    username,
		downloadDir: downloadDir,
		browseDir:   getDefaultBrowsePath(),
		typing:      make(map[string]time.Time),
		downloads:   make(map[string]*download),
	}
	if roomKey == "" {
		model.mode = modeMenu
		model.textInput.Blur()
		model.textInput.Prompt = ""
		model.textInput.Placeholder = ""
	} else {
		model.mode = modeChat
	}
	return model
}

// init user
func defaultUsername() string {
	if user := os.Getenv("RELAY_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "anon"
}

func (model *TUIModel) Init() tea.Cmd {
	if model.mode == modeChat {
		return model.connectCmd()
	}
	return nil
}

func (model *TUIModel) notice(body string) {
	model.entries = append(model.entries, logEntry{From: "system", Body: body, Ts: time.Now().Unix(), System: true, Local: true})
}
