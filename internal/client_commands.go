package internal

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"roomrelay/internal/relay"
)

const clientChunkSize = 32 << 10

var errNotConnected = errors.New("websocket not connected")

func (model *TUIModel) scheduleReconnect() tea.Cmd {
	const retryDelay = 2 * time.Second
	return tea.Tick(retryDelay, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

// websocket dial
func (model *TUIModel) connectCmd() tea.Cmd {
	serverURL, roomKey, username := model.serverURL, model.roomKey, model.username
	return func() tea.Msg {
		joinURL, err := buildJoinURL(serverURL, roomKey, username)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		conn, resp, err := websocket.DefaultDialer.Dial(joinURL, http.Header{})
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusNotFound {
				err = fmt.Errorf("room %s no longer exists", roomKey)
			}
			return connectFailedMsg{err: err}
		}
		return connectedMsg{conn: conn}
	}
}

func (model *TUIModel) readOnceCmd(conn *websocket.Conn) tea.Cmd {
	return func() tea.Msg {
		if conn == nil {
			return disconnectedMsg{err: errNotConnected}
		}
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return disconnectedMsg{conn: conn, err: err}
			}
			if messageType != websocket.TextMessage {
				continue
			}
			msg, err := relay.Decode(payload)
			if err != nil {
				continue
			}
			return incomingMsg{msg: msg}
		}
	}
}

// write sends one envelope on conn. Callers capture conn in Update so the
// command goroutines never read model.websocketConn.
func (model *TUIModel) write(conn *websocket.Conn, msg relay.Message) error {
	if conn == nil {
		return errNotConnected
	}
	encoded, err := relay.Encode(msg)
	if err != nil {
		return err
	}
	model.writeMutex.Lock()
	defer model.writeMutex.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, encoded)
}

func (model *TUIModel) sendCmd(msg relay.Message) tea.Cmd {
	conn := model.websocketConn
	return func() tea.Msg {
		if err := model.write(conn, msg); err != nil {
			return noticeMsg(fmt.Sprintf("Send failed: %v", err))
		}
		return nil
	}
}

// typingCmd emits a typing signal at most once per typingInterval.
func (model *TUIModel) typingCmd() tea.Cmd {
	now := time.Now()
	if !model.isConnected || model.textInput.Value() == "" || now.Sub(model.lastTypingSent) < typingInterval {
		return nil
	}
	model.lastTypingSent = now
	conn := model.websocketConn
	return func() tea.Msg {
		_ = model.write(conn, relay.Typing{})
		return nil
	}
}

// sendFileCmd streams a local file as file-start, chunks and file-end.
func (model *TUIModel) sendFileCmd(path string) tea.Cmd {
	conn := model.websocketConn
	return func() tea.Msg {
		name := filepath.Base(path)
		file, err := os.Open(path)
		if err != nil {
			return fileSentMsg{name: name, err: err}
		}
		defer file.Close()
		info, err := file.Stat()
		if err != nil {
			return fileSentMsg{name: name, err: err}
		}
		if info.IsDir() {
			return fileSentMsg{name: name, err: errors.New("is a directory")}
		}

		if err := model.write(conn, relay.FileStart{Filename: name, Size: info.Size()}); err != nil {
			return fileSentMsg{name: name, err: err}
		}
		buf := make([]byte, clientChunkSize)
		var sent int64
		chunks := 0
		for {
			n, readErr := file.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if err := model.write(conn, relay.FileChunk{Filename: name, Data: chunk}); err != nil {
					return fileSentMsg{name: name, err: err}
				}
				sent += int64(n)
				chunks++
			}
			if errors.Is(readErr, io.EOF) {
				break
			}
			if readErr != nil {
				_ = model.write(conn, relay.FileCancel{Filename: name})
				return fileSentMsg{name: name, err: readErr}
			}
		}
		if err := model.write(conn, relay.FileEnd{Filename: name}); err != nil {
			return fileSentMsg{name: name, err: err}
		}
		return fileSentMsg{name: name, size: sent, chunks: chunks}
	}
}

// HTTP GET against /rooms/{id} so we can warn the user
func (model *TUIModel) existsCmd(key string) tea.Cmd {
	serverURL := model.serverURL
	return func() tea.Msg {
		exists, err := apiRoomExists(serverURL, key)
		return existsMsg{key: key, exists: exists, err: err}
	}
}

func (model *TUIModel) createRoomCmd() tea.Cmd {
	serverURL := model.serverURL
	return func() tea.Msg {
		key, err := apiCreateRoom(serverURL)
		return createdMsg{key: key, err: err}
	}
}

func (model *TUIModel) transfersCmd() tea.Cmd {
	serverURL, roomKey, username := model.serverURL, model.roomKey, model.username
	return func() tea.Msg {
		transfers, err := apiTransfers(serverURL, roomKey, username)
		return transfersMsg{transfers: transfers, err: err}
	}
}

// RunClient is the entry point for bubbletea.
func RunClient(serverURL, roomKey, username, downloadDir string) error {
	program := tea.NewProgram(NewTUIModel(serverURL, strings.ToLower(roomKey), username, downloadDir))
	_, err := program.Run()
	return err
}

func inviteText(serverURL, roomKey string) string {
	var sb strings.Builder
	sb.WriteString("Room ")
	sb.WriteString(roomKey)
	sb.WriteString(" created. Invite others with:\n  ")
	sb.WriteString("roomrelay client --server-url ")
	sb.WriteString(serverURL)
	sb.WriteString(" ")
	sb.WriteString(roomKey)
	return sb.String()
}

func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
