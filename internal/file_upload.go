package internal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"roomrelay/internal/relay"
)

const uploadDrainPoll = 2 * time.Millisecond

type uploadResponse struct {
	Status   string `json:"status"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Chunks   int    `json:"chunks"`
	SHA256   string `json:"sha256"`
}

// HandleFileUpload relays a multipart upload into the room as file-start,
// file-chunk and file-end messages. Nothing is written to disk.
func (s *Server) HandleFileUpload(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	if !s.registry.Exists(roomID) {
		writeError(w, http.StatusNotFound, relay.ErrNotFound)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.limits.MaxUploadBytes+(1<<20))
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("multipart body required"))
		return
	}

	var (
		clientID    string
		excludeSelf bool
		declared    int64
	)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			writeError(w, http.StatusBadRequest, errors.New("no file provided"))
			return
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		switch part.FormName() {
		case "client_id":
			clientID = strings.TrimSpace(readField(part))
		case "exclude_self":
			excludeSelf, _ = strconv.ParseBool(readField(part))
		case "size":
			declared, _ = strconv.ParseInt(strings.TrimSpace(readField(part)), 10, 64)
		case "file":
			s.relayUpload(r.Context(), w, roomID, clientID, excludeSelf, declared, part.FileName(), part)
			_ = part.Close()
			return
		}
		_ = part.Close()
	}
}

func (s *Server) relayUpload(ctx context.Context, w http.ResponseWriter, roomID, clientID string, excludeSelf bool, declared int64, rawName string, body io.Reader) {
	filename := filepath.Base(rawName)
	if filename == "" || filename == "." || filename == ".." || filename == string(filepath.Separator) {
		writeError(w, http.StatusBadRequest, errors.New("invalid filename"))
		return
	}
	log := s.logger.With(slog.String("room_id", roomID), slog.String("filename", filename))

	if declared < 0 || declared > s.limits.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("file too large"))
		return
	}
	// Parts carry no length, so the size is whatever the optional size field declared.
	if _, err := s.registry.Publish(roomID, clientID, relay.FileStart{Filename: filename, Size: declared}, excludeSelf); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	hasher := sha256.New()
	buf := make([]byte, s.limits.ChunkSize)
	var (
		total  int64
		chunks int
	)
	for {
		n, readErr := io.ReadFull(body, buf)
		if n > 0 {
			total += int64(n)
			if total > s.limits.MaxUploadBytes {
				s.cancelUpload(roomID, clientID, filename, excludeSelf)
				writeError(w, http.StatusRequestEntityTooLarge, errors.New("file too large"))
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			hasher.Write(data)
			if err := s.awaitDrain(ctx, roomID, clientID, excludeSelf); err != nil {
				log.Info("upload aborted while receivers drained", slog.Any("error", err))
				s.cancelUpload(roomID, clientID, filename, excludeSelf)
				writeError(w, statusFor(err), err)
				return
			}
			if _, err := s.registry.Publish(roomID, clientID, relay.FileChunk{Filename: filename, Data: data}, excludeSelf); err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			chunks++
		}
		if readErr == io.EOF || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		if readErr != nil {
			log.Warn("upload read failed", slog.Any("error", readErr))
			s.cancelUpload(roomID, clientID, filename, excludeSelf)
			writeError(w, http.StatusBadRequest, errors.New("upload interrupted"))
			return
		}
	}

	if _, err := s.registry.Publish(roomID, clientID, relay.FileEnd{Filename: filename}, excludeSelf); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.metrics.IncUpload()
	log.Info("upload relayed", slog.Int64("bytes", total), slog.Int("chunks", chunks))
	writeJSON(w, http.StatusOK, uploadResponse{
		Status:   "relayed",
		Filename: filename,
		Size:     total,
		Chunks:   chunks,
		SHA256:   hex.EncodeToString(hasher.Sum(nil)),
	})
}

// awaitDrain holds the next chunk back while any receiver's mailbox is more
// than half full. A receiver that makes no progress for UploadStallTimeout
// is left to the normal full-mailbox drop.
func (s *Server) awaitDrain(ctx context.Context, roomID, clientID string, excludeSelf bool) error {
	highWater := s.registry.MailboxSize() / 2
	stall := time.NewTimer(s.limits.UploadStallTimeout)
	defer stall.Stop()
	poll := time.NewTicker(uploadDrainPoll)
	defer poll.Stop()

	last := -1
	for {
		backlog, err := s.registry.Backlog(roomID, clientID, excludeSelf)
		if err != nil {
			return err
		}
		if backlog <= highWater {
			return nil
		}
		if last >= 0 && backlog < last {
			stall.Reset(s.limits.UploadStallTimeout)
		}
		last = backlog

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stall.C:
			return nil
		case <-poll.C:
		}
	}
}

func (s *Server) cancelUpload(roomID, clientID, filename string, excludeSelf bool) {
	_, _ = s.registry.Publish(roomID, clientID, relay.FileCancel{Filename: filename}, excludeSelf)
}

func readField(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 1024))
	return string(b)
}
